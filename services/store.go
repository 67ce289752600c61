package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/humanmade/entity-base/models"
)

// DefaultMaxAssociations bounds how many entities a single document lookup
// returns.
const DefaultMaxAssociations = 100

// EntityStore maintains entities, document-entity associations and the
// materialized connected-document counts.
type EntityStore struct {
	DB     *gorm.DB
	Logger *zap.Logger

	// OnEntityCreated fires once per newly created entity. Optional hook for
	// external collaborators (indexing, notifications, metrics).
	OnEntityCreated func(entity *models.Entity)

	// MaxAssociations caps EntitiesForDocument results. Zero means
	// DefaultMaxAssociations.
	MaxAssociations int
}

// NewEntityStore creates a store on top of the given database handle.
func NewEntityStore(db *gorm.DB, logger *zap.Logger) *EntityStore {
	return &EntityStore{DB: db, Logger: logger}
}

// ReplaceAssociations atomically replaces all associations for a document
// with the given retained candidates, keyed by entity ID. Prior associations
// are cleared first so no stale pair survives a re-run. Entity records are
// created on first sight; connected counts for every affected entity (old and
// new) are recomputed afterwards.
func (s *EntityStore) ReplaceAssociations(ctx context.Context, documentID uint, candidates map[string]models.CandidateEntity) error {
	affected := map[string]struct{}{}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var oldSlugs []string
		if err := tx.Model(&models.Association{}).
			Where("document_id = ?", documentID).
			Pluck("entity_slug", &oldSlugs).Error; err != nil {
			return fmt.Errorf("loading prior associations: %w", err)
		}
		for _, slug := range oldSlugs {
			affected[slug] = struct{}{}
		}

		if err := tx.Where("document_id = ?", documentID).
			Delete(&models.Association{}).Error; err != nil {
			return fmt.Errorf("clearing prior associations: %w", err)
		}

		for _, candidate := range candidates {
			slug := models.Slugify(candidate.EntityID)
			if slug == "" {
				continue
			}
			affected[slug] = struct{}{}

			if _, err := s.upsertEntity(tx, candidate, slug); err != nil {
				return err
			}

			assoc := models.Association{
				DocumentID: documentID,
				EntitySlug: slug,
				Confidence: candidate.ConfidenceScore,
				Relevance:  candidate.RelevanceScore,
			}
			if err := tx.Create(&assoc).Error; err != nil {
				return fmt.Errorf("writing association for %s: %w", slug, err)
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	for slug := range affected {
		if _, err := s.RecomputeConnectedCount(ctx, slug); err != nil {
			s.Logger.Warn("Connected count recompute failed",
				zap.String("entity_slug", slug), zap.Error(err))
		}
	}

	return nil
}

// UpsertEntity ensures an entity record exists for the candidate and returns
// it. An existing entity gets its raw data refreshed and its connected count
// recomputed; a new one fires the entityCreated hook.
func (s *EntityStore) UpsertEntity(ctx context.Context, candidate models.CandidateEntity) (*models.Entity, error) {
	slug := models.Slugify(candidate.EntityID)
	if slug == "" {
		return nil, fmt.Errorf("candidate %q produces an empty slug", candidate.EntityID)
	}
	entity, err := s.upsertEntity(s.DB.WithContext(ctx), candidate, slug)
	if err != nil {
		return nil, err
	}
	if _, err := s.RecomputeConnectedCount(ctx, slug); err != nil {
		return nil, err
	}
	return entity, nil
}

func (s *EntityStore) upsertEntity(tx *gorm.DB, candidate models.CandidateEntity, slug string) (*models.Entity, error) {
	raw, err := json.Marshal(candidate)
	if err != nil {
		return nil, fmt.Errorf("encoding raw entity data: %w", err)
	}

	var entity models.Entity
	err = tx.Where("slug = ?", slug).First(&entity).Error
	if err == nil {
		// Keep the most recent payload on the record.
		updates := map[string]interface{}{
			"raw_data":       raw,
			"dbpedia_types":  strings.Join(candidate.Types, ","),
			"freebase_types": strings.Join(candidate.FreebaseTypes, ","),
		}
		if err := tx.Model(&entity).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("updating entity %s: %w", slug, err)
		}
		return &entity, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("looking up entity %s: %w", slug, err)
	}

	entity = models.Entity{
		Slug:          slug,
		DisplayName:   candidate.EntityID,
		DBPediaTypes:  strings.Join(candidate.Types, ","),
		FreebaseTypes: strings.Join(candidate.FreebaseTypes, ","),
		RawData:       raw,
	}
	if err := tx.Create(&entity).Error; err != nil {
		return nil, fmt.Errorf("creating entity %s: %w", slug, err)
	}

	s.Logger.Debug("Entity created", zap.String("entity_slug", slug))
	if s.OnEntityCreated != nil {
		s.OnEntityCreated(&entity)
	}

	return &entity, nil
}

// RecomputeConnectedCount refreshes the materialized count of published
// documents associated with the entity and returns the new value. A full
// recount on every trigger avoids drift from partial updates.
func (s *EntityStore) RecomputeConnectedCount(ctx context.Context, slug string) (int, error) {
	var count int64
	err := s.DB.WithContext(ctx).Model(&models.Document{}).
		Joins("JOIN entity_associations ON entity_associations.document_id = documents.id").
		Where("entity_associations.entity_slug = ? AND documents.status = ?", slug, models.StatusPublished).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("counting connected documents for %s: %w", slug, err)
	}

	err = s.DB.WithContext(ctx).Model(&models.Entity{}).
		Where("slug = ?", slug).
		Update("connected_count", count).Error
	if err != nil {
		return 0, fmt.Errorf("storing connected count for %s: %w", slug, err)
	}

	return int(count), nil
}

// EntitiesForDocument returns the entities linked to a document, ordered by
// descending relevance, capped at MaxAssociations.
func (s *EntityStore) EntitiesForDocument(ctx context.Context, documentID uint) ([]models.Entity, error) {
	limit := s.MaxAssociations
	if limit <= 0 {
		limit = DefaultMaxAssociations
	}

	var entities []models.Entity
	err := s.DB.WithContext(ctx).Model(&models.Entity{}).
		Joins("JOIN entity_associations ON entity_associations.entity_slug = entities.slug").
		Where("entity_associations.document_id = ?", documentID).
		Order("entity_associations.relevance DESC, entities.slug ASC").
		Limit(limit).
		Find(&entities).Error
	if err != nil {
		return nil, fmt.Errorf("loading entities for document %d: %w", documentID, err)
	}
	return entities, nil
}

// ConnectedDocuments returns the published documents associated with an
// entity, ordered by descending confidence, bounded by maxResults.
func (s *EntityStore) ConnectedDocuments(ctx context.Context, slug string, maxResults int) ([]models.Document, error) {
	query := s.DB.WithContext(ctx).Model(&models.Document{}).
		Joins("JOIN entity_associations ON entity_associations.document_id = documents.id").
		Where("entity_associations.entity_slug = ? AND documents.status = ?", slug, models.StatusPublished).
		Order("entity_associations.confidence DESC, documents.id ASC")
	if maxResults > 0 {
		query = query.Limit(maxResults)
	}

	var docs []models.Document
	if err := query.Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("loading connected documents for %s: %w", slug, err)
	}
	return docs, nil
}

// AssociationsForDocument returns the raw association rows for a document.
func (s *EntityStore) AssociationsForDocument(ctx context.Context, documentID uint) ([]models.Association, error) {
	var assocs []models.Association
	err := s.DB.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("relevance DESC").
		Find(&assocs).Error
	if err != nil {
		return nil, fmt.Errorf("loading associations for document %d: %w", documentID, err)
	}
	return assocs, nil
}

// HandleStatusTransition recomputes connected counts for all entities linked
// to a document whose publish status changed. Only publish/unpublish
// transitions affect the counts.
func (s *EntityStore) HandleStatusTransition(ctx context.Context, documentID uint, oldStatus, newStatus string) error {
	published := models.StatusPublished
	if (newStatus == published) == (oldStatus == published) {
		return nil
	}

	var slugs []string
	if err := s.DB.WithContext(ctx).Model(&models.Association{}).
		Where("document_id = ?", documentID).
		Pluck("entity_slug", &slugs).Error; err != nil {
		return fmt.Errorf("loading associations for document %d: %w", documentID, err)
	}

	for _, slug := range slugs {
		if _, err := s.RecomputeConnectedCount(ctx, slug); err != nil {
			return err
		}
	}
	return nil
}

// HandleDocumentDeleted purges a deleted document's associations and
// recomputes the counts of the entities it was linked to.
func (s *EntityStore) HandleDocumentDeleted(ctx context.Context, documentID uint) error {
	var slugs []string
	if err := s.DB.WithContext(ctx).Model(&models.Association{}).
		Where("document_id = ?", documentID).
		Pluck("entity_slug", &slugs).Error; err != nil {
		return fmt.Errorf("loading associations for document %d: %w", documentID, err)
	}

	if err := s.DB.WithContext(ctx).
		Where("document_id = ?", documentID).
		Delete(&models.Association{}).Error; err != nil {
		return fmt.Errorf("purging associations for document %d: %w", documentID, err)
	}

	for _, slug := range slugs {
		if _, err := s.RecomputeConnectedCount(ctx, slug); err != nil {
			s.Logger.Warn("Connected count recompute failed after document delete",
				zap.String("entity_slug", slug), zap.Error(err))
		}
	}
	return nil
}

// DeleteEntity removes an entity record and purges its association rows from
// all documents.
func (s *EntityStore) DeleteEntity(ctx context.Context, slug string) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("entity_slug = ?", slug).
			Delete(&models.Association{}).Error; err != nil {
			return fmt.Errorf("purging associations for entity %s: %w", slug, err)
		}
		result := tx.Where("slug = ?", slug).Delete(&models.Entity{})
		if result.Error != nil {
			return fmt.Errorf("deleting entity %s: %w", slug, result.Error)
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// CountEntities returns the total number of entity records.
func (s *EntityStore) CountEntities(ctx context.Context) (int64, error) {
	var count int64
	if err := s.DB.WithContext(ctx).Model(&models.Entity{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting entities: %w", err)
	}
	return count, nil
}
