package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/humanmade/entity-base/config"
	"github.com/humanmade/entity-base/models"
	"github.com/humanmade/entity-base/providers"
)

// ExtractService orchestrates the extraction pipeline: fingerprint, cache,
// analysis call, filter chain, association replacement.
type ExtractService struct {
	Config   *config.Config
	DB       *gorm.DB
	Cache    *AnalysisCache
	Analyzer providers.Analyzer
	Store    *EntityStore
	Logger   *zap.Logger
}

// NewExtractService creates the extraction pipeline service.
func NewExtractService(cfg *config.Config, db *gorm.DB, cache *AnalysisCache, analyzer providers.Analyzer, store *EntityStore, logger *zap.Logger) *ExtractService {
	return &ExtractService{
		Config:   cfg,
		DB:       db,
		Cache:    cache,
		Analyzer: analyzer,
		Store:    store,
		Logger:   logger,
	}
}

// AnalyseDocument runs the full pipeline for one document and returns the
// retained entities keyed by entity ID.
//
// A failed analysis call is cached as an error record and yields zero
// entities without touching the document's existing associations; the next
// attempt is a fresh one only once the content fingerprint changes. A missing
// API key is returned immediately and never cached.
func (s *ExtractService) AnalyseDocument(ctx context.Context, doc *models.Document) (map[string]models.CandidateEntity, error) {
	log := s.Logger.With(zap.Uint("document_id", doc.ID))

	fingerprint := Fingerprint(doc)
	cacheKey := CacheKey(doc.ID, fingerprint)

	result, errRec, ok := s.Cache.Get(doc.ID, fingerprint)
	if !ok {
		log.Debug("Fetching new analysis", zap.String("cache_key", cacheKey))

		payload := doc.Title + "\n\n" + doc.Excerpt + "\n\n" + doc.Content
		fresh, err := s.Analyzer.Analyze(ctx, payload)
		if err != nil {
			if errors.Is(err, providers.ErrMissingAPIKey) {
				return nil, err
			}
			// Transient service error: cache it so a persistently failing
			// document does not hammer the service.
			s.Cache.PutError(doc.ID, fingerprint, err.Error())
			log.Error("Analysis call failed", zap.String("cache_key", cacheKey), zap.Error(err))
			return map[string]models.CandidateEntity{}, nil
		}
		s.Cache.PutResult(doc.ID, fingerprint, fresh)
		result = fresh
	} else if errRec != nil {
		log.Warn("Using cached analysis error",
			zap.String("cache_key", cacheKey), zap.String("error", errRec.Message))
		return map[string]models.CandidateEntity{}, nil
	} else {
		log.Debug("Using cached analysis", zap.String("cache_key", cacheKey))
	}

	filterConfig := s.Config.FilterConfig()
	retained, decisions := FilterEntities(result.Entities, filterConfig)
	for _, d := range decisions {
		log.Debug("Filter decision",
			zap.String("entity_id", d.EntityID),
			zap.Bool("retained", d.Retained),
			zap.String("rule", d.Rule),
		)
	}

	entities := CollapseByID(retained)

	if err := s.Store.ReplaceAssociations(ctx, doc.ID, entities); err != nil {
		return nil, fmt.Errorf("replacing associations for document %d: %w", doc.ID, err)
	}

	log.Info("Document analysed",
		zap.Int("candidates", len(result.Entities)),
		zap.Int("retained", len(entities)),
	)

	return entities, nil
}

// BulkOptions control a corpus sweep.
type BulkOptions struct {
	// DocumentID restricts the run to one document, matched across all
	// statuses. Zero processes the corpus.
	DocumentID uint
	// PerPage is the page size. Defaults to 100.
	PerPage int
	// Types filters by document type. Defaults to the configured allowed
	// types. Ignored when DocumentID is set.
	Types []string
	// MaxDocuments caps how many documents are processed. Zero means no cap.
	MaxDocuments int
	// StartPage is the first page to process (1-based). Defaults to 1.
	StartPage int
}

// BulkResult summarizes a corpus sweep.
type BulkResult struct {
	Processed int
	Entities  int
}

// AnalyseAll pages through the document corpus and analyses each document
// sequentially, releasing per-page buffers and the analysis cache between
// pages so the working set stays bounded.
func (s *ExtractService) AnalyseAll(ctx context.Context, opts BulkOptions) (BulkResult, error) {
	perPage := opts.PerPage
	if perPage <= 0 {
		perPage = 100
	}
	page := opts.StartPage
	if page <= 0 {
		page = 1
	}
	types := opts.Types
	if len(types) == 0 {
		types = s.Config.AllowedTypes()
	}

	base := s.DB.WithContext(ctx).Model(&models.Document{})
	if opts.DocumentID != 0 {
		base = base.Where("id = ?", opts.DocumentID)
	} else {
		base = base.Where("status = ? AND type IN ?", models.StatusPublished, types)
	}

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return BulkResult{}, fmt.Errorf("counting documents: %w", err)
	}

	max := int(total)
	if opts.MaxDocuments > 0 && opts.MaxDocuments < max {
		max = opts.MaxDocuments
	}

	result := BulkResult{}

	for result.Processed < max {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		var docs []models.Document
		err := base.Session(&gorm.Session{}).
			Order("id ASC").
			Limit(perPage).
			Offset((page - 1) * perPage).
			Find(&docs).Error
		if err != nil {
			return result, fmt.Errorf("loading document page %d: %w", page, err)
		}
		if len(docs) == 0 {
			break
		}

		s.Logger.Info("Processing document page",
			zap.Int("page", page),
			zap.Int("page_size", len(docs)),
			zap.Int("processed", result.Processed),
			zap.Int("max", max),
		)

		for i := range docs {
			if result.Processed >= max {
				break
			}
			result.Processed++

			entities, err := s.AnalyseDocument(ctx, &docs[i])
			if err != nil {
				s.Logger.Error("Document analysis failed",
					zap.Uint("document_id", docs[i].ID), zap.Error(err))
				continue
			}
			result.Entities += len(entities)
		}

		page++

		// Bound memory across large sweeps.
		s.Cache.Flush()
	}

	s.Logger.Info("Corpus analysis completed",
		zap.Int("documents", result.Processed),
		zap.Int("entities", result.Entities),
	)

	return result, nil
}
