package services

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"go.uber.org/zap"

	"github.com/humanmade/entity-base/models"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// Export defaults.
const (
	DefaultChunkSize = 300
	DefaultMaxURLs   = 100
)

// ExportOptions control an export run.
type ExportOptions struct {
	// Format is one of json or csv. Defaults to json.
	Format string
	// ChunkSize is how many entities are loaded per page. Minimum 1,
	// defaults to 300.
	ChunkSize int
	// MaxURLs caps connected documents per entity. Defaults to 100.
	MaxURLs int
}

func (o ExportOptions) normalized() ExportOptions {
	if o.Format != FormatCSV {
		o.Format = FormatJSON
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.MaxURLs <= 0 {
		o.MaxURLs = DefaultMaxURLs
	}
	return o
}

// ExportStats summarize a completed (or truncated) export.
type ExportStats struct {
	Rows  int
	Pages int
}

// ExportRow is one (entity, document) pair in the export output.
type ExportRow struct {
	EntityID      uint    `json:"entity_id"`
	DocumentID    uint    `json:"document_id"`
	Title         string  `json:"title"`
	Path          string  `json:"path"`
	Date          string  `json:"date"`
	Confidence    float64 `json:"confidence"`
	Relevance     float64 `json:"relevance"`
	WikiLink      string  `json:"wiki_link"`
	WikidataLink  string  `json:"wikidata_link"`
	DBPediaTypes  string  `json:"dbpedia_types"`
	FreebaseTypes string  `json:"freebase_types"`
}

var csvHeader = []string{
	"entity_id", "document_id", "title", "path", "date",
	"confidence", "relevance", "wiki_link", "wikidata_link",
	"dbpedia_types", "freebase_types",
}

// flusher is implemented by http.ResponseWriter wrappers; flushing after each
// page keeps the transport streaming instead of buffering the whole body.
type flusher interface {
	Flush()
}

// ExportService streams the entity store as CSV or JSON. Memory use is
// bounded by the chunk size, independent of total result size: one page of
// entities is held at a time and every page's buffers are released before the
// next one loads.
type ExportService struct {
	Store  *EntityStore
	Logger *zap.Logger
}

// NewExportService creates an export service over the given store.
func NewExportService(store *EntityStore, logger *zap.Logger) *ExportService {
	return &ExportService{Store: store, Logger: logger}
}

// Count returns the total number of entities the export will page over.
func (s *ExportService) Count(ctx context.Context) (int64, error) {
	return s.Store.CountEntities(ctx)
}

// Export writes the full data set to w, page by page. Cancelling the context
// stops the stream between pages; a truncated export is detectable (missing
// CSV rows / unterminated JSON array) and violates no invariant.
func (s *ExportService) Export(ctx context.Context, w io.Writer, opts ExportOptions) (ExportStats, error) {
	opts = opts.normalized()
	stats := ExportStats{}

	total, err := s.Count(ctx)
	if err != nil {
		return stats, err
	}
	totalPages := int((total + int64(opts.ChunkSize) - 1) / int64(opts.ChunkSize))

	var csvWriter *csv.Writer
	if opts.Format == FormatCSV {
		csvWriter = csv.NewWriter(w)
		if err := csvWriter.Write(csvHeader); err != nil {
			return stats, fmt.Errorf("writing csv header: %w", err)
		}
	} else {
		if _, err := io.WriteString(w, "["); err != nil {
			return stats, err
		}
	}

	for page := 0; page < totalPages; page++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		var entities []models.Entity
		err := s.Store.DB.WithContext(ctx).
			Order("id ASC").
			Limit(opts.ChunkSize).
			Offset(page * opts.ChunkSize).
			Find(&entities).Error
		if err != nil {
			return stats, fmt.Errorf("loading entity page %d: %w", page, err)
		}
		stats.Pages++

		for i := range entities {
			rows, err := s.entityRows(ctx, &entities[i], opts.MaxURLs)
			if err != nil {
				return stats, err
			}
			for _, row := range rows {
				if err := writeRow(w, csvWriter, row, opts.Format, stats.Rows); err != nil {
					return stats, err
				}
				stats.Rows++
			}
		}

		// Release page buffers and push bytes downstream before loading the
		// next page.
		if csvWriter != nil {
			csvWriter.Flush()
			if err := csvWriter.Error(); err != nil {
				return stats, err
			}
		}
		if f, ok := w.(flusher); ok {
			f.Flush()
		}
	}

	if opts.Format == FormatCSV {
		csvWriter.Flush()
		if err := csvWriter.Error(); err != nil {
			return stats, err
		}
	} else {
		if _, err := io.WriteString(w, "]"); err != nil {
			return stats, err
		}
	}

	s.Logger.Info("Export completed",
		zap.Int("rows", stats.Rows),
		zap.Int("pages", stats.Pages),
		zap.String("format", opts.Format),
	)

	return stats, nil
}

// entityRows builds the output rows for one entity: one row per connected
// published document, ordered by descending confidence, capped at maxURLs.
func (s *ExportService) entityRows(ctx context.Context, entity *models.Entity, maxURLs int) ([]ExportRow, error) {
	docs, err := s.Store.ConnectedDocuments(ctx, entity.Slug, maxURLs)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}

	var raw models.CandidateEntity
	if len(entity.RawData) > 0 {
		// Raw payload is best effort; a decode failure only loses the
		// cross-reference links.
		_ = json.Unmarshal(entity.RawData, &raw)
	}
	wikidataLink := ""
	if raw.WikidataID != "" {
		wikidataLink = "https://www.wikidata.org/wiki/" + raw.WikidataID
	}

	docIDs := make([]uint, 0, len(docs))
	for _, doc := range docs {
		docIDs = append(docIDs, doc.ID)
	}
	scores := make(map[uint]models.Association, len(docs))
	var assocs []models.Association
	err = s.Store.DB.WithContext(ctx).
		Where("entity_slug = ? AND document_id IN ?", entity.Slug, docIDs).
		Find(&assocs).Error
	if err != nil {
		return nil, fmt.Errorf("loading associations for %s: %w", entity.Slug, err)
	}
	for _, a := range assocs {
		scores[a.DocumentID] = a
	}

	rows := make([]ExportRow, 0, len(docs))
	for _, doc := range docs {
		assoc := scores[doc.ID]
		date := doc.CreatedAt
		if doc.PublishedAt != nil {
			date = *doc.PublishedAt
		}
		rows = append(rows, ExportRow{
			EntityID:      entity.ID,
			DocumentID:    doc.ID,
			Title:         entity.DisplayName,
			Path:          doc.Path,
			Date:          date.Format("2006-01-02 15:04:05"),
			Confidence:    assoc.Confidence,
			Relevance:     assoc.Relevance,
			WikiLink:      raw.WikiLink,
			WikidataLink:  wikidataLink,
			DBPediaTypes:  entity.DBPediaTypes,
			FreebaseTypes: entity.FreebaseTypes,
		})
	}
	return rows, nil
}

func writeRow(w io.Writer, csvWriter *csv.Writer, row ExportRow, format string, written int) error {
	if format == FormatCSV {
		return csvWriter.Write([]string{
			strconv.FormatUint(uint64(row.EntityID), 10),
			strconv.FormatUint(uint64(row.DocumentID), 10),
			row.Title,
			row.Path,
			row.Date,
			strconv.FormatFloat(row.Confidence, 'f', -1, 64),
			strconv.FormatFloat(row.Relevance, 'f', -1, 64),
			row.WikiLink,
			row.WikidataLink,
			row.DBPediaTypes,
			row.FreebaseTypes,
		})
	}

	// JSON rows are serialized independently, never collected into one array
	// in memory.
	encoded, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encoding export row: %w", err)
	}
	if written > 0 {
		if _, err := io.WriteString(w, ","); err != nil {
			return err
		}
	}
	_, err = w.Write(encoded)
	return err
}
