package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/humanmade/entity-base/models"
)

// seedExportData creates entityCount entities, each associated with docsPer
// published documents, and returns the export service.
func seedExportData(t *testing.T, entityCount, docsPer int) *ExportService {
	t.Helper()
	store := newTestStore(t)
	ctx := context.Background()

	for d := 0; d < docsPer; d++ {
		doc := createDocument(t, store.DB, published(fmt.Sprintf("Doc %d", d)))
		set := map[string]models.CandidateEntity{}
		for e := 0; e < entityCount; e++ {
			id := fmt.Sprintf("Entity %d", e)
			set[id] = candidate(id, float64(d+1), 0.5, []string{"T"}, nil)
		}
		require.NoError(t, store.ReplaceAssociations(ctx, doc.ID, set))
	}

	return NewExportService(store, zap.NewNop())
}

func TestExportRowCountIndependentOfChunkSize(t *testing.T) {
	const entities, docs = 4, 3

	for _, chunkSize := range []int{1, entities, entities + 1} {
		t.Run(fmt.Sprintf("chunk size %d", chunkSize), func(t *testing.T) {
			svc := seedExportData(t, entities, docs)

			var buf bytes.Buffer
			stats, err := svc.Export(context.Background(), &buf, ExportOptions{
				Format:    FormatCSV,
				ChunkSize: chunkSize,
			})
			require.NoError(t, err)
			assert.Equal(t, entities*docs, stats.Rows)
		})
	}
}

func TestExportPaging(t *testing.T) {
	// 5 entities with chunk size 2 pages as 2+2+1.
	svc := seedExportData(t, 5, 1)

	var buf bytes.Buffer
	stats, err := svc.Export(context.Background(), &buf, ExportOptions{
		Format:    FormatJSON,
		ChunkSize: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Pages)
	assert.Equal(t, 5, stats.Rows)
}

func TestExportCSVShape(t *testing.T) {
	svc := seedExportData(t, 2, 2)

	var buf bytes.Buffer
	stats, err := svc.Export(context.Background(), &buf, ExportOptions{Format: FormatCSV})
	require.NoError(t, err)

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, stats.Rows+1)
	assert.Equal(t, csvHeader, records[0])
	for _, record := range records[1:] {
		assert.Len(t, record, len(csvHeader))
	}
}

func TestExportJSONIsValidArray(t *testing.T) {
	svc := seedExportData(t, 3, 2)

	var buf bytes.Buffer
	stats, err := svc.Export(context.Background(), &buf, ExportOptions{Format: FormatJSON})
	require.NoError(t, err)

	var rows []ExportRow
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rows))
	require.Len(t, rows, stats.Rows)
	for _, row := range rows {
		assert.NotZero(t, row.EntityID)
		assert.NotZero(t, row.DocumentID)
		assert.NotEmpty(t, row.Date)
	}
}

func TestExportEmptyStore(t *testing.T) {
	svc := NewExportService(newTestStore(t), zap.NewNop())

	var buf bytes.Buffer
	stats, err := svc.Export(context.Background(), &buf, ExportOptions{Format: FormatJSON})
	require.NoError(t, err)
	assert.Zero(t, stats.Rows)
	assert.Zero(t, stats.Pages)
	assert.Equal(t, "[]", buf.String())
}

func TestExportSkipsEntitiesWithoutPublishedDocuments(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	doc := createDocument(t, store.DB, &models.Document{Title: "Draft", Type: "post", Status: models.StatusDraft})
	require.NoError(t, store.ReplaceAssociations(ctx, doc.ID, retainedSet(
		candidate("Hidden", 1, 0.5, []string{"T"}, nil),
	)))

	svc := NewExportService(store, zap.NewNop())
	var buf bytes.Buffer
	stats, err := svc.Export(context.Background(), &buf, ExportOptions{Format: FormatCSV})
	require.NoError(t, err)
	assert.Zero(t, stats.Rows)
}

func TestExportBoundsRowsPerEntity(t *testing.T) {
	svc := seedExportData(t, 1, 5)

	var buf bytes.Buffer
	stats, err := svc.Export(context.Background(), &buf, ExportOptions{
		Format:  FormatCSV,
		MaxURLs: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Rows)

	// Highest-confidence documents win the cap.
	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "5", records[1][5])
	assert.Equal(t, "4", records[2][5])
}

func TestExportStopsOnCancelledContext(t *testing.T) {
	svc := seedExportData(t, 4, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	_, err := svc.Export(ctx, &buf, ExportOptions{Format: FormatJSON, ChunkSize: 1})
	require.ErrorIs(t, err, context.Canceled)
	// The array is left unterminated, marking the truncation.
	assert.False(t, strings.HasSuffix(buf.String(), "]"))
}

func TestExportHoldsAtMostOneChunkOfEntities(t *testing.T) {
	svc := seedExportData(t, 5, 1)

	// Record how many entity records each page load brings into memory.
	var pageLoads []int64
	err := svc.Store.DB.Callback().Query().After("gorm:query").
		Register("track_entity_page_loads", func(tx *gorm.DB) {
			if _, ok := tx.Statement.Dest.(*[]models.Entity); ok {
				pageLoads = append(pageLoads, tx.RowsAffected)
			}
		})
	require.NoError(t, err)

	var buf bytes.Buffer
	stats, err := svc.Export(context.Background(), &buf, ExportOptions{
		Format:    FormatJSON,
		ChunkSize: 2,
	})
	require.NoError(t, err)
	require.Equal(t, stats.Pages, len(pageLoads))

	// The working set per page never exceeds the chunk size.
	assert.Equal(t, []int64{2, 2, 1}, pageLoads)
}

type flushCountingWriter struct {
	bytes.Buffer
	flushes int
}

func (w *flushCountingWriter) Flush() { w.flushes++ }

func TestExportFlushesEachPage(t *testing.T) {
	svc := seedExportData(t, 4, 1)

	var w flushCountingWriter
	stats, err := svc.Export(context.Background(), &w, ExportOptions{
		Format:    FormatJSON,
		ChunkSize: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pages)
	assert.Equal(t, 2, w.flushes)
}
