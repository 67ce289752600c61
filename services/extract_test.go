package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/humanmade/entity-base/config"
	"github.com/humanmade/entity-base/models"
	"github.com/humanmade/entity-base/providers"
)

type fakeAnalyzer struct {
	mu     sync.Mutex
	calls  int
	result *models.AnalysisResult
	err    error
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, text string) (*models.AnalysisResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeAnalyzer) Name() string { return "fake" }

func (f *fakeAnalyzer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func analysisOf(candidates ...models.CandidateEntity) *models.AnalysisResult {
	return &models.AnalysisResult{Entities: candidates}
}

func newTestExtract(t *testing.T, analyzer providers.Analyzer, cfg *config.Config) *ExtractService {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{AllowedDocumentTypes: "post"}
	}
	store := newTestStore(t)
	return NewExtractService(cfg, store.DB, NewAnalysisCache(), analyzer, store, zap.NewNop())
}

func TestAnalyseDocumentPersistsRetainedEntities(t *testing.T) {
	analyzer := &fakeAnalyzer{result: analysisOf(
		candidate("Apple Inc", 7, 0.8, []string{"Company"}, nil),
		candidate("Noise", 1, 0.1, nil, nil),
	)}
	svc := newTestExtract(t, analyzer, nil)
	doc := createDocument(t, svc.DB, published("Doc"))

	entities, err := svc.AnalyseDocument(context.Background(), doc)
	require.NoError(t, err)

	// Unclassified candidates are filtered out.
	require.Len(t, entities, 1)
	assert.Contains(t, entities, "Apple Inc")

	persisted, err := svc.Store.EntitiesForDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, "apple-inc", persisted[0].Slug)
}

func TestAnalyseDocumentUsesCacheOnRepeat(t *testing.T) {
	analyzer := &fakeAnalyzer{result: analysisOf(
		candidate("X", 5, 0.5, []string{"T"}, nil),
	)}
	svc := newTestExtract(t, analyzer, nil)
	doc := createDocument(t, svc.DB, published("Doc"))

	_, err := svc.AnalyseDocument(context.Background(), doc)
	require.NoError(t, err)
	_, err = svc.AnalyseDocument(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, 1, analyzer.callCount())

	// A content change invalidates the cached analysis.
	doc.Content = "changed"
	_, err = svc.AnalyseDocument(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, 2, analyzer.callCount())
}

func TestAnalyseDocumentCachesTransientErrors(t *testing.T) {
	analyzer := &fakeAnalyzer{err: errors.New("rate limited")}
	svc := newTestExtract(t, analyzer, nil)
	doc := createDocument(t, svc.DB, published("Doc"))

	entities, err := svc.AnalyseDocument(context.Background(), doc)
	require.NoError(t, err)
	assert.Empty(t, entities)

	// The cached error record short-circuits the retry.
	_, err = svc.AnalyseDocument(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, 1, analyzer.callCount())
}

func TestAnalyseDocumentErrorKeepsExistingAssociations(t *testing.T) {
	analyzer := &fakeAnalyzer{result: analysisOf(
		candidate("X", 5, 0.5, []string{"T"}, nil),
	)}
	svc := newTestExtract(t, analyzer, nil)
	doc := createDocument(t, svc.DB, published("Doc"))

	_, err := svc.AnalyseDocument(context.Background(), doc)
	require.NoError(t, err)

	// A later failed run must not wipe what the successful run wrote.
	analyzer.err = errors.New("service unavailable")
	doc.Content = "changed"
	entities, err := svc.AnalyseDocument(context.Background(), doc)
	require.NoError(t, err)
	assert.Empty(t, entities)

	assocs, err := svc.Store.AssociationsForDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Len(t, assocs, 1)
	assert.Equal(t, "x", assocs[0].EntitySlug)
}

func TestAnalyseDocumentMissingKeyIsNotCached(t *testing.T) {
	analyzer := &fakeAnalyzer{err: providers.ErrMissingAPIKey}
	svc := newTestExtract(t, analyzer, nil)
	doc := createDocument(t, svc.DB, published("Doc"))

	_, err := svc.AnalyseDocument(context.Background(), doc)
	require.ErrorIs(t, err, providers.ErrMissingAPIKey)

	// Configuration errors surface on every attempt.
	_, err = svc.AnalyseDocument(context.Background(), doc)
	require.ErrorIs(t, err, providers.ErrMissingAPIKey)
	assert.Equal(t, 2, analyzer.callCount())
}

func TestAnalyseAllProcessesPublishedDocumentsOfAllowedTypes(t *testing.T) {
	analyzer := &fakeAnalyzer{result: analysisOf(
		candidate("X", 5, 0.5, []string{"T"}, nil),
	)}
	svc := newTestExtract(t, analyzer, nil)

	createDocument(t, svc.DB, published("First"))
	createDocument(t, svc.DB, published("Second"))
	createDocument(t, svc.DB, &models.Document{Title: "Draft", Type: "post", Status: models.StatusDraft})
	createDocument(t, svc.DB, &models.Document{Title: "Page", Type: "page", Status: models.StatusPublished})

	result, err := svc.AnalyseAll(context.Background(), BulkOptions{PerPage: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 2, result.Entities)
}

func TestAnalyseAllSingleDocumentIgnoresStatus(t *testing.T) {
	analyzer := &fakeAnalyzer{result: analysisOf(
		candidate("X", 5, 0.5, []string{"T"}, nil),
	)}
	svc := newTestExtract(t, analyzer, nil)

	draft := createDocument(t, svc.DB, &models.Document{Title: "Draft", Type: "post", Status: models.StatusDraft})
	createDocument(t, svc.DB, published("Other"))

	result, err := svc.AnalyseAll(context.Background(), BulkOptions{DocumentID: draft.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
}

func TestAnalyseAllHonorsMaxDocuments(t *testing.T) {
	analyzer := &fakeAnalyzer{result: analysisOf(
		candidate("X", 5, 0.5, []string{"T"}, nil),
	)}
	svc := newTestExtract(t, analyzer, nil)

	for i := 0; i < 5; i++ {
		createDocument(t, svc.DB, published("Doc"))
	}

	result, err := svc.AnalyseAll(context.Background(), BulkOptions{MaxDocuments: 3, PerPage: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Processed)
}
