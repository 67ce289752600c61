package services

import (
	"fmt"
	"hash/crc32"

	gocache "github.com/patrickmn/go-cache"

	"github.com/humanmade/entity-base/models"
)

// ErrorRecord is a cached analysis failure. Cached like a success so a
// persistently failing document does not hammer the analysis service; a retry
// only happens once the content fingerprint changes.
type ErrorRecord struct {
	Message string
}

// AnalysisCache stores analysis results keyed by document ID and content
// fingerprint. Entries are kept until a new fingerprint supersedes them, so
// any content edit naturally busts the cache. Safe for concurrent use.
type AnalysisCache struct {
	store *gocache.Cache
}

// NewAnalysisCache creates an empty cache with indefinite retention.
func NewAnalysisCache() *AnalysisCache {
	return &AnalysisCache{
		store: gocache.New(gocache.NoExpiration, 0),
	}
}

// Fingerprint computes the content fingerprint for a document: CRC32 over the
// title, excerpt and content. Fast, non-cryptographic, collisions accepted.
func Fingerprint(doc *models.Document) string {
	payload := doc.Title + "\n\n" + doc.Excerpt + "\n\n" + doc.Content
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE([]byte(payload)))
}

// CacheKey builds the cache key for a document and fingerprint pair.
func CacheKey(documentID uint, fingerprint string) string {
	return fmt.Sprintf("entitybase_%d_%s", documentID, fingerprint)
}

// Get looks up a cached value. Exactly one of result and errRec is non-nil on
// a hit; both are nil when ok is false.
func (c *AnalysisCache) Get(documentID uint, fingerprint string) (result *models.AnalysisResult, errRec *ErrorRecord, ok bool) {
	value, found := c.store.Get(CacheKey(documentID, fingerprint))
	if !found {
		return nil, nil, false
	}
	switch v := value.(type) {
	case *models.AnalysisResult:
		return v, nil, true
	case *ErrorRecord:
		return nil, v, true
	default:
		return nil, nil, false
	}
}

// PutResult caches a successful analysis result.
func (c *AnalysisCache) PutResult(documentID uint, fingerprint string, result *models.AnalysisResult) {
	c.store.Set(CacheKey(documentID, fingerprint), result, gocache.NoExpiration)
}

// PutError caches a failed analysis call.
func (c *AnalysisCache) PutError(documentID uint, fingerprint string, message string) {
	c.store.Set(CacheKey(documentID, fingerprint), &ErrorRecord{Message: message}, gocache.NoExpiration)
}

// Flush drops all cached entries. Used between bulk pages to bound memory.
func (c *AnalysisCache) Flush() {
	c.store.Flush()
}
