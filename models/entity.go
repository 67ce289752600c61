package models

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"gorm.io/datatypes"
)

// Entity is the persistent record for a distinct entity ID retained by the
// filter chain at least once. Never deleted automatically.
type Entity struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Slug        string `json:"slug" gorm:"uniqueIndex;not null"`
	DisplayName string `json:"display_name"`

	// Classification labels, comma joined. DBPediaTypes holds the primary
	// taxonomy, FreebaseTypes the alternate one.
	DBPediaTypes  string `json:"dbpedia_types,omitempty" gorm:"column:dbpedia_types"`
	FreebaseTypes string `json:"freebase_types,omitempty"`

	// RawData is the last candidate entity payload seen for this entity.
	RawData datatypes.JSON `json:"raw_data,omitempty" gorm:"type:jsonb"`

	// ConnectedCount is the materialized number of published documents holding
	// an association to this entity. Recomputed reactively, never incremented.
	ConnectedCount int `json:"connected_count" gorm:"default:0"`
}

// TableName sets the table name explicitly.
func (Entity) TableName() string {
	return "entities"
}

// Association links a document to an entity with the scores from the most
// recent analysis of that document. Acts as the secondary index in both
// directions: by document and by entity slug.
type Association struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	DocumentID uint   `json:"document_id" gorm:"index:idx_assoc_doc_slug,unique;not null"`
	EntitySlug string `json:"entity_slug" gorm:"index:idx_assoc_doc_slug,unique;index;not null"`

	Confidence float64 `json:"confidence"`
	Relevance  float64 `json:"relevance"`
}

// TableName sets the table name explicitly.
func (Association) TableName() string {
	return "entity_associations"
}

// maxSlugLen bounds slugs so they stay safely within index key limits.
const maxSlugLen = 200

// Slugify normalizes an entity ID into a unique slug key: lower case, runs of
// non-alphanumeric characters collapsed to single hyphens.
func Slugify(entityID string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(entityID) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastHyphen = false
		} else if !lastHyphen {
			b.WriteRune('-')
			lastHyphen = true
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSlugLen {
		// Back the cut off to a rune boundary so a multibyte character
		// straddling the limit never yields invalid UTF-8.
		cut := maxSlugLen
		for cut > 0 && !utf8.RuneStart(slug[cut]) {
			cut--
		}
		slug = strings.Trim(slug[:cut], "-")
	}
	return slug
}
