package models

import (
	"time"
)

// Document statuses.
const (
	StatusPublished = "publish"
	StatusDraft     = "draft"
	StatusPending   = "pending"
	StatusFuture    = "future"
	StatusPrivate   = "private"
)

// Document is a piece of content owned by the host system. The pipeline reads
// it and attaches entity associations to it.
type Document struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Title   string `json:"title"`
	Content string `json:"content,omitempty" gorm:"type:text"`
	Excerpt string `json:"excerpt,omitempty" gorm:"type:text"`

	Type   string `json:"type" gorm:"index;default:'post'"`
	Status string `json:"status" gorm:"index;default:'draft'"`

	// Path is the public URL path, included in export rows.
	Path string `json:"path,omitempty"`

	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// Published reports whether the document counts towards connected-document
// totals.
func (d *Document) Published() bool {
	return d.Status == StatusPublished
}
