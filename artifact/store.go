// Package artifact persists pipeline output: the elements, entities and
// relationships extracted from processed documents. The artifact database is
// separate from the coordination database; workers write here with plain
// idempotent inserts and never coordinate through it.
package artifact

import (
	"context"
	"time"
)

// Element is one extracted piece of document content (a text block, a title,
// a table rendering). The (RunID, DocID, ElementID) key makes re-processing
// idempotent: a document processed twice writes the same rows.
type Element struct {
	RunID     string `gorm:"primaryKey;size:64"`
	DocID     string `gorm:"primaryKey;size:512"`
	ElementID string `gorm:"primaryKey;size:128"`
	Kind      string `gorm:"size:64"`
	Text      string `gorm:"type:text"`
	Position  int
	CreatedAt time.Time
}

// Entity is one named entity recognized in a document.
type Entity struct {
	RunID      string `gorm:"primaryKey;size:64"`
	DocID      string `gorm:"primaryKey;size:512"`
	EntityID   string `gorm:"primaryKey;size:128"`
	Name       string `gorm:"size:512"`
	Type       string `gorm:"size:64"`
	Confidence float64
	CreatedAt  time.Time
}

// Relationship is one detected connection between two entities. Written by
// the post-processing phase over the whole run, which is why the key is
// per-run rather than per-document.
type Relationship struct {
	RunID          string `gorm:"primaryKey;size:64"`
	RelationshipID string `gorm:"primaryKey;size:128"`
	SourceEntityID string `gorm:"size:128"`
	TargetEntityID string `gorm:"size:128"`
	Type           string `gorm:"size:64"`
	Confidence     float64
	CreatedAt      time.Time
}

// Store is the artifact sink used by workers and the post-processor. All
// writes are idempotent on their primary keys: concurrent duplicate writes
// (two workers re-processing the same reclaimed document, a resumed
// post-processing phase) silently dedupe.
type Store interface {
	PutElements(ctx context.Context, elements []Element) error
	PutEntities(ctx context.Context, entities []Entity) error
	PutRelationships(ctx context.Context, relationships []Relationship) error
	Close() error
}

// NopStore discards everything. Used in tests and in pipelines that carry
// their own storage.
type NopStore struct{}

func (NopStore) PutElements(context.Context, []Element) error           { return nil }
func (NopStore) PutEntities(context.Context, []Entity) error            { return nil }
func (NopStore) PutRelationships(context.Context, []Relationship) error { return nil }
func (NopStore) Close() error                                           { return nil }
