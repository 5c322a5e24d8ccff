// Package source defines the content sources HIVE ingests documents from.
//
// A ContentSource enumerates a stable, finite set of documents and fetches
// their payloads on demand. Implementations exist for local directories,
// zip bundles, S3-compatible object stores and CouchDB databases. The
// registry builds sources from configuration and applies per-source rate
// limits; additional implementations plug in through Register.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Document identifies one fetchable document within a source, as reported by
// Enumerate. Only ID is mandatory. ContentHash is filled when the source
// already has the payload bytes in hand (CouchDB enumeration includes the
// documents), so change detection can settle unchanged documents without a
// fetch. Sources whose native change marker is not a payload hash (file
// mtimes, S3 ETags) leave it empty.
type Document struct {
	// ID is the document identifier, unique within the source
	ID string

	// ContentHash is the sha256 hex of the payload, when known at
	// enumeration time
	ContentHash string

	// LastModified is the source-reported modification time, when known
	LastModified *time.Time

	// Size is the payload size in bytes, when known
	Size int64

	// Metadata carries source-specific extras (ETag, revision, ...)
	Metadata map[string]string
}

// FetchResult is one fetched document payload.
type FetchResult struct {
	// Data is the raw payload
	Data []byte

	// ContentHash is the sha256 hex of Data
	ContentHash string

	// LastModified is the source-reported modification time, when known
	LastModified *time.Time

	// Size is len(Data)
	Size int64
}

// ContentSource is one place documents are ingested from. Enumerate must be
// stable (the same configuration enumerates the same IDs) and finite. Fetch
// must be safe to call concurrently.
type ContentSource interface {
	// Name returns the configured source name, unique within a run.
	Name() string

	// Type returns the source type (file, s3, couchdb, zip).
	Type() string

	// Enumerate calls fn for every document in the source and stops at the
	// first error fn returns.
	Enumerate(ctx context.Context, fn func(Document) error) error

	// Fetch retrieves one document payload by ID.
	Fetch(ctx context.Context, docID string) (*FetchResult, error)
}

// HashBytes returns the canonical content hash of a payload: lowercase
// sha256 hex. Every stored content hash in the system uses this form.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
