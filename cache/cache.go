// Package cache is the optional worker-local fetch cache. It keeps fetched
// payloads in a bbolt file, bucketed per source, so a retried document whose
// content is unchanged does not hit the backend again. The cache only ever
// saves a refetch: correctness decisions (change detection, claims, run
// state) live in the coordination database.
package cache

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Entry is one cached payload with the identity it was fetched under.
type Entry struct {
	ContentHash  string     `json:"content_hash"`
	LastModified *time.Time `json:"last_modified,omitempty"`
	Size         int64      `json:"size"`
	Data         []byte     `json:"data"`
}

// Cache wraps the bbolt file. A nil *Cache is valid and behaves as an
// always-miss cache, so callers do not branch on whether caching is
// configured.
type Cache struct {
	db *bolt.DB
}

// Open opens or creates the cache file.
func Open(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	return &Cache{db: db}, nil
}

// Put stores a fetched payload under (source, docID), replacing any previous
// entry.
func (c *Cache) Put(sourceName, docID string, entry Entry) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(sourceName))
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", sourceName, err)
		}
		return b.Put([]byte(docID), data)
	})
}

// Get returns the entry for (source, docID) only when its stored hash
// matches wantHash. A miss, an unknown expected hash, a hash mismatch and a
// corrupt entry all come back as (nil, nil): the caller refetches.
func (c *Cache) Get(sourceName, docID, wantHash string) (*Entry, error) {
	if c == nil || wantHash == "" {
		return nil, nil
	}
	var entry *Entry
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(sourceName))
		if b == nil {
			return nil
		}
		data := b.Get([]byte(docID))
		if data == nil {
			return nil
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil
		}
		if e.ContentHash != wantHash {
			return nil
		}
		entry = &e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read cache: %w", err)
	}
	return entry, nil
}

// Close closes the cache file.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}
