package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // The CouchDB driver
)

// CouchDBSource ingests every document of one CouchDB database. Design
// documents are skipped. Enumeration uses include_docs, so the content hash
// is known up front and unchanged documents settle without a separate fetch.
// The payload is the raw JSON document as the server serializes it,
// including _rev, so every revision bump changes the content hash.
type CouchDBSource struct {
	name     string
	client   *kivik.Client
	database *kivik.DB
	dbName   string
}

// NewCouchDBSource builds a CouchDB source. Parameters: "url" (server URL,
// credentials ride in the userinfo part) and "database".
func NewCouchDBSource(name string, params map[string]string) (*CouchDBSource, error) {
	url := params["url"]
	if url == "" {
		return nil, fmt.Errorf("couchdb source %q: parameter %q is required", name, "url")
	}
	dbName := params["database"]
	if dbName == "" {
		return nil, fmt.Errorf("couchdb source %q: parameter %q is required", name, "database")
	}

	client, err := kivik.New("couch", url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CouchDB: %w", err)
	}

	return &CouchDBSource{
		name:     name,
		client:   client,
		database: client.DB(dbName),
		dbName:   dbName,
	}, nil
}

func (s *CouchDBSource) Name() string { return s.name }

func (s *CouchDBSource) Type() string { return "couchdb" }

func (s *CouchDBSource) Enumerate(ctx context.Context, fn func(Document) error) error {
	rows := s.database.AllDocs(ctx, kivik.Param("include_docs", true))
	defer rows.Close()

	for rows.Next() {
		id, err := rows.ID()
		if err != nil {
			return fmt.Errorf("failed to read row id: %w", err)
		}
		if strings.HasPrefix(id, "_design/") {
			continue
		}
		var doc json.RawMessage
		if err := rows.ScanDoc(&doc); err != nil {
			return fmt.Errorf("failed to scan document %s: %w", id, err)
		}
		if err := fn(Document{
			ID:          id,
			ContentHash: HashBytes(doc),
			Size:        int64(len(doc)),
		}); err != nil {
			return err
		}
	}

	if err := rows.Err(); err != nil {
		return s.classify("enumerate", "", err)
	}
	return nil
}

func (s *CouchDBSource) Fetch(ctx context.Context, docID string) (*FetchResult, error) {
	row := s.database.Get(ctx, docID)
	if row.Err() != nil {
		return nil, s.classify("fetch", docID, row.Err())
	}

	var doc json.RawMessage
	if err := row.ScanDoc(&doc); err != nil {
		return nil, fmt.Errorf("failed to scan document %s: %w", docID, err)
	}

	return &FetchResult{
		Data:        doc,
		ContentHash: HashBytes(doc),
		Size:        int64(len(doc)),
	}, nil
}

// classify sorts CouchDB failures by HTTP status. Missing documents and
// rejected credentials are permanent; everything else is worth a retry.
func (s *CouchDBSource) classify(op, docID string, err error) error {
	switch kivik.HTTPStatus(err) {
	case http.StatusNotFound, http.StatusUnauthorized, http.StatusForbidden:
		return &PermanentError{Op: op, DocID: docID, Err: err}
	}
	if docID != "" {
		return fmt.Errorf("failed to %s document %s: %w", op, docID, err)
	}
	return fmt.Errorf("failed to %s database %s: %w", op, s.dbName, err)
}
