package source

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
)

// ZipSource ingests the entries of a zip archive. Document IDs are the
// slash-separated entry names, so a re-packed archive with the same layout
// enumerates the same IDs. Directory entries and dot-prefixed path
// components are skipped, matching the file source.
type ZipSource struct {
	name string
	path string
}

// NewZipSource builds a zip source from its parameters. The only parameter
// is "path", the archive to ingest. A leading "~" in the path is expanded
// to the worker's home directory.
func NewZipSource(name string, params map[string]string) (*ZipSource, error) {
	path := params["path"]
	if path == "" {
		return nil, fmt.Errorf("zip source %q: parameter %q is required", name, "path")
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("zip source %q: failed to expand path %q: %w", name, path, err)
	}
	return &ZipSource{name: name, path: expanded}, nil
}

func (s *ZipSource) Name() string { return s.name }

func (s *ZipSource) Type() string { return "zip" }

// Enumerate reports every ingestible entry in archive order. A missing or
// malformed archive is a permanent failure: retrying the same configuration
// cannot repair it.
func (s *ZipSource) Enumerate(ctx context.Context, fn func(Document) error) error {
	archive, err := s.open()
	if err != nil {
		return err
	}
	defer archive.Close()

	for _, f := range archive.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !entryIngestible(f) {
			continue
		}
		mtime := f.Modified.UTC()
		if err := fn(Document{
			ID:           f.Name,
			LastModified: &mtime,
			Size:         int64(f.UncompressedSize64),
		}); err != nil {
			return err
		}
	}
	return nil
}

// Fetch decompresses one entry. Unknown entry names are permanent failures.
func (s *ZipSource) Fetch(ctx context.Context, docID string) (*FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	archive, err := s.open()
	if err != nil {
		return nil, err
	}
	defer archive.Close()

	for _, f := range archive.File {
		if f.Name != docID || !entryIngestible(f) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open entry %s: %w", docID, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read entry %s: %w", docID, err)
		}
		mtime := f.Modified.UTC()
		return &FetchResult{
			Data:         data,
			ContentHash:  HashBytes(data),
			LastModified: &mtime,
			Size:         int64(len(data)),
		}, nil
	}
	return nil, &PermanentError{Op: "fetch", DocID: docID, Err: errors.New("no such entry")}
}

// open reads the archive fresh on every call: holding the file handle for
// the life of the worker would pin it across the minutes between fetches.
func (s *ZipSource) open() (*zip.ReadCloser, error) {
	archive, err := zip.OpenReader(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, zip.ErrFormat) {
			return nil, &PermanentError{Op: "open", Err: fmt.Errorf("archive %s: %w", s.path, err)}
		}
		return nil, fmt.Errorf("failed to open archive %s: %w", s.path, err)
	}
	return archive, nil
}

// entryIngestible filters out directory entries and suspicious names. Entry
// names come straight from the archive, so absolute paths, traversal
// segments and dot files are all rejected rather than trusted.
func entryIngestible(f *zip.File) bool {
	if f.FileInfo().IsDir() {
		return false
	}
	if strings.HasPrefix(f.Name, "/") {
		return false
	}
	for _, part := range strings.Split(f.Name, "/") {
		if strings.HasPrefix(part, ".") {
			return false
		}
	}
	return true
}
