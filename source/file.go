package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
)

// FileSource ingests every regular file under a directory root. Document IDs
// are slash-separated paths relative to the root, so the same tree produces
// the same IDs on every platform. Dot-prefixed files and directories are
// skipped.
type FileSource struct {
	name string
	root string
}

// NewFileSource builds a file source from its parameters. The only
// parameter is "root", the directory to ingest. A leading "~" in the root
// is expanded to the worker's home directory.
func NewFileSource(name string, params map[string]string) (*FileSource, error) {
	root := params["root"]
	if root == "" {
		return nil, fmt.Errorf("file source %q: parameter %q is required", name, "root")
	}
	expanded, err := homedir.Expand(root)
	if err != nil {
		return nil, fmt.Errorf("file source %q: failed to expand root %q: %w", name, root, err)
	}
	return &FileSource{name: name, root: filepath.Clean(expanded)}, nil
}

func (s *FileSource) Name() string { return s.name }

func (s *FileSource) Type() string { return "file" }

// Enumerate walks the root in lexical order and reports every regular file
// with its size and modification time. A missing root is a permanent
// failure: retrying the same configuration cannot make it appear.
func (s *FileSource) Enumerate(ctx context.Context, fn func(Document) error) error {
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path != s.root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return fmt.Errorf("failed to get relative path for %s: %w", path, err)
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", path, err)
		}
		mtime := info.ModTime().UTC()
		return fn(Document{
			ID:           filepath.ToSlash(rel),
			LastModified: &mtime,
			Size:         info.Size(),
		})
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &PermanentError{Op: "enumerate", Err: fmt.Errorf("root %s does not exist", s.root)}
		}
		return err
	}
	return nil
}

// Fetch reads one file. Missing files and IDs that escape the root are
// permanent failures.
func (s *FileSource) Fetch(ctx context.Context, docID string) (*FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.resolve(docID)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &PermanentError{Op: "fetch", DocID: docID, Err: err}
		}
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	mtime := info.ModTime().UTC()
	return &FetchResult{
		Data:         data,
		ContentHash:  HashBytes(data),
		LastModified: &mtime,
		Size:         int64(len(data)),
	}, nil
}

// resolve maps a document ID back to a path and rejects IDs that would
// land outside the root. IDs come from the shared queue, so they are not
// trusted to be well-formed.
func (s *FileSource) resolve(docID string) (string, error) {
	path := filepath.Join(s.root, filepath.FromSlash(docID))
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &PermanentError{Op: "fetch", DocID: docID, Err: errors.New("document id escapes source root")}
	}
	return path, nil
}
