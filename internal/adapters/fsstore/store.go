package fsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/multierr"

	"repowatch/internal/domain"
)

const (
	ext          = ".json"
	documentMode = 0o644
)

// Store keeps one JSON document per repository in Dir. Documents are written
// to a temp file in the same directory and renamed over the previous one, so
// readers see either the old or the new file in full.
type Store struct {
	Dir string
}

// New creates the results directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &domain.StorageError{Op: "init", Err: err}
	}
	return &Store{Dir: dir}, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.Dir, name+ext)
}

func (s *Store) Put(ctx context.Context, name string, doc domain.FindingsDocument) error {
	if err := domain.ValidateRepositoryName(name); err != nil {
		return &domain.StorageError{Op: "put", Repository: name, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return &domain.StorageError{Op: "put", Repository: name, Err: err}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &domain.StorageError{Op: "put", Repository: name, Err: fmt.Errorf("marshal document: %w", err)}
	}
	if err := writeAtomic(s.Dir, s.path(name), append(data, '\n')); err != nil {
		return &domain.StorageError{Op: "put", Repository: name, Err: err}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, name string) (domain.FindingsDocument, error) {
	var doc domain.FindingsDocument
	if domain.ValidateRepositoryName(name) != nil {
		return doc, domain.ErrNotFound
	}
	if err := ctx.Err(); err != nil {
		return doc, &domain.StorageError{Op: "get", Repository: name, Err: err}
	}
	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return doc, domain.ErrNotFound
	}
	if err != nil {
		return doc, &domain.StorageError{Op: "get", Repository: name, Err: err}
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, &domain.StorageError{Op: "get", Repository: name, Err: fmt.Errorf("decode document: %w", err)}
	}
	// raw tool output left by older deployments decodes into empty findings
	if err := doc.Validate(); err != nil {
		return domain.FindingsDocument{}, &domain.StorageError{Op: "get", Repository: name, Err: err}
	}
	if doc.Findings == nil {
		doc.Findings = []domain.Finding{}
	}
	return doc, nil
}

func (s *Store) ListScanned(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, &domain.StorageError{Op: "list", Err: err}
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ext) {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ext)
		// temp files are hidden and never valid names
		if domain.ValidateRepositoryName(name) != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func writeAtomic(dir, path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(dir, ".put-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, ignoreNotExist(os.Remove(tmp.Name())))
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Chmod(documentMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func ignoreNotExist(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
