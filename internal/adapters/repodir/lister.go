package repodir

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"repowatch/internal/domain"
)

// Lister enumerates repository checkouts: one subdirectory of Root each.
type Lister struct {
	Root string
}

func New(root string) *Lister {
	return &Lister{Root: root}
}

// List returns the repositories under Root sorted by name. Hidden entries and
// plain files are ignored.
func (l *Lister) List(ctx context.Context) ([]domain.Repository, error) {
	entries, err := os.ReadDir(l.Root)
	if err != nil {
		return nil, fmt.Errorf("read repository root %s: %w", l.Root, err)
	}
	out := make([]domain.Repository, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if domain.ValidateRepositoryName(entry.Name()) != nil {
			continue
		}
		path := filepath.Join(l.Root, entry.Name())
		if !isDir(entry, path) {
			continue
		}
		out = append(out, domain.Repository{Name: entry.Name(), LocalPath: path})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Lookup resolves a single repository by name.
func (l *Lister) Lookup(_ context.Context, name string) (domain.Repository, error) {
	if err := domain.ValidateRepositoryName(name); err != nil {
		return domain.Repository{}, fmt.Errorf("%w: %q", err, name)
	}
	path := filepath.Join(l.Root, name)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.IsDir()) {
		return domain.Repository{}, fmt.Errorf("%w: %s", domain.ErrRepositoryNotFound, name)
	}
	if err != nil {
		return domain.Repository{}, fmt.Errorf("stat repository %s: %w", name, err)
	}
	return domain.Repository{Name: name, LocalPath: path}, nil
}

// isDir follows symlinks so checkouts linked into the root are still picked up.
func isDir(entry fs.DirEntry, path string) bool {
	if entry.IsDir() {
		return true
	}
	if entry.Type()&fs.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
