package ports

import (
	"context"

	"repowatch/internal/domain"
)

// ResultStore persists the latest FindingsDocument per repository.
// Put replaces atomically; Get returns domain.ErrNotFound when nothing was stored.
type ResultStore interface {
	Put(ctx context.Context, repositoryName string, doc domain.FindingsDocument) error
	Get(ctx context.Context, repositoryName string) (domain.FindingsDocument, error)
	ListScanned(ctx context.Context) ([]string, error)
}
