package ports

import (
	"context"

	"repowatch/internal/domain"
)

// Scanner runs the analysis tool against one repository checkout.
// Implementations must return promptly once ctx is done.
type Scanner interface {
	Scan(ctx context.Context, repo domain.Repository) (domain.FindingsDocument, error)
}

// RepositoryLister discovers repositories present on disk.
type RepositoryLister interface {
	List(ctx context.Context) ([]domain.Repository, error)
	Lookup(ctx context.Context, name string) (domain.Repository, error)
}

// Results provides read-only projections for the API.
type Results interface {
	ListRepositories(ctx context.Context) ([]string, error)
	Latest(ctx context.Context, repositoryName string) (domain.FindingsDocument, error)
}

// StatusReader exposes orchestrator state without blocking on scans.
type StatusReader interface {
	Status() []domain.RepositoryStatus
}
