package results

import (
	"context"
	"errors"
	"sort"

	"repowatch/internal/domain"
	"repowatch/internal/ports"
)

type Service struct {
	store ports.ResultStore
}

func New(store ports.ResultStore) *Service { return &Service{store: store} }

// ListRepositories returns the names with a stored document, sorted.
func (s *Service) ListRepositories(ctx context.Context) ([]string, error) {
	names, err := s.store.ListScanned(ctx)
	if err != nil {
		return nil, err
	}
	if names == nil {
		return []string{}, nil
	}
	sort.Strings(names)
	return names, nil
}

// Latest returns the stored document for name. Names that can never identify
// a repository are reported as domain.ErrNotFound.
func (s *Service) Latest(ctx context.Context, name string) (domain.FindingsDocument, error) {
	if err := domain.ValidateRepositoryName(name); err != nil {
		return domain.FindingsDocument{}, domain.ErrNotFound
	}
	doc, err := s.store.Get(ctx, name)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.FindingsDocument{}, domain.ErrNotFound
		}
		return domain.FindingsDocument{}, err
	}
	if doc.Findings == nil {
		doc.Findings = []domain.Finding{}
	}
	return doc, nil
}
