package orchestrator_test

import (
	"context"
	"fmt"
	"sync"

	"repowatch/internal/domain"
)

type fakeLister struct {
	names []string
}

func (l *fakeLister) List(_ context.Context) ([]domain.Repository, error) {
	out := make([]domain.Repository, 0, len(l.names))
	for _, n := range l.names {
		out = append(out, domain.Repository{Name: n, LocalPath: "/repos/" + n})
	}
	return out, nil
}

func (l *fakeLister) Lookup(_ context.Context, name string) (domain.Repository, error) {
	for _, n := range l.names {
		if n == name {
			return domain.Repository{Name: n, LocalPath: "/repos/" + n}, nil
		}
	}
	return domain.Repository{}, fmt.Errorf("%w: %s", domain.ErrRepositoryNotFound, name)
}

// fakeScanner delegates to fn and tracks how many scans run at once, per
// repository and overall.
type fakeScanner struct {
	fn func(ctx context.Context, repo domain.Repository) (domain.FindingsDocument, error)

	mu         sync.Mutex
	active     map[string]int
	maxPerRepo map[string]int
	calls      map[string]int
	total      int
	peak       int
}

func newFakeScanner(fn func(ctx context.Context, repo domain.Repository) (domain.FindingsDocument, error)) *fakeScanner {
	return &fakeScanner{
		fn:         fn,
		active:     map[string]int{},
		maxPerRepo: map[string]int{},
		calls:      map[string]int{},
	}
}

func (f *fakeScanner) Scan(ctx context.Context, repo domain.Repository) (domain.FindingsDocument, error) {
	f.mu.Lock()
	f.active[repo.Name]++
	f.calls[repo.Name]++
	f.total++
	if f.active[repo.Name] > f.maxPerRepo[repo.Name] {
		f.maxPerRepo[repo.Name] = f.active[repo.Name]
	}
	if f.total > f.peak {
		f.peak = f.total
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active[repo.Name]--
		f.total--
		f.mu.Unlock()
	}()
	return f.fn(ctx, repo)
}

func (f *fakeScanner) Calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeScanner) MaxPerRepo(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxPerRepo[name]
}

func (f *fakeScanner) Peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

type memStore struct {
	mu      sync.Mutex
	docs    map[string]domain.FindingsDocument
	failPut error
}

func newMemStore() *memStore {
	return &memStore{docs: map[string]domain.FindingsDocument{}}
}

func (m *memStore) Put(_ context.Context, name string, doc domain.FindingsDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut != nil {
		return &domain.StorageError{Op: "put", Repository: name, Err: m.failPut}
	}
	m.docs[name] = doc
	return nil
}

func (m *memStore) Get(_ context.Context, name string) (domain.FindingsDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[name]
	if !ok {
		return domain.FindingsDocument{}, domain.ErrNotFound
	}
	return doc, nil
}

func (m *memStore) ListScanned(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.docs))
	for n := range m.docs {
		names = append(names, n)
	}
	return names, nil
}

type recordedEvents struct {
	mu   sync.Mutex
	jobs []domain.ScanJob
}

func (r *recordedEvents) Publish(_ context.Context, job domain.ScanJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
}

func (r *recordedEvents) Jobs() []domain.ScanJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ScanJob(nil), r.jobs...)
}

func findings(repo string, n int) domain.FindingsDocument {
	doc := domain.FindingsDocument{RepositoryName: repo}
	for i := 0; i < n; i++ {
		doc.Findings = append(doc.Findings, domain.Finding{
			RuleID:   fmt.Sprintf("rule.%d", i),
			FilePath: "main.go",
			Lines:    domain.LineRange{Start: i + 1, End: i + 1},
			Severity: "error",
			Message:  "finding",
		})
	}
	return doc
}
