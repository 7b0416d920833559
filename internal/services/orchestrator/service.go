package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"repowatch/internal/domain"
	"repowatch/internal/ports"
	"repowatch/internal/workers/scanrunner"
	"repowatch/pkg/metrics"
)

const defaultScanTimeout = 15 * time.Minute

type Option func(s *Service)

func WithClock(c clockwork.Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// WithScanTimeout bounds every Scanner invocation.
func WithScanTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.scanTimeout = d
		}
	}
}

// WithRetry retries failed executions and unparsable output up to attempts
// extra times, waiting delay in between. The exclusion token stays held
// while retrying. Timeouts, a missing tool and storage errors are not retried.
func WithRetry(attempts uint64, delay time.Duration) Option {
	return func(s *Service) {
		if attempts == 0 {
			return
		}
		if delay <= 0 {
			delay = time.Second
		}
		s.backoff = func() retry.Backoff {
			return retry.WithMaxRetries(attempts, retry.NewConstant(delay))
		}
	}
}

func WithEvents(e ports.JobEvents) Option {
	return func(s *Service) {
		s.events = e
	}
}

// Service admits repositories for scanning, at most one scan per repository
// at a time, and runs admitted scans on a shared worker pool.
type Service struct {
	lister  ports.RepositoryLister
	scanner ports.Scanner
	store   ports.ResultStore
	pool    *scanrunner.Pool
	events  ports.JobEvents

	clock       clockwork.Clock
	scanTimeout time.Duration
	backoff     func() retry.Backoff

	mu    sync.Mutex
	repos map[string]*repoState
}

// repoState is guarded by Service.mu. A non-nil running job is the
// repository's exclusion token.
type repoState struct {
	running *domain.ScanJob
	last    *domain.ScanJob
}

// SweepReport summarises one ScanAll call.
type SweepReport struct {
	Discovered    int
	Admitted      int
	Skipped       int
	Succeeded     int
	Failed        int
	NotDispatched int
	Duration      time.Duration
}

func New(lister ports.RepositoryLister, scanner ports.Scanner, store ports.ResultStore, pool *scanrunner.Pool, opts ...Option) *Service {
	s := &Service{
		lister:      lister,
		scanner:     scanner,
		store:       store,
		pool:        pool,
		clock:       clockwork.NewRealClock(),
		scanTimeout: defaultScanTimeout,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(0, retry.NewConstant(time.Second))
		},
		repos: make(map[string]*repoState),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ScanAll runs one sweep: every repository on disk that is not already being
// scanned is admitted and dispatched to the pool. It returns once every
// dispatched scan of this sweep is terminal. Scan failures are reported in
// the SweepReport, not as an error.
func (s *Service) ScanAll(ctx context.Context) (SweepReport, error) {
	log := zap.S().Named("orchestrator")
	start := s.clock.Now()

	repos, err := s.lister.List(ctx)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list repositories: %w", err)
	}
	s.prune(repos)
	log.Infow("sweep started", "repositories", len(repos))

	report := SweepReport{Discovered: len(repos)}
	var (
		wg          sync.WaitGroup
		reportMu    sync.Mutex
		dispatchErr error
	)
	for _, repo := range repos {
		job, ok := s.admit(repo.Name)
		if !ok {
			report.Skipped++
			metrics.IncSkipped()
			log.Infow("scan already in flight, skipping", "repository", repo.Name)
			continue
		}
		report.Admitted++

		wg.Add(1)
		err := s.pool.Submit(ctx, func(workerCtx context.Context) {
			defer wg.Done()
			final := s.execute(workerCtx, repo, job)
			s.release(final)

			reportMu.Lock()
			defer reportMu.Unlock()
			if final.Status == domain.JobSucceeded {
				report.Succeeded++
			} else {
				report.Failed++
			}
		})
		if err != nil {
			wg.Done()
			s.abandon(job)
			reportMu.Lock()
			report.NotDispatched++
			reportMu.Unlock()
			dispatchErr = err
			log.Warnw("sweep dispatch stopped", "repository", repo.Name, "error", err)
			break
		}
	}
	wg.Wait()

	report.Duration = s.clock.Since(start)
	metrics.IncSweeps()
	log.Infow("sweep finished",
		"discovered", report.Discovered,
		"admitted", report.Admitted,
		"skipped", report.Skipped,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"not_dispatched", report.NotDispatched,
		"duration", report.Duration,
	)
	if dispatchErr != nil {
		return report, fmt.Errorf("dispatch scans: %w", dispatchErr)
	}
	return report, nil
}

// ScanRepository scans a single repository through the worker pool and waits
// for the outcome. A failed scan is returned as the job's error.
func (s *Service) ScanRepository(ctx context.Context, name string) (domain.ScanJob, error) {
	repo, err := s.lister.Lookup(ctx, name)
	if err != nil {
		return domain.ScanJob{}, err
	}
	job, ok := s.admit(repo.Name)
	if !ok {
		return domain.ScanJob{}, fmt.Errorf("%w: %s", domain.ErrScanInProgress, repo.Name)
	}

	done := make(chan domain.ScanJob, 1)
	err = s.pool.Submit(ctx, func(workerCtx context.Context) {
		final := s.execute(workerCtx, repo, job)
		s.release(final)
		done <- final
	})
	if err != nil {
		s.abandon(job)
		return domain.ScanJob{}, err
	}

	select {
	case final := <-done:
		if final.Status == domain.JobFailed {
			return final, final.Err
		}
		return final, nil
	case <-ctx.Done():
		return job, ctx.Err()
	}
}

// Status returns a snapshot of every known repository, sorted by name.
func (s *Service) Status() []domain.RepositoryStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.RepositoryStatus, 0, len(s.repos))
	for name, st := range s.repos {
		status := domain.RepositoryStatus{Name: name, State: domain.StateIdle}
		if st.running != nil {
			status.State = domain.StateScanning
			running := *st.running
			status.Running = &running
		}
		if st.last != nil {
			last := *st.last
			status.LastJob = &last
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) admit(name string) (domain.ScanJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.repos[name]
	if !ok {
		st = &repoState{}
		s.repos[name] = st
	}
	if st.running != nil {
		return domain.ScanJob{}, false
	}
	job := domain.ScanJob{
		ID:             uuid.NewString(),
		RepositoryName: name,
		StartedAt:      s.clock.Now().UTC(),
		Status:         domain.JobRunning,
	}
	running := job
	st.running = &running
	metrics.IncScanning()
	return job, true
}

// release returns the exclusion token and records the terminal job.
func (s *Service) release(job domain.ScanJob) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.repos[job.RepositoryName]
	st.running = nil
	st.last = &job
	metrics.DecScanning()
}

// abandon returns the token of a job that never reached a worker.
func (s *Service) abandon(job domain.ScanJob) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.repos[job.RepositoryName].running = nil
	metrics.DecScanning()
}

// prune forgets idle repositories that are no longer on disk.
func (s *Service) prune(present []domain.Repository) {
	keep := make(map[string]struct{}, len(present))
	for _, r := range present {
		keep[r.Name] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, st := range s.repos {
		if _, ok := keep[name]; !ok && st.running == nil {
			delete(s.repos, name)
		}
	}
}

// execute runs the scan and stores the result. It never panics and always
// returns a terminal job; the previous document is left untouched on failure.
func (s *Service) execute(ctx context.Context, repo domain.Repository, job domain.ScanJob) (final domain.ScanJob) {
	log := zap.S().Named("orchestrator")
	defer func() {
		if r := recover(); r != nil {
			final = s.finish(job, 0, fmt.Errorf("scan panicked: %v", r))
			log.Errorw("scan panicked", "repository", repo.Name, "job_id", job.ID, "panic", r)
		}
	}()

	log.Infow("scan started", "repository", repo.Name, "job_id", job.ID)
	doc, attempts, err := s.scan(ctx, repo)
	if err == nil {
		err = s.store.Put(ctx, repo.Name, doc)
	}
	job.Attempts = attempts
	final = s.finish(job, len(doc.Findings), err)

	if err != nil {
		log.Errorw("scan failed, keeping previous results",
			"repository", repo.Name, "job_id", job.ID, "reason", failureReason(err), "attempts", attempts, "error", err)
	} else {
		log.Infow("scan completed", "repository", repo.Name, "job_id", job.ID, "findings", final.Findings)
	}
	if s.events != nil {
		s.events.Publish(ctx, final)
	}
	return final
}

func (s *Service) finish(job domain.ScanJob, findings int, err error) domain.ScanJob {
	finished := s.clock.Now().UTC()
	job.FinishedAt = &finished
	if err != nil {
		job.Status = domain.JobFailed
		job.Err = err
	} else {
		job.Status = domain.JobSucceeded
		job.Findings = findings
	}
	metrics.ObserveScan(string(job.Status), failureReason(err), finished.Sub(job.StartedAt).Seconds())
	return job
}

// scan invokes the Scanner under the per-attempt timeout, retrying according
// to the configured backoff.
func (s *Service) scan(ctx context.Context, repo domain.Repository) (domain.FindingsDocument, int, error) {
	var (
		doc      domain.FindingsDocument
		attempts int
	)
	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		attempts++
		scanCtx, cancel := context.WithTimeout(ctx, s.scanTimeout)
		defer cancel()

		d, err := s.scanner.Scan(scanCtx, repo)
		if err != nil {
			err = asTimeout(scanCtx, err)
			if retryable(err) {
				zap.S().Named("orchestrator").Warnw("scan attempt failed", "repository", repo.Name, "attempt", attempts, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		doc = d
		return nil
	})
	return doc, attempts, err
}

// asTimeout reports a scanner that gave up because of the scan deadline as a
// timed-out tool execution, whatever error it returned.
func asTimeout(scanCtx context.Context, err error) error {
	if !errors.Is(scanCtx.Err(), context.DeadlineExceeded) {
		return err
	}
	var execErr *domain.ToolExecutionError
	if errors.As(err, &execErr) {
		return err
	}
	return &domain.ToolExecutionError{ExitCode: -1, TimedOut: true, Err: err}
}

func retryable(err error) bool {
	var execErr *domain.ToolExecutionError
	if errors.As(err, &execErr) {
		return !execErr.TimedOut
	}
	var parseErr *domain.ParseError
	return errors.As(err, &parseErr)
}

func failureReason(err error) string {
	var (
		unavailable *domain.ToolUnavailableError
		execErr     *domain.ToolExecutionError
		parseErr    *domain.ParseError
		storageErr  *domain.StorageError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &unavailable):
		return "tool_unavailable"
	case errors.As(err, &execErr) && execErr.TimedOut:
		return "timeout"
	case errors.As(err, &execErr):
		return "tool_execution"
	case errors.As(err, &parseErr):
		return "parse"
	case errors.As(err, &storageErr):
		return "storage"
	default:
		return "other"
	}
}
