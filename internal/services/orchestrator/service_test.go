package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"repowatch/internal/domain"
	"repowatch/internal/services/orchestrator"
	"repowatch/internal/workers/scanrunner"
)

var _ = Describe("orchestrator service", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		pool   *scanrunner.Pool
		lister *fakeLister
		store  *memStore
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		pool = scanrunner.Start(ctx, 4)
		lister = &fakeLister{names: []string{"alpha", "beta"}}
		store = newMemStore()
	})

	AfterEach(func() {
		pool.Close()
		cancel()
	})

	Context("sweep", func() {
		It("stores successes and leaves failed repositories without results", func() {
			scanner := newFakeScanner(func(_ context.Context, repo domain.Repository) (domain.FindingsDocument, error) {
				if repo.Name == "beta" {
					return domain.FindingsDocument{}, &domain.ToolExecutionError{ExitCode: 2, Output: "boom"}
				}
				return findings(repo.Name, 2), nil
			})
			srv := orchestrator.New(lister, scanner, store, pool)

			report, err := srv.ScanAll(ctx)
			Expect(err).To(BeNil())
			Expect(report.Discovered).To(Equal(2))
			Expect(report.Admitted).To(Equal(2))
			Expect(report.Succeeded).To(Equal(1))
			Expect(report.Failed).To(Equal(1))

			doc, err := store.Get(ctx, "alpha")
			Expect(err).To(BeNil())
			Expect(doc.Findings).To(HaveLen(2))

			_, err = store.Get(ctx, "beta")
			Expect(errors.Is(err, domain.ErrNotFound)).To(BeTrue())

			status := srv.Status()
			Expect(status).To(HaveLen(2))
			Expect(status[0].Name).To(Equal("alpha"))
			Expect(status[0].State).To(Equal(domain.StateIdle))
			Expect(status[0].LastJob.Status).To(Equal(domain.JobSucceeded))
			Expect(status[0].LastJob.Findings).To(Equal(2))
			Expect(status[1].LastJob.Status).To(Equal(domain.JobFailed))
			var execErr *domain.ToolExecutionError
			Expect(errors.As(status[1].LastJob.Err, &execErr)).To(BeTrue())
			Expect(execErr.ExitCode).To(Equal(2))
		})

		It("keeps the previous document when a later scan fails", func() {
			var fail atomic.Bool
			scanner := newFakeScanner(func(_ context.Context, repo domain.Repository) (domain.FindingsDocument, error) {
				if fail.Load() {
					return domain.FindingsDocument{}, &domain.ParseError{Err: errors.New("truncated")}
				}
				return findings(repo.Name, 3), nil
			})
			srv := orchestrator.New(lister, scanner, store, pool)

			_, err := srv.ScanAll(ctx)
			Expect(err).To(BeNil())
			before, err := store.Get(ctx, "alpha")
			Expect(err).To(BeNil())

			fail.Store(true)
			report, err := srv.ScanAll(ctx)
			Expect(err).To(BeNil())
			Expect(report.Failed).To(Equal(2))

			after, err := store.Get(ctx, "alpha")
			Expect(err).To(BeNil())
			Expect(after).To(Equal(before))
		})

		It("records storage failures as failed scans", func() {
			store.failPut = errors.New("disk full")
			scanner := newFakeScanner(func(_ context.Context, repo domain.Repository) (domain.FindingsDocument, error) {
				return findings(repo.Name, 1), nil
			})
			srv := orchestrator.New(lister, scanner, store, pool)

			report, err := srv.ScanAll(ctx)
			Expect(err).To(BeNil())
			Expect(report.Failed).To(Equal(2))

			var storageErr *domain.StorageError
			Expect(errors.As(srv.Status()[0].LastJob.Err, &storageErr)).To(BeTrue())
		})

		It("succeeds with nothing to do on an empty root", func() {
			lister.names = nil
			scanner := newFakeScanner(func(_ context.Context, repo domain.Repository) (domain.FindingsDocument, error) {
				return findings(repo.Name, 0), nil
			})
			srv := orchestrator.New(lister, scanner, store, pool)

			report, err := srv.ScanAll(ctx)
			Expect(err).To(BeNil())
			Expect(report.Discovered).To(BeZero())
			Expect(srv.Status()).To(BeEmpty())
		})

		It("bounds overall concurrency by the pool size", func() {
			lister.names = []string{"a", "b", "c", "d", "e", "f", "g", "h"}
			smallPool := scanrunner.Start(ctx, 2)
			defer smallPool.Close()

			scanner := newFakeScanner(func(_ context.Context, repo domain.Repository) (domain.FindingsDocument, error) {
				time.Sleep(20 * time.Millisecond)
				return findings(repo.Name, 0), nil
			})
			srv := orchestrator.New(lister, scanner, store, smallPool)

			report, err := srv.ScanAll(ctx)
			Expect(err).To(BeNil())
			Expect(report.Succeeded).To(Equal(8))
			Expect(scanner.Peak()).To(BeNumerically("<=", 2))
		})

		It("forgets idle repositories removed from disk", func() {
			scanner := newFakeScanner(func(_ context.Context, repo domain.Repository) (domain.FindingsDocument, error) {
				return findings(repo.Name, 0), nil
			})
			srv := orchestrator.New(lister, scanner, store, pool)

			_, err := srv.ScanAll(ctx)
			Expect(err).To(BeNil())
			Expect(srv.Status()).To(HaveLen(2))

			lister.names = []string{"alpha"}
			_, err = srv.ScanAll(ctx)
			Expect(err).To(BeNil())
			status := srv.Status()
			Expect(status).To(HaveLen(1))
			Expect(status[0].Name).To(Equal("alpha"))
		})

		It("publishes one event per terminal job", func() {
			events := &recordedEvents{}
			scanner := newFakeScanner(func(_ context.Context, repo domain.Repository) (domain.FindingsDocument, error) {
				return findings(repo.Name, 1), nil
			})
			srv := orchestrator.New(lister, scanner, store, pool, orchestrator.WithEvents(events))

			_, err := srv.ScanAll(ctx)
			Expect(err).To(BeNil())
			jobs := events.Jobs()
			Expect(jobs).To(HaveLen(2))
			for _, j := range jobs {
				Expect(j.Terminal()).To(BeTrue())
				Expect(j.FinishedAt).NotTo(BeNil())
			}
		})
	})

	Context("mutual exclusion", func() {
		It("skips repositories whose scan is still in flight", func() {
			release := make(chan struct{})
			scanner := newFakeScanner(func(_ context.Context, repo domain.Repository) (domain.FindingsDocument, error) {
				<-release
				return findings(repo.Name, 1), nil
			})
			srv := orchestrator.New(lister, scanner, store, pool)

			first := make(chan orchestrator.SweepReport, 1)
			go func() {
				defer GinkgoRecover()
				report, err := srv.ScanAll(ctx)
				Expect(err).To(BeNil())
				first <- report
			}()

			Eventually(func() int { return scanner.Calls("alpha") + scanner.Calls("beta") }).Should(Equal(2))
			for _, st := range srv.Status() {
				Expect(st.State).To(Equal(domain.StateScanning))
				Expect(st.Running).NotTo(BeNil())
			}

			second, err := srv.ScanAll(ctx)
			Expect(err).To(BeNil())
			Expect(second.Admitted).To(BeZero())
			Expect(second.Skipped).To(Equal(2))

			_, err = srv.ScanRepository(ctx, "alpha")
			Expect(errors.Is(err, domain.ErrScanInProgress)).To(BeTrue())

			close(release)
			var report orchestrator.SweepReport
			Eventually(first).Should(Receive(&report))
			Expect(report.Succeeded).To(Equal(2))
			Expect(scanner.Calls("alpha")).To(Equal(1))
			Expect(scanner.Calls("beta")).To(Equal(1))
		})

		It("never runs two scans of one repository under concurrent sweeps", func() {
			lister.names = []string{"alpha", "beta", "gamma"}
			scanner := newFakeScanner(func(_ context.Context, repo domain.Repository) (domain.FindingsDocument, error) {
				time.Sleep(5 * time.Millisecond)
				return findings(repo.Name, 1), nil
			})
			srv := orchestrator.New(lister, scanner, store, pool)

			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := srv.ScanAll(ctx)
					Expect(err).To(BeNil())
				}()
			}
			wg.Wait()

			for _, name := range lister.names {
				Expect(scanner.MaxPerRepo(name)).To(Equal(1), name)
			}
			for _, st := range srv.Status() {
				Expect(st.State).To(Equal(domain.StateIdle))
			}
		})

		It("releases the token after a timed-out scan", func() {
			lister.names = []string{"alpha"}
			scanner := newFakeScanner(func(ctx context.Context, _ domain.Repository) (domain.FindingsDocument, error) {
				<-ctx.Done()
				return domain.FindingsDocument{}, ctx.Err()
			})
			srv := orchestrator.New(lister, scanner, store, pool, orchestrator.WithScanTimeout(50*time.Millisecond))

			report, err := srv.ScanAll(ctx)
			Expect(err).To(BeNil())
			Expect(report.Failed).To(Equal(1))

			last := srv.Status()[0].LastJob
			var execErr *domain.ToolExecutionError
			Expect(errors.As(last.Err, &execErr)).To(BeTrue())
			Expect(execErr.TimedOut).To(BeTrue())

			report, err = srv.ScanAll(ctx)
			Expect(err).To(BeNil())
			Expect(report.Admitted).To(Equal(1))
			Expect(scanner.Calls("alpha")).To(Equal(2))
		})

		It("releases the token after a panicking scanner", func() {
			lister.names = []string{"alpha"}
			scanner := newFakeScanner(func(_ context.Context, _ domain.Repository) (domain.FindingsDocument, error) {
				panic("scanner bug")
			})
			srv := orchestrator.New(lister, scanner, store, pool)

			report, err := srv.ScanAll(ctx)
			Expect(err).To(BeNil())
			Expect(report.Failed).To(Equal(1))
			Expect(srv.Status()[0].State).To(Equal(domain.StateIdle))
		})

		It("returns tokens of scans that could not be dispatched", func() {
			scanner := newFakeScanner(func(_ context.Context, repo domain.Repository) (domain.FindingsDocument, error) {
				return findings(repo.Name, 0), nil
			})
			closed := scanrunner.Start(ctx, 1)
			closed.Close()
			srv := orchestrator.New(lister, scanner, store, closed)

			report, err := srv.ScanAll(ctx)
			Expect(errors.Is(err, scanrunner.ErrPoolClosed)).To(BeTrue())
			Expect(report.NotDispatched).To(Equal(1))
			for _, st := range srv.Status() {
				Expect(st.State).To(Equal(domain.StateIdle))
			}
		})
	})

	Context("retry", func() {
		It("retries a failed tool execution", func() {
			var calls atomic.Int32
			scanner := newFakeScanner(func(_ context.Context, repo domain.Repository) (domain.FindingsDocument, error) {
				if calls.Add(1) == 1 {
					return domain.FindingsDocument{}, &domain.ToolExecutionError{ExitCode: 2}
				}
				return findings(repo.Name, 1), nil
			})
			srv := orchestrator.New(lister, scanner, store, pool, orchestrator.WithRetry(2, time.Millisecond))

			job, err := srv.ScanRepository(ctx, "alpha")
			Expect(err).To(BeNil())
			Expect(job.Status).To(Equal(domain.JobSucceeded))
			Expect(job.Attempts).To(Equal(2))
		})

		It("does not retry timeouts or a missing tool", func() {
			scanner := newFakeScanner(func(ctx context.Context, repo domain.Repository) (domain.FindingsDocument, error) {
				if repo.Name == "beta" {
					return domain.FindingsDocument{}, &domain.ToolUnavailableError{Tool: "semgrep", Err: errors.New("not found")}
				}
				<-ctx.Done()
				return domain.FindingsDocument{}, ctx.Err()
			})
			srv := orchestrator.New(lister, scanner, store, pool,
				orchestrator.WithRetry(3, time.Millisecond),
				orchestrator.WithScanTimeout(20*time.Millisecond),
			)

			report, err := srv.ScanAll(ctx)
			Expect(err).To(BeNil())
			Expect(report.Failed).To(Equal(2))
			Expect(scanner.Calls("alpha")).To(Equal(1))
			Expect(scanner.Calls("beta")).To(Equal(1))
		})

		It("gives up after the configured attempts", func() {
			scanner := newFakeScanner(func(_ context.Context, _ domain.Repository) (domain.FindingsDocument, error) {
				return domain.FindingsDocument{}, &domain.ParseError{Err: errors.New("bad json")}
			})
			srv := orchestrator.New(lister, scanner, store, pool, orchestrator.WithRetry(2, time.Millisecond))

			job, err := srv.ScanRepository(ctx, "alpha")
			var parseErr *domain.ParseError
			Expect(errors.As(err, &parseErr)).To(BeTrue())
			Expect(job.Status).To(Equal(domain.JobFailed))
			Expect(job.Attempts).To(Equal(3))
		})
	})

	Context("single repository", func() {
		It("rejects unknown repositories", func() {
			scanner := newFakeScanner(func(_ context.Context, repo domain.Repository) (domain.FindingsDocument, error) {
				return findings(repo.Name, 0), nil
			})
			srv := orchestrator.New(lister, scanner, store, pool)

			_, err := srv.ScanRepository(ctx, "nope")
			Expect(errors.Is(err, domain.ErrRepositoryNotFound)).To(BeTrue())
			Expect(scanner.Calls("nope")).To(BeZero())
		})

		It("stores the document of a successful scan", func() {
			scanner := newFakeScanner(func(_ context.Context, repo domain.Repository) (domain.FindingsDocument, error) {
				return findings(repo.Name, 4), nil
			})
			srv := orchestrator.New(lister, scanner, store, pool)

			job, err := srv.ScanRepository(ctx, "beta")
			Expect(err).To(BeNil())
			Expect(job.Findings).To(Equal(4))
			Expect(job.ID).NotTo(BeEmpty())

			doc, err := store.Get(ctx, "beta")
			Expect(err).To(BeNil())
			Expect(doc.Findings).To(HaveLen(4))
		})
	})
})
