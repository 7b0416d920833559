package main

import (
	"context"
	"os"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	httpadapter "repowatch/internal/adapters/http"
	"repowatch/internal/adapters/repodir"
	"repowatch/internal/config"
	"repowatch/internal/events"
	"repowatch/internal/ports"
	"repowatch/internal/services/orchestrator"
	"repowatch/internal/services/results"
	"repowatch/internal/workers/scanrunner"
	"repowatch/internal/workers/scheduler"
	"repowatch/pkg/metrics"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler and the results API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		defer initLogging(cfg)()

		log := zap.S().Named("main")
		log.Infof("Starting repowatch with config: %s", cfg)
		defer log.Info("repowatch stopped")

		ctx, cancel := shutdownContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
		defer cancel()

		if err := ensureRepoRoot(cfg); err != nil {
			log.Fatalw("preparing repository root", "error", err)
		}
		store, closeStore, err := openStore(ctx, cfg)
		if err != nil {
			log.Fatalw("initializing result store", "error", err)
		}
		defer closeStore()

		var (
			producer  *events.Producer
			jobEvents ports.JobEvents
		)
		if cfg.Events.Enabled {
			producer = events.NewProducer(&events.StdoutWriter{})
			jobEvents = producer
		}

		// Workers run on their own context so a shutdown lets in-flight scans finish.
		pool := scanrunner.Start(context.Background(), cfg.Scan.Workers)

		orch := orchestrator.New(repodir.New(cfg.Scan.RepoRoot), newScanner(cfg), store, pool, orchestratorOptions(cfg, jobEvents)...)

		sched := scheduler.New(orch, scheduler.WithInterval(cfg.Scan.Interval))
		if err := sched.Start(ctx); err != nil {
			log.Fatalw("starting scheduler", "error", err)
		}

		listener, err := httpadapter.Listen(cfg.Service.Address, cfg.Service.MaxConnections)
		if err != nil {
			log.Fatalw("creating api listener", "error", err)
		}
		metricsListener, err := httpadapter.Listen(cfg.Service.MetricsAddress, 0)
		if err != nil {
			log.Fatalw("creating metrics listener", "error", err)
		}

		metricMiddleware := metrics.NewMiddleware("api_server")
		metricMiddleware.MustRegister(prometheus.DefaultRegisterer)
		server := httpadapter.New(results.New(store), orch,
			httpadapter.WithCORSOrigins(cfg.Service.CORSOrigins),
			httpadapter.WithMetrics(metricMiddleware),
		)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return server.Run(gctx, listener) })
		g.Go(func() error { return httpadapter.NewMetricServer(metricsListener).Run(gctx) })
		err = g.Wait()
		cancel()

		stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Scan.Timeout+cfg.Scan.KillGrace)
		defer stopCancel()
		err = multierr.Append(err, sched.Stop(stopCtx))
		pool.Close()
		if producer != nil {
			err = multierr.Append(err, producer.Close())
		}
		if err != nil {
			log.Errorw("shutdown finished with errors", "error", err)
		}
		return err
	},
}
