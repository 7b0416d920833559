package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	repowatch = "repowatch"

	scansTotal           = "scans_total"
	scanDurationSeconds  = "scan_duration_seconds"
	repositoriesScanning = "repositories_scanning"
	sweepsTotal          = "sweeps_total"
	admissionsSkipped    = "admissions_skipped_total"

	// Labels
	outcomeLabel = "outcome"
	reasonLabel  = "reason"
)

/**
* Metrics definition
**/
var scansTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: repowatch,
		Name:      scansTotal,
		Help:      "number of finished scans partitioned by outcome",
	},
	[]string{outcomeLabel, reasonLabel},
)

var scanDurationMetric = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Subsystem: repowatch,
		Name:      scanDurationSeconds,
		Help:      "wall time of a scan from admission to terminal state",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	},
	[]string{outcomeLabel},
)

var repositoriesScanningMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Subsystem: repowatch,
		Name:      repositoriesScanning,
		Help:      "number of repositories currently holding a scan slot",
	},
)

var sweepsTotalMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: repowatch,
		Name:      sweepsTotal,
		Help:      "number of completed sweeps",
	},
)

var admissionsSkippedMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: repowatch,
		Name:      admissionsSkipped,
		Help:      "repositories skipped by a sweep because a scan was already in flight",
	},
)

// ObserveScan records one terminal scan. reason is empty for successes.
func ObserveScan(outcome, reason string, seconds float64) {
	scansTotalMetric.With(prometheus.Labels{outcomeLabel: outcome, reasonLabel: reason}).Inc()
	scanDurationMetric.With(prometheus.Labels{outcomeLabel: outcome}).Observe(seconds)
}

func IncScanning() { repositoriesScanningMetric.Inc() }

func DecScanning() { repositoriesScanningMetric.Dec() }

func IncSweeps() { sweepsTotalMetric.Inc() }

func IncSkipped() { admissionsSkippedMetric.Inc() }

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(scansTotalMetric)
	prometheus.MustRegister(scanDurationMetric)
	prometheus.MustRegister(repositoriesScanningMetric)
	prometheus.MustRegister(sweepsTotalMetric)
	prometheus.MustRegister(admissionsSkippedMetric)
}
