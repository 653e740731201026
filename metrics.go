package pinsetter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pinsetter_submissions_total",
			Help: "Job submissions to the executor, by admission result.",
		},
		[]string{"result"},
	)

	metricRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pinsetter_runs_total",
			Help: "Completed job runs, by terminal state.",
		},
		[]string{"state"},
	)

	metricRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pinsetter_run_duration_seconds",
			Help:    "Job run latency in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		},
	)
)
