package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ChecksTotal counts completed per-channel checks by outcome ("completed" or
// "failed"). This metric is a counter and only increases.
var ChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stream_checker_checks_total",
	Help: "Number of per-channel checks by outcome",
}, []string{"outcome"})

// ProbesTotal counts individual stream probes by result status (OK, timeout,
// ffprobe_failed, ...). This metric is a counter and only increases.
var ProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stream_checker_probes_total",
	Help: "Number of stream probes by status",
}, []string{"status"})

// ProbeDuration observes wall-clock time spent per stream probe, including
// retries.
var ProbeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "stream_checker_probe_duration_seconds",
	Help:    "Stream probe duration in seconds",
	Buckets: prometheus.ExponentialBuckets(1, 2, 8),
})

// QueueDepth tracks the current number of channels waiting in the check queue.
// This metric is a gauge, meaning it can go up and down as channels are queued
// and drained.
var QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "stream_checker_queue_depth",
	Help: "Channels currently queued for checking",
})

// GlobalActionsTotal counts executed global sweeps (scheduled or manually
// triggered).
var GlobalActionsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "stream_checker_global_actions_total",
	Help: "Number of global check sweeps executed",
})

// ReorderVerifyFailures counts order verifications that did not match the
// requested order after the settle delay.
var ReorderVerifyFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "stream_checker_reorder_verify_failures_total",
	Help: "Number of stream order verifications that mismatched",
})
