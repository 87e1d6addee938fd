package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "horus"

const (
	ScanStatusSucceeded = "succeeded"
	ScanStatusFailed    = "failed"
	ScanStatusCancelled = "cancelled"

	LookupOutcomeSuccess  = "success"
	LookupOutcomeRetry    = "retry"
	LookupOutcomeFailed   = "failed"
	LookupOutcomeCacheHit = "cache_hit"
)

var (
	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scans_total",
		Help:      "Number of dependency scans by final status.",
	}, []string{"status"})

	ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "scan_duration_seconds",
		Help:      "Duration of dependency scans.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	DependencyLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dependency_lookups_total",
		Help:      "Number of vulnerability lookups by outcome.",
	}, []string{"outcome"})

	VulnerabilitiesFoundTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "vulnerabilities_found_total",
		Help:      "Number of distinct vulnerabilities reported by scans, by severity.",
	}, []string{"severity"})
)
