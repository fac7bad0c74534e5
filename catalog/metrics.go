package catalog

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	buildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_builds_total",
			Help: "Total catalog constructions by kind and outcome.",
		},
		[]string{"kind", "status"},
	)

	buildDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "catalog_build_duration_seconds",
			Help:    "Duration of successful catalog constructions.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		},
		[]string{"kind"},
	)

	registryLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_registry_lookups_total",
			Help: "Registry lookups by outcome (hit, miss or error).",
		},
		[]string{"outcome"},
	)
)

func observeBuild(kind string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	buildsTotal.WithLabelValues(kind, status).Inc()
	if err == nil {
		buildDurationSeconds.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
}
