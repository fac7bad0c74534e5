package fetch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var fetchesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "metadata_fetches_total",
		Help: "Total metadata document fetches by scheme and outcome.",
	},
	[]string{"scheme", "status"},
)

func observeFetch(scheme string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	fetchesTotal.WithLabelValues(scheme, status).Inc()
}
