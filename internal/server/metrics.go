package server

import (
	"net/http"

	"github.com/VictoriaMetrics/metrics"
)

// Request counters, exposed at /metrics in Prometheus text format.
var (
	syncRequests       = metrics.NewCounter(`wq_sync_requests_total`)
	typedWriteFailures = metrics.NewCounter(`wq_typed_write_failures_total`)
	queryRequests      = metrics.NewCounter(`wq_query_requests_total`)
	cacheHits          = metrics.NewCounter(`wq_cache_hits_total`)
	cacheMisses        = metrics.NewCounter(`wq_cache_misses_total`)
	rejectedRequests   = metrics.NewCounter(`wq_rejected_requests_total`)
)

func handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		metrics.WritePrometheus(w, true)
	}
}
