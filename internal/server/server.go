package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/GLAS-Education/water-quality/internal/auth"
	"github.com/GLAS-Education/water-quality/internal/cache"
	"github.com/GLAS-Education/water-quality/internal/storage"
)

// Config holds server configuration.
type Config struct {
	Port int
}

// New creates the HTTP server with the sync, query and manage surfaces.
// Device-facing endpoints sit behind the shared-secret check; human
// endpoints carry an optional session that the access gate and the
// handlers interpret. The two mechanisms are never combined into one.
func New(cfg Config, store *storage.Storage, qcache *cache.Cache, deviceKey *auth.DeviceKey, sessions *auth.Sessions, gate *auth.Gate) *http.Server {
	mux := http.NewServeMux()

	// Public endpoints
	mux.HandleFunc("/health", handleHealth(store))
	mux.HandleFunc("/metrics", handleMetrics())

	// Device write path (shared secret only)
	mux.Handle("/sync/", deviceKey.Middleware(http.HandlerFunc(handleSync(store))))

	// Cache administration (shared secret)
	mux.Handle("/query/cache/stats", deviceKey.Middleware(http.HandlerFunc(handleCacheStats(qcache))))
	mux.Handle("/query/cache/clear", deviceKey.Middleware(http.HandlerFunc(handleCacheClear(qcache))))

	// Read path. The merged all-devices endpoint is session-gated only;
	// the single-device endpoint additionally requires the device
	// credential, matching the public surface contract.
	mux.Handle("/query/experiment/", sessions.WithSession(http.HandlerFunc(handleQueryAll(store, qcache, gate))))
	// Exact match so a device named "experiment" stays reachable instead
	// of being redirected into the subtree above.
	mux.Handle("/query/experiment", deviceKey.Middleware(sessions.WithSession(http.HandlerFunc(handleQueryDevice(store, qcache, gate)))))
	mux.Handle("/query/", deviceKey.Middleware(sessions.WithSession(http.HandlerFunc(handleQueryDevice(store, qcache, gate)))))

	// Management surface (session; reads tolerate anonymous callers,
	// mutations do not)
	mux.Handle("/manage/experiments", sessions.WithSession(http.HandlerFunc(handleListExperiments(store))))
	mux.Handle("/manage/experiments/", sessions.WithSession(http.HandlerFunc(handleExperiment(store))))
	mux.Handle("/manage/stats", sessions.WithSession(http.HandlerFunc(handleManageStats(store))))

	// Middleware execution order (request path):
	// requestID -> recovery -> sizeLimit -> gzip -> handler
	handler := chain(mux,
		requestIDMiddleware,
		recoveryMiddleware,
		sizeLimitMiddleware,
		gzipMiddleware,
	)

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}
