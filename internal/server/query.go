package server

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/GLAS-Education/water-quality/internal/auth"
	"github.com/GLAS-Education/water-quality/internal/cache"
	"github.com/GLAS-Education/water-quality/internal/storage"
)

// handleQueryDevice handles GET /query/{device}?expid={id}&backup={bool}.
// The cache is consulted before anything else; a fresh entry is served
// as-is with cached=true.
func handleQueryDevice(store *storage.Storage, qcache *cache.Cache, gate *auth.Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		queryRequests.Inc()

		device := strings.TrimPrefix(r.URL.Path, "/query/")
		if device == "" || strings.Contains(device, "/") {
			writeError(w, http.StatusNotFound, "device id required")
			return
		}

		expID := r.URL.Query().Get("expid")
		if expID == "" {
			writeError(w, http.StatusBadRequest, "expid query parameter required")
			return
		}
		includeBackup := parseBool(r.URL.Query().Get("backup"))

		reqID := RequestID(r.Context())
		log.Printf("[%s] query request for device %s, experiment %s", reqID, device, expID)

		envelope := func(cached bool, result *storage.QueryResult) map[string]any {
			resp := map[string]any{
				"status":            "success",
				"experiment_id":     expID,
				"device_id":         device,
				"cached":            cached,
				"cache_ttl_seconds": int(qcache.TTL().Seconds()),
				"include_backup":    includeBackup,
				"data":              result.Data,
				"record_count":      result.RecordCount,
			}
			if result.Backup != nil {
				resp["backup_data"] = result.Backup.Data
				resp["backup_record_count"] = result.Backup.RecordCount
			}
			return resp
		}

		// A device literally named "all" shares its key with the merged
		// view, so the entry's type decides whether it is usable here.
		key := cache.Key(expID, device, includeBackup)
		if v, ok := qcache.Get(key); ok {
			if result, ok := v.(*storage.QueryResult); ok {
				cacheHits.Inc()
				writeJSON(w, http.StatusOK, envelope(true, result))
				return
			}
		}
		cacheMisses.Inc()

		if !checkAccess(w, r, store, gate, expID) {
			return
		}

		result, err := store.ReadDeviceData(r.Context(), expID, device, includeBackup)
		if err != nil {
			respondQueryError(w, r, expID, device, err)
			return
		}

		qcache.Put(key, result)
		writeJSON(w, http.StatusOK, envelope(false, result))
	}
}

// handleQueryAll handles GET /query/experiment/{id}/all?backup={bool}:
// the merged, chronologically re-sorted view across every device of the
// experiment.
func handleQueryAll(store *storage.Storage, qcache *cache.Cache, gate *auth.Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		queryRequests.Inc()

		rest := strings.TrimPrefix(r.URL.Path, "/query/experiment/")
		expID, ok := strings.CutSuffix(rest, "/all")
		if !ok || expID == "" || strings.Contains(expID, "/") {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		includeBackup := parseBool(r.URL.Query().Get("backup"))

		reqID := RequestID(r.Context())
		log.Printf("[%s] query request for all devices in experiment %s", reqID, expID)

		envelope := func(cached bool, result *storage.ExperimentResult) map[string]any {
			resp := map[string]any{
				"status":            "success",
				"experiment_id":     expID,
				"cached":            cached,
				"cache_ttl_seconds": int(qcache.TTL().Seconds()),
				"include_backup":    includeBackup,
				"data":              result.Data,
				"record_count":      result.RecordCount,
				"device_ids":        result.DeviceIDs,
				"device_count":      len(result.DeviceIDs),
			}
			if result.Backup != nil {
				resp["backup_data"] = result.Backup.Data
				resp["backup_record_count"] = result.Backup.RecordCount
			}
			return resp
		}

		key := cache.Key(expID, "all", includeBackup)
		if v, ok := qcache.Get(key); ok {
			if result, ok := v.(*storage.ExperimentResult); ok {
				cacheHits.Inc()
				writeJSON(w, http.StatusOK, envelope(true, result))
				return
			}
		}
		cacheMisses.Inc()

		if !checkAccess(w, r, store, gate, expID) {
			return
		}

		result, err := store.ReadExperimentData(r.Context(), expID, includeBackup)
		if err != nil {
			respondQueryError(w, r, expID, "", err)
			return
		}

		qcache.Put(key, result)
		writeJSON(w, http.StatusOK, envelope(false, result))
	}
}

func handleCacheStats(qcache *cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cache_stats": qcache.Snapshot()})
	}
}

func handleCacheClear(qcache *cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		removed := qcache.Clear()
		log.Printf("[%s] cache cleared: %d entries removed", RequestID(r.Context()), removed)
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "success",
			"message": "Cache cleared: " + strconv.Itoa(removed) + " entries removed",
		})
	}
}

// checkAccess applies the access gate and writes the error response on
// denial. Unknown experiments 404 before the gate runs so private ids
// are not probeable apart from missing ones.
func checkAccess(w http.ResponseWriter, r *http.Request, store *storage.Storage, gate *auth.Gate, expID string) bool {
	exists, err := store.ExperimentExists(r.Context(), expID)
	if err != nil {
		log.Printf("[%s] access check failed: %v", RequestID(r.Context()), err)
		writeError(w, http.StatusInternalServerError, "failed to check experiment")
		return false
	}
	if !exists {
		writeError(w, http.StatusNotFound, "Experiment '"+expID+"' not found")
		return false
	}

	authenticated := auth.SessionFromContext(r.Context()) != nil
	allowed, err := gate.CanAccess(r.Context(), expID, authenticated)
	if err != nil {
		log.Printf("[%s] access check failed: %v", RequestID(r.Context()), err)
		writeError(w, http.StatusInternalServerError, "failed to check access")
		return false
	}
	if !allowed {
		writeError(w, http.StatusForbidden, "Access denied: Experiment is private. Authentication required.")
		return false
	}
	return true
}

func respondQueryError(w http.ResponseWriter, r *http.Request, expID, device string, err error) {
	switch {
	case errors.Is(err, storage.ErrExperimentNotFound):
		writeError(w, http.StatusNotFound, "Experiment '"+expID+"' not found")
	case errors.Is(err, storage.ErrDeviceNotFound):
		writeError(w, http.StatusNotFound, "Device '"+device+"' not found in experiment '"+expID+"'")
	default:
		log.Printf("[%s] query error: %v", RequestID(r.Context()), err)
		writeError(w, http.StatusInternalServerError, "failed to query data")
	}
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}
