package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/GLAS-Education/water-quality/internal/storage"
)

// handleSync dispatches the /sync/ surface: a POST with a device id in
// the path ingests telemetry; the GET endpoints report service status
// to devices probing connectivity.
func handleSync(store *storage.Storage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/sync/")

		switch {
		case rest == "" && r.Method == http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]string{
				"message": "Sync API is available",
				"status":  "authenticated",
			})
		case rest == "status" && r.Method == http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]any{
				"status":        "active",
				"message":       "Sync service is running",
				"authenticated": true,
			})
		case rest == "health" && r.Method == http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]any{
				"status":        "healthy",
				"service":       "sync",
				"authenticated": true,
			})
		case r.Method == http.MethodPost:
			ingestDevice(store, rest)(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

// ingestDevice handles POST /sync/{device}?expid={id}.
func ingestDevice(store *storage.Storage, device string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqID := RequestID(r.Context())
		syncRequests.Inc()

		if device == "" || strings.Contains(device, "/") {
			writeError(w, http.StatusNotFound, "device id required")
			return
		}

		expID := r.URL.Query().Get("expid")
		if expID == "" {
			writeError(w, http.StatusBadRequest, "expid query parameter required")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			log.Printf("[%s] sync: failed to read body: %v", reqID, err)
			writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}

		// UseNumber keeps integer and float payload values distinct so
		// column type inference sees what the device actually sent.
		var payload map[string]any
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&payload); err != nil {
			log.Printf("[%s] sync: invalid JSON payload: %v", reqID, err)
			writeError(w, http.StatusBadRequest, "request body must be a JSON object")
			return
		}

		log.Printf("[%s] sync request for device %s, experiment %s", reqID, device, expID)

		result, err := store.Ingest(r.Context(), expID, device, payload, body)
		if err != nil {
			log.Printf("[%s] sync: ingestion failed: %v", reqID, err)
			writeError(w, http.StatusInternalServerError, "failed to sync data: "+err.Error())
			return
		}

		if !result.TypedOK {
			typedWriteFailures.Inc()
			log.Printf("[%s] sync: typed write failed for %s/%s, backup row preserved", reqID, expID, device)
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"status":               "success",
			"message":              "Data synchronized successfully",
			"experiment_id":        expID,
			"device_id":            device,
			"experiment_existed":   result.ExperimentExisted,
			"device_table_existed": result.DeviceTableExisted,
			"typed_table_success":  result.TypedOK,
			"backup_table_success": result.BackupOK,
			"flattened_keys":       result.FlattenedKeys,
		})
	}
}
