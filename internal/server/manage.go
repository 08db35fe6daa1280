package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/GLAS-Education/water-quality/internal/auth"
	"github.com/GLAS-Education/water-quality/internal/storage"
)

// handleListExperiments handles GET /manage/experiments. Anonymous
// callers see only public experiments; either way, only experiments
// that actually have device data tables are listed.
func handleListExperiments(store *storage.Storage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		session := auth.SessionFromContext(r.Context())
		authenticated := session != nil

		experiments, err := store.ListExperiments(r.Context(), !authenticated)
		if err != nil {
			log.Printf("[%s] failed to list experiments: %v", RequestID(r.Context()), err)
			writeError(w, http.StatusInternalServerError, "failed to list experiments")
			return
		}

		entries := []map[string]any{}
		for _, exp := range experiments {
			deviceIDs, err := store.ListDeviceIDs(r.Context(), exp.ID)
			if err != nil {
				log.Printf("[%s] failed to list devices for %s: %v", RequestID(r.Context()), exp.ID, err)
				continue
			}
			if len(deviceIDs) == 0 {
				log.Printf("experiment %s exists in metadata but has no device data tables", exp.ID)
				continue
			}

			detail, err := store.ExperimentDetailFor(r.Context(), exp.ID)
			if err != nil {
				log.Printf("[%s] failed to aggregate %s: %v", RequestID(r.Context()), exp.ID, err)
				continue
			}

			entries = append(entries, map[string]any{
				"id":           exp.ID,
				"pretty_name":  exp.PrettyName,
				"is_public":    exp.IsPublic,
				"created_at":   exp.CreatedAt,
				"updated_at":   exp.UpdatedAt,
				"record_count": detail.TypedRecords,
			})
		}

		var userInfo any
		if authenticated {
			userInfo = session.UserName
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"experiments":   entries,
			"total_count":   len(entries),
			"authenticated": authenticated,
			"user_info":     userInfo,
		})
	}
}

// handleExperiment dispatches /manage/experiments/{id}: GET for the
// aggregated detail view, PUT/DELETE for mutations. Mutations require a
// session outright, independent of the public flag.
func handleExperiment(store *storage.Storage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		expID := strings.TrimPrefix(r.URL.Path, "/manage/experiments/")
		if expID == "" || strings.Contains(expID, "/") {
			writeError(w, http.StatusNotFound, "experiment id required")
			return
		}

		switch r.Method {
		case http.MethodGet:
			getExperiment(store, expID)(w, r)
		case http.MethodPut:
			if !requireSession(w, r) {
				return
			}
			updateExperiment(store, expID)(w, r)
		case http.MethodDelete:
			if !requireSession(w, r) {
				return
			}
			deleteExperiment(store, expID)(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func getExperiment(store *storage.Storage, expID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceIDs, err := store.ListDeviceIDs(r.Context(), expID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list devices")
			return
		}
		if len(deviceIDs) == 0 {
			writeError(w, http.StatusNotFound, "Experiment not found")
			return
		}

		// An orphaned table pair regains its metadata row here, private
		// by default.
		if err := store.EnsureExperiment(r.Context(), expID); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to ensure experiment metadata")
			return
		}

		detail, err := store.ExperimentDetailFor(r.Context(), expID)
		if err != nil {
			respondManageError(w, r, err)
			return
		}

		if auth.SessionFromContext(r.Context()) == nil && !detail.IsPublic {
			writeError(w, http.StatusForbidden, "Access denied: Experiment is private")
			return
		}

		columns := detail.Columns
		if columns == nil {
			columns = []storage.ColumnInfo{}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":          detail.ID,
			"pretty_name": detail.PrettyName,
			"is_public":   detail.IsPublic,
			"created_at":  detail.CreatedAt,
			"updated_at":  detail.UpdatedAt,
			"record_counts": map[string]int64{
				"typed":  detail.TypedRecords,
				"backup": detail.BackupRecords,
			},
			"columns": columns,
		})
	}
}

func updateExperiment(store *storage.Storage, expID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PrettyName *string `json:"pretty_name"`
			IsPublic   *bool   `json:"is_public"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		update := storage.ExperimentUpdate{PrettyName: req.PrettyName, IsPublic: req.IsPublic}
		if update.IsEmpty() {
			writeError(w, http.StatusBadRequest, "no fields to update")
			return
		}

		exp, err := store.UpdateExperiment(r.Context(), expID, update)
		if err != nil {
			respondManageError(w, r, err)
			return
		}

		session := auth.SessionFromContext(r.Context())
		log.Printf("updated experiment %s by user %s", expID, session.UserName)

		writeJSON(w, http.StatusOK, exp)
	}
}

func deleteExperiment(store *storage.Storage, expID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := store.DropExperiment(r.Context(), expID)
		if err != nil {
			respondManageError(w, r, err)
			return
		}

		session := auth.SessionFromContext(r.Context())
		log.Printf("DELETED experiment %s by user %s - %d devices, %d typed records, %d backup records",
			expID, session.UserName, len(result.Devices), result.TypedTotal, result.BackupTotal)

		writeJSON(w, http.StatusOK, map[string]any{
			"message":         "Experiment '" + expID + "' deleted successfully",
			"deleted_devices": len(result.Devices),
			"deleted_records": map[string]int64{
				"typed":  result.TypedTotal,
				"backup": result.BackupTotal,
			},
		})
	}
}

// handleManageStats handles GET /manage/stats (session required).
func handleManageStats(store *storage.Storage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !requireSession(w, r) {
			return
		}

		stats, err := store.Stats(r.Context())
		if err != nil {
			log.Printf("[%s] failed to get stats: %v", RequestID(r.Context()), err)
			writeError(w, http.StatusInternalServerError, "failed to get stats")
			return
		}

		session := auth.SessionFromContext(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{
			"experiments": map[string]int64{
				"total":   stats.TotalExperiments,
				"public":  stats.PublicExperiments,
				"private": stats.TotalExperiments - stats.PublicExperiments,
			},
			"devices": map[string]int64{"total": stats.TotalDevices},
			"records": map[string]int64{
				"total_typed":  stats.TypedRecords,
				"total_backup": stats.BackupRecords,
			},
			"user": map[string]string{"name": session.UserName},
		})
	}
}

// requireSession rejects anonymous callers of mutating endpoints.
func requireSession(w http.ResponseWriter, r *http.Request) bool {
	if auth.SessionFromContext(r.Context()) == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return false
	}
	return true
}

func respondManageError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, storage.ErrExperimentNotFound) {
		writeError(w, http.StatusNotFound, "Experiment not found")
		return
	}
	log.Printf("[%s] manage error: %v", RequestID(r.Context()), err)
	writeError(w, http.StatusInternalServerError, err.Error())
}
