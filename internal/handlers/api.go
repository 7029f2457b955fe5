package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"osmcache/internal/app"
	"osmcache/internal/auth"
	"osmcache/internal/database"
	"osmcache/internal/model"
	"osmcache/internal/osm"
	"osmcache/internal/projection"
	"osmcache/internal/syncer"
)

// DefaultProjectionTerms is used when /projection has no terms parameter
const DefaultProjectionTerms = 3

// APIHandler serves status, sync, projection and auth actions
type APIHandler struct {
	app    *app.App
	logger *slog.Logger
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(a *app.App) *APIHandler {
	return &APIHandler{
		app:    a,
		logger: slog.Default(),
	}
}

// HandleStatus handles GET /status
func (h *APIHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status, err := h.app.Status(r.Context())
	if err != nil {
		h.logger.Error("Failed to build status", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// HandleSyncAll handles POST /sync
func (h *APIHandler) HandleSyncAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	res, err := h.app.Sync.SyncAll(r.Context())
	h.writeSyncResult(w, res, err)
}

// HandleSyncDataset handles POST /sync/{dataset}?partition=
func (h *APIHandler) HandleSyncDataset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	dataset := r.PathValue("dataset")
	partition := r.URL.Query().Get("partition")
	res, err := h.app.Sync.RefreshDataset(r.Context(), dataset, partition)
	if errors.Is(err, syncer.ErrUnknownDataset) || errors.Is(err, syncer.ErrUnknownPartition) {
		writeError(w, err)
		return
	}
	h.writeSyncResult(w, res, err)
}

// writeSyncResult reports a refused sync as a conflict. Any other stop is
// described by the result's outcome.
func (h *APIHandler) writeSyncResult(w http.ResponseWriter, res syncer.Result, err error) {
	var notReady *auth.NotReadyError
	if errors.As(err, &notReady) {
		writeJSON(w, http.StatusConflict, res)
		return
	}
	if err != nil {
		h.logger.Warn("Sync stopped", "outcome", res.Outcome, "error", err)
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleProjection handles GET /projection?terms=N&today=YYYY-MM-DD
func (h *APIHandler) HandleProjection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	terms := DefaultProjectionTerms
	if s := query.Get("terms"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			http.Error(w, "Invalid terms parameter", http.StatusBadRequest)
			return
		}
		terms = n
	}
	today, err := model.ParseDate(query.Get("today"))
	if err != nil {
		http.Error(w, "Invalid today parameter", http.StatusBadRequest)
		return
	}

	p, err := h.app.Project(r.Context(), terms, today)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleAuthAction handles POST /auth/{action}
func (h *APIHandler) HandleAuthAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	machine := h.app.Auth
	resp := map[string]any{}
	var state auth.State
	var err error

	switch action := r.PathValue("action"); action {
	case "offline":
		state = machine.StayOffline()
	case "relogin":
		state = machine.Relogin()
		if state == auth.StateSyncing {
			redirect := (&OAuthHandler{app: h.app}).redirectURI(r)
			authURL, _, urlErr := h.app.Login.AuthURL(r.Context(), redirect)
			if urlErr != nil {
				h.logger.Error("Failed to generate auth URL", "error", urlErr)
			} else {
				resp["authUrl"] = authURL
			}
		}
	case "logout":
		err = machine.Logout(r.Context())
		state = machine.State()
	case "unblock":
		state, err = machine.Unblock(r.Context())
	case "reconnect":
		state, err = machine.Reconnect(r.Context())
	default:
		http.Error(w, "Unknown action", http.StatusNotFound)
		return
	}

	resp["state"] = state
	if err != nil {
		h.logger.Warn("Auth action failed", "error", err)
		resp["error"] = err.Error()
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleClearCache handles POST /cache/clear
func (h *APIHandler) HandleClearCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.app.Sync.ClearCache(r.Context()); err != nil {
		h.logger.Error("Failed to clear cache", "error", err)
		writeError(w, err)
		return
	}
	state := h.app.Auth.Evaluate("cache_cleared")
	writeJSON(w, http.StatusOK, map[string]any{"state": state})
}

// HandleHealth handles GET /health
func (h *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.app.DB.Health(); err != nil {
		h.logger.Error("Health check failed", "error", err)
		http.Error(w, "Store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// statusFor maps an error to the HTTP status that describes it
func statusFor(err error) int {
	var notReady *auth.NotReadyError
	switch {
	case errors.As(err, &notReady), errors.Is(err, auth.ErrNoToken):
		return http.StatusConflict
	case errors.Is(err, syncer.ErrUnknownDataset), errors.Is(err, syncer.ErrUnknownPartition):
		return http.StatusNotFound
	case errors.Is(err, projection.ErrInvalidTermCount):
		return http.StatusBadRequest
	case osm.IsRateBlocked(err):
		return http.StatusTooManyRequests
	case osm.IsAuthExpired(err):
		return http.StatusUnauthorized
	case osm.IsTransport(err):
		return http.StatusBadGateway
	case database.IsQuotaExceeded(err):
		return http.StatusInsufficientStorage
	case database.IsStoreUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("Failed to encode response", "error", err)
	}
}
