package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"llm_flow/internal/middleware"
	"llm_flow/internal/models"
	"llm_flow/internal/storage"
	"llm_flow/internal/utils"
)

const maxIngestBody = 4 << 20

func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	if d.Health != nil {
		if err := d.Health.Health(r.Context()); err != nil {
			d.Logger.Error("Health check failed", "error", err)
			utils.RespondWithError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleIngest accepts an assembled entry from a remote tracker and hands it
// to the configured transports.
func (d *Dependencies) handleIngest(w http.ResponseWriter, r *http.Request) {
	var entry models.LogEntry
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err := dec.Decode(&entry); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid log entry: "+err.Error())
		return
	}
	if entry.RequestID == "" || entry.SessionID == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "requestId and sessionId are required")
		return
	}

	source := "anonymous"
	if key, ok := middleware.GetAPIKey(r.Context()); ok {
		source = key.Name
	}
	d.Logger.Debug("Entry received", "request_id", entry.RequestID, "source", source)

	d.Transport.Send(context.WithoutCancel(r.Context()), &entry)

	if entry.Meta.RequestCost != nil && *entry.Meta.RequestCost > 0 {
		model := ""
		if entry.Request.Model != nil {
			model = *entry.Request.Model
		}
		if err := d.Spend.AddSpend(r.Context(), entry.SessionID, model, *entry.Meta.RequestCost); err != nil {
			d.Logger.Warn("Failed to record spend", "request_id", entry.RequestID, "error", err)
		}
	}

	utils.RespondWithJSON(w, http.StatusAccepted, map[string]string{"requestId": entry.RequestID})
}

func (d *Dependencies) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	if d.Entries == nil {
		utils.RespondWithError(w, http.StatusNotImplemented, "entry storage is not configured")
		return
	}

	requestID := chi.URLParam(r, "requestID")
	entry, err := d.Entries.GetByRequestID(r.Context(), requestID)
	if errors.Is(err, storage.ErrLogEntryNotFound) {
		utils.RespondWithError(w, http.StatusNotFound, "log entry not found")
		return
	}
	if err != nil {
		d.Logger.Error("Failed to get log entry", "request_id", requestID, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to get log entry")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, entry)
}

func (d *Dependencies) handleListSession(w http.ResponseWriter, r *http.Request) {
	if d.Entries == nil {
		utils.RespondWithError(w, http.StatusNotImplemented, "entry storage is not configured")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			utils.RespondWithError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	sessionID := chi.URLParam(r, "sessionID")
	entries, err := d.Entries.ListBySession(r.Context(), sessionID, limit)
	if err != nil {
		d.Logger.Error("Failed to list session entries", "session_id", sessionID, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to list log entries")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"entries":   entries,
	})
}

func (d *Dependencies) handleSessionSummary(w http.ResponseWriter, r *http.Request) {
	if d.Entries == nil {
		utils.RespondWithError(w, http.StatusNotImplemented, "entry storage is not configured")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	summary, err := d.Entries.SummarizeSession(r.Context(), sessionID)
	if err != nil {
		d.Logger.Error("Failed to summarize session", "session_id", sessionID, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to summarize session")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, summary)
}

func (d *Dependencies) handleSessionSpend(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	spend, err := d.Spend.Spend(r.Context(), sessionID)
	if err != nil {
		d.Logger.Error("Failed to read spend", "session_id", sessionID, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to read spend")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"spendUsd":  spend,
	})
}
