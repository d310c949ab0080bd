package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/predatorx7/intakelog/pkg/auth"
	"github.com/predatorx7/intakelog/pkg/export"
	"github.com/predatorx7/intakelog/pkg/logger"
	"github.com/predatorx7/intakelog/pkg/model"
	"github.com/predatorx7/intakelog/pkg/storage"
	"github.com/predatorx7/intakelog/pkg/upload"
)

// Facade is the part of *logger.Logger the HTTP surface drives.
type Facade interface {
	Record(ev logger.Event)
	ForceFlush(ctx context.Context) error
	SetPatientID(ctx context.Context, id string) error
	ClearPatientID(ctx context.Context) error
	StartNewPatientSession(ctx context.Context) (string, error)
	SetUserID(id string)
	SetLocation(url, route string)
	Pending() int
	SessionID() string
}

type Trigger interface {
	Trigger(ctx context.Context) (int, error)
}

type Store interface {
	export.Source
	GetLogCount(ctx context.Context) (int, error)
	CountUnuploaded(ctx context.Context) (int, error)
}

type QueueStats interface {
	Len() int
	Stats() upload.Stats
}

type Handler struct {
	Logger   Facade
	Uploader Trigger
	Store    Store
	Queue    QueueStats
	Verifier func(string) (bool, string, error)
}

// LogRequest is one entry sent by the intake application.
type LogRequest struct {
	Level   string           `json:"level"`
	Message string           `json:"message"`
	Context map[string]any   `json:"context,omitempty"`
	Error   *model.ErrorInfo `json:"error,omitempty"`
	URL     string           `json:"url,omitempty"`
	Route   string           `json:"route,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequireAPIKey rejects requests without a valid X-API-Key.
func (h *Handler) RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get(auth.HeaderAPIKey)
		if apiKey == "" {
			http.Error(w, "Missing API Key", http.StatusUnauthorized)
			return
		}
		valid, _, err := h.Verifier(apiKey)
		if !valid || err != nil {
			http.Error(w, "Invalid API Key", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) HandleLogs(w http.ResponseWriter, r *http.Request) {
	var reqs []LogRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		http.Error(w, "Invalid Payload", http.StatusBadRequest)
		return
	}

	events := make([]logger.Event, 0, len(reqs))
	for _, req := range reqs {
		level := model.LevelInfo
		if req.Level != "" {
			parsed, err := model.ParseLevel(req.Level)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			level = parsed
		}
		if strings.TrimSpace(req.Message) == "" {
			http.Error(w, "Missing message", http.StatusBadRequest)
			return
		}
		events = append(events, logger.Event{
			Level:   level,
			Message: req.Message,
			Context: req.Context,
			Error:   req.Error,
			URL:     req.URL,
			Route:   req.Route,
		})
	}

	for _, ev := range events {
		h.Logger.Record(ev)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "count": len(events)})
}

// HandleFlush persists pending entries and starts an upload.
func (h *Handler) HandleFlush(w http.ResponseWriter, r *http.Request) {
	if err := h.Logger.ForceFlush(r.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrStorageUnavailable) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, "Flush failed: "+err.Error(), status)
		return
	}
	n, err := h.Uploader.Trigger(r.Context())
	if err != nil {
		http.Error(w, "Upload trigger failed: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flushed": true, "batches": n})
}

func (h *Handler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	n, err := h.Uploader.Trigger(r.Context())
	if err != nil {
		http.Error(w, "Upload trigger failed: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"batches": n})
}

// HandlePatient sets the current patient. An empty id clears it.
func (h *Handler) HandlePatient(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PatientID string `json:"patientId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid Payload", http.StatusBadRequest)
		return
	}

	var err error
	if model.IsSentinel(body.PatientID) {
		err = h.Logger.ClearPatientID(r.Context())
	} else {
		err = h.Logger.SetPatientID(r.Context(), strings.TrimSpace(body.PatientID))
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandlePatientSession(w http.ResponseWriter, r *http.Request) {
	id, err := h.Logger.StartNewPatientSession(r.Context())
	if err != nil {
		// The new session is in effect for this process even if it was not persisted.
		writeJSON(w, http.StatusOK, map[string]any{"patientSessionId": id, "persisted": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"patientSessionId": id, "persisted": true})
}

func (h *Handler) HandleUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid Payload", http.StatusBadRequest)
		return
	}
	h.Logger.SetUserID(body.UserID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleLocation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL   string `json:"url"`
		Route string `json:"route"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid Payload", http.StatusBadRequest)
		return
	}
	h.Logger.SetLocation(body.URL, body.Route)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleExportJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="logs_export.json"`)
	if _, err := export.WriteJSON(r.Context(), h.Store, w); err != nil {
		http.Error(w, "Export failed: "+err.Error(), http.StatusServiceUnavailable)
	}
}
