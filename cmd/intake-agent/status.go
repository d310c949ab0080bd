package main

import (
	"net/http"
	"time"

	"github.com/predatorx7/intakelog/pkg/upload"
)

type StatusResponse struct {
	Status      string       `json:"status"`
	Uptime      string       `json:"uptime"`
	SessionID   string       `json:"session_id"`
	PendingLogs int          `json:"pending_logs"`
	StoredLogs  int          `json:"stored_logs"`
	UnsentLogs  int          `json:"unsent_logs"`
	QueueDepth  int          `json:"queue_depth"`
	Uploads     upload.Stats `json:"uploads"`
	StoreError  string       `json:"store_error,omitempty"`
}

var startTime = time.Now()

// HandleStatus reports pipeline health. An unavailable store is reported as
// degraded, not as a failed request.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:      "ok",
		Uptime:      time.Since(startTime).String(),
		SessionID:   h.Logger.SessionID(),
		PendingLogs: h.Logger.Pending(),
		QueueDepth:  h.Queue.Len(),
		Uploads:     h.Queue.Stats(),
	}

	count, err := h.Store.GetLogCount(r.Context())
	var unsent int
	if err == nil {
		unsent, err = h.Store.CountUnuploaded(r.Context())
	}
	if err != nil {
		resp.Status = "degraded"
		resp.StoreError = err.Error()
	} else {
		resp.StoredLogs = count
		resp.UnsentLogs = unsent
	}

	writeJSON(w, http.StatusOK, resp)
}
