package api

import (
	"context"
	"net/http"
	"time"

	"github.com/snarg/voice-sentinel/internal/archive"
	"github.com/snarg/voice-sentinel/internal/watch"
)

// DBChecker reports database health.
type DBChecker interface {
	HealthCheck(ctx context.Context) error
}

// MQTTStatus reports broker connectivity.
type MQTTStatus interface {
	IsConnected() bool
}

// WatcherStatus reports the watch-folder state.
type WatcherStatus interface {
	Status() watch.Status
}

// ArchiveStats reports the archive queue.
type ArchiveStats interface {
	Stats() archive.QueueStats
}

type HealthResponse struct {
	Status        string              `json:"status"`
	Version       string              `json:"version"`
	UptimeSeconds int64               `json:"uptime_seconds"`
	Checks        map[string]string   `json:"checks"`
	Sessions      int                 `json:"sessions"`
	Watcher       *watch.Status       `json:"watcher,omitempty"`
	Archive       *archive.QueueStats `json:"archive,omitempty"`
}

// HealthOptions lists the dependencies the health check reports on. Nil
// members are reported as not configured.
type HealthOptions struct {
	DB            DBChecker
	MQTT          MQTTStatus
	Watcher       WatcherStatus
	Archive       ArchiveStats
	ClassifierURL string
	Sessions      func() int
	Version       string
	StartTime     time.Time
}

type HealthHandler struct {
	opts HealthOptions
}

func NewHealthHandler(opts HealthOptions) *HealthHandler {
	return &HealthHandler{opts: opts}
}

// Liveness handles GET /health with a bare status body.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	if h.opts.ClassifierURL != "" {
		checks["classifier"] = "configured"
	} else {
		checks["classifier"] = "not_configured"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	// Database check
	if h.opts.DB != nil {
		if err := h.opts.DB.HealthCheck(r.Context()); err != nil {
			checks["database"] = "error"
			if status == "healthy" {
				status = "degraded"
			}
		} else {
			checks["database"] = "ok"
		}
	} else {
		checks["database"] = "not_configured"
	}

	// MQTT check
	if h.opts.MQTT != nil {
		if h.opts.MQTT.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.opts.Version,
		UptimeSeconds: int64(time.Since(h.opts.StartTime).Seconds()),
		Checks:        checks,
	}
	if h.opts.Sessions != nil {
		resp.Sessions = h.opts.Sessions()
	}

	// File watcher check
	if h.opts.Watcher != nil {
		ws := h.opts.Watcher.Status()
		checks["file_watcher"] = ws.Status
		resp.Watcher = &ws
	}
	if h.opts.Archive != nil {
		st := h.opts.Archive.Stats()
		checks["archive"] = "ok"
		resp.Archive = &st
	}

	WriteJSON(w, httpStatus, resp)
}
