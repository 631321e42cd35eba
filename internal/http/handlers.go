// Package httpapi exposes the relay's plain-HTTP health and state surface.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"relay/internal/logging"
)

// StatusFunc produces the health document served at /status. It is supplied
// by the process entrypoint, backed by StreamCore/AlertOutput/FilterPipeline
// stats; if a custom provider is installed it is returned verbatim.
type StatusFunc func() any

// StateFunc produces the same snapshot sent over the dashboard socket's
// initial `state` event, served at /api/state for non-socket consumers.
type StateFunc func() any

// Options configures the HandlerSet.
type Options struct {
	Logger     *logging.Logger
	Status     StatusFunc
	State      StateFunc
	TimeSource func() time.Time
}

// HandlerSet bundles the relay's operational HTTP handlers.
type HandlerSet struct {
	logger *logging.Logger
	status StatusFunc
	state  StateFunc
	now    func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger: logger,
		status: opts.Status,
		state:  opts.State,
		now:    now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/status", h.StatusHandler())
	mux.HandleFunc("/api/state", h.StateHandler())
}

// StatusHandler serves the health document described in the dashboard
// gateway's contract: connection/events/alerts/filters.
func (h *HandlerSet) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.status == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
			})
			return
		}
		writeJSON(w, http.StatusOK, h.status())
	}
}

// StateHandler serves the same snapshot delivered via the dashboard socket's
// `state` event, for consumers without a socket connection.
func (h *HandlerSet) StateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.state == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
			})
			return
		}
		writeJSON(w, http.StatusOK, h.state())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
