package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Pinger is implemented by store backends that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles liveness and readiness checks.
type HealthHandler struct {
	store Pinger
	log   *zap.Logger
}

// NewHealthHandler accepts a nil store for backends without a remote dependency.
func NewHealthHandler(store Pinger, log *zap.Logger) *HealthHandler {
	return &HealthHandler{store: store, log: log}
}

func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	switch chi.URLParam(r, "action") {
	case "ping":
		writeJSON(w, http.StatusOK, MessageEnvelope{Success: true, Message: "pong"})
	case "ready":
		if h.store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := h.store.Ping(ctx); err != nil {
				h.log.Warn("readiness check failed", zap.Error(err))
				writeError(w, http.StatusServiceUnavailable, "store unavailable")
				return
			}
		}
		writeJSON(w, http.StatusOK, MessageEnvelope{Success: true, Message: "ready"})
	default:
		writeError(w, http.StatusBadRequest, "unknown action")
	}
}
