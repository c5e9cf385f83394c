package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/docchat/internal/store"
	"github.com/go-chi/chi/v5"
)

const defaultHealthCheckTimeout = 5 * time.Second

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	tokens  store.TokenStore
	timeout time.Duration
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(tokens store.TokenStore) *HealthHandler {
	return &HealthHandler{tokens: tokens, timeout: defaultHealthCheckTimeout}
}

// Health returns the health status of the bridge and its token store.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.tokens.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["token_store"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["token_store"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
