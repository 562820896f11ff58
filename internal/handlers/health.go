package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

type HealthHandler struct {
	providers func() []string
	logger    *slog.Logger
}

// NewHealthHandler reports liveness and the configured provider names.
func NewHealthHandler(providers func() []string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		providers: providers,
		logger:    logger,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if h.providers != nil {
		body["providers"] = h.providers()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to write health check response", "error", err)
	}
}
