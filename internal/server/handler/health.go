package handler

import (
	"net/http"
	"time"
)

// HealthHandler reports liveness of the process and whether a bot is running.
type HealthHandler struct {
	bot BotSource
}

func NewHealthHandler(bot BotSource) *HealthHandler {
	return &HealthHandler{bot: bot}
}

// HealthCheck always answers 200 while the process serves.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	_, running := h.bot.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"bot_running": running,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}
