package handler

import "net/http"

// StatusHandler serves the bot snapshot.
type StatusHandler struct {
	bot BotSource
}

func NewStatusHandler(bot BotSource) *StatusHandler {
	return &StatusHandler{bot: bot}
}

// GetStatus answers 503 while the supervisor is between bots.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	st, ok := h.bot.Status()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "bot is not running")
		return
	}
	writeJSON(w, http.StatusOK, st)
}
