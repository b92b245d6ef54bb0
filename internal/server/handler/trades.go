package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polysniper/internal/domain"
)

// TradeHandler serves the session ledger and, when a database is
// configured, trade history and the audit log.
type TradeHandler struct {
	bot    BotSource
	trades domain.TradeStore
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler. trades and audit may be nil.
func NewTradeHandler(bot BotSource, trades domain.TradeStore, audit domain.AuditStore, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{
		bot:    bot,
		trades: trades,
		audit:  audit,
		logger: logger.With(slog.String("handler", "trades")),
	}
}

type tradesResponse struct {
	Trades []domain.TradeRecord `json:"trades"`
}

// ListRecent returns the newest trades of the running session.
// GET /api/trades?limit=50
func (h *TradeHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	recs, ok := h.bot.RecentTrades(parseLimit(r))
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "bot is not running")
		return
	}
	if recs == nil {
		recs = []domain.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, tradesResponse{Trades: recs})
}

// ListHistory pages through persisted trades, optionally for one run.
// GET /api/trades/history?run_id=&limit=&offset=&since=&until=
func (h *TradeHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	if h.trades == nil {
		writeError(w, http.StatusNotImplemented, "trade history requires postgres")
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "since/until must be RFC 3339")
		return
	}

	var recs []domain.TradeRecord
	if runID := r.URL.Query().Get("run_id"); runID != "" {
		recs, err = h.trades.ListByRun(r.Context(), runID)
	} else {
		recs, err = h.trades.List(r.Context(), opts)
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list trades failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}
	if recs == nil {
		recs = []domain.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, tradesResponse{Trades: recs})
}

// ListAudit pages through the audit log.
// GET /api/audit?limit=&offset=&since=&until=
func (h *TradeHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusNotImplemented, "audit log requires postgres")
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "since/until must be RFC 3339")
		return
	}
	entries, err := h.audit.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list audit failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list audit log")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
