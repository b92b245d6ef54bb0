package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"time"

	"github.com/alanyoungcy/polysniper/internal/domain"
	"github.com/alanyoungcy/polysniper/internal/ledger"
	"github.com/alanyoungcy/polysniper/internal/notify"
)

// Dashboard event names. trade_closed is produced by the ledger sinks.
const (
	eventBotStarted     = "bot_started"
	eventBotStopped     = "bot_stopped"
	eventBotCrashed     = notify.EventBotCrashed
	eventPositionOpened = notify.EventPositionOpened
	eventCircuitBreaker = notify.EventCircuitBreaker
	eventTradeClosed    = "trade_closed"
)

// publisher is the WebSocket hub.
type publisher interface {
	Publish(name string, payload []byte)
}

// events delivers lifecycle events to dashboard clients. With a bus they are
// appended to the shared stream the hub follows; without one they go straight
// to the hub.
type events struct {
	bus    domain.EventBus
	hub    publisher
	logger *slog.Logger
	now    func() time.Time
}

func newEvents(bus domain.EventBus, hub publisher, logger *slog.Logger) *events {
	return &events{
		bus:    bus,
		hub:    hub,
		logger: logger.With(slog.String("component", "events")),
		now:    time.Now,
	}
}

func (e *events) emit(ctx context.Context, name string, fields map[string]any) {
	if e == nil || (e.bus == nil && e.hub == nil) {
		return
	}
	msg := map[string]any{
		"event": name,
		"time":  e.now().UTC().Format(time.RFC3339),
	}
	maps.Copy(msg, fields)
	data, err := json.Marshal(msg)
	if err != nil {
		e.logger.WarnContext(ctx, "encode event", slog.String("event", name), slog.String("error", err.Error()))
		return
	}

	if e.bus != nil {
		if err := e.bus.StreamAppend(ctx, ledger.EventsStream, data); err != nil {
			e.logger.WarnContext(ctx, "append event", slog.String("event", name), slog.String("error", err.Error()))
		}
		return
	}
	e.hub.Publish(name, data)
}

// tradeSink mirrors closed trades to the hub when no bus carries them.
func (e *events) tradeSink() ledger.Sink {
	return ledger.SinkFunc{
		Label: "events",
		Fn: func(ctx context.Context, rec domain.TradeRecord) error {
			e.emit(ctx, eventTradeClosed, map[string]any{
				"position_id": rec.PositionID,
				"run_id":      rec.RunID,
				"asset":       rec.Asset,
				"direction":   rec.Direction,
				"pnl":         rec.PnL,
				"pnl_pct":     rec.PnLPct,
				"reason":      rec.Reason,
				"exit_time":   rec.ExitTime.Format(time.RFC3339),
			})
			return nil
		},
	}
}

func positionFields(p domain.Position) map[string]any {
	return map[string]any{
		"position_id":  p.ID,
		"asset":        p.Asset,
		"direction":    p.Direction,
		"entry_price":  p.EntryPrice,
		"shares":       p.Shares,
		"amount":       p.AmountCommitted,
		"entry_zscore": p.EntryZScore,
		"market_id":    p.Market.ID,
	}
}
