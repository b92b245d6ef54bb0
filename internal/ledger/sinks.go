package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/polysniper/internal/domain"
)

// Event bus channel and stream names. The bus adds its key prefix.
const (
	TradesChannel = "trades"
	EventsStream  = "events"
)

// StoreSink persists trades to a TradeStore.
type StoreSink struct{ Store domain.TradeStore }

func (StoreSink) Name() string { return "store" }

func (s StoreSink) Write(ctx context.Context, rec domain.TradeRecord) error {
	if err := s.Store.Insert(ctx, rec); err != nil {
		return fmt.Errorf("ledger: store trade %s: %w", rec.PositionID, err)
	}
	return nil
}

// BusSink publishes a trade_closed event and appends it to the event stream.
type BusSink struct{ Bus domain.EventBus }

func (BusSink) Name() string { return "bus" }

func (s BusSink) Write(ctx context.Context, rec domain.TradeRecord) error {
	evt, err := json.Marshal(map[string]any{
		"event":       "trade_closed",
		"position_id": rec.PositionID,
		"run_id":      rec.RunID,
		"asset":       rec.Asset,
		"direction":   rec.Direction,
		"pnl":         rec.PnL,
		"pnl_pct":     rec.PnLPct,
		"reason":      rec.Reason,
		"exit_time":   rec.ExitTime.Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("ledger: encode trade event: %w", err)
	}
	if err := s.Bus.Publish(ctx, TradesChannel, evt); err != nil {
		return fmt.Errorf("ledger: publish trade event: %w", err)
	}
	if err := s.Bus.StreamAppend(ctx, EventsStream, evt); err != nil {
		return fmt.Errorf("ledger: append trade event: %w", err)
	}
	return nil
}

// SinkFunc adapts a function to Sink.
type SinkFunc struct {
	Label string
	Fn    func(ctx context.Context, rec domain.TradeRecord) error
}

func (f SinkFunc) Name() string { return f.Label }

func (f SinkFunc) Write(ctx context.Context, rec domain.TradeRecord) error { return f.Fn(ctx, rec) }
