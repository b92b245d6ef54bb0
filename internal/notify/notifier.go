// Package notify pushes operator alerts to chat channels (Telegram, Discord)
// with a per-event filter.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/polysniper/internal/domain"
)

// Event types.
const (
	EventPositionOpened = "position_opened"
	EventPositionClosed = "position_closed"
	EventCircuitBreaker = "circuit_breaker"
	EventBotCrashed     = "bot_crashed"
)

// Sender delivers one message to one channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans a message out to every Sender when its event type passes the
// filter. An empty filter allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether event passes the filter and any sender exists.
func (n *Notifier) Enabled(event string) bool {
	if n == nil || len(n.senders) == 0 {
		return false
	}
	return len(n.events) == 0 || n.events[event]
}

// Notify sends title and message for event. Every sender is tried; failures
// are combined into one error.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Enabled(event) {
		return nil
	}
	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.WarnContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// PositionOpened announces a new position.
func (n *Notifier) PositionOpened(ctx context.Context, p domain.Position) error {
	msg := fmt.Sprintf("%s %s\nentry %.4f, %.2f shares ($%.2f)\nz-score %.2f\n%s",
		p.Asset, p.Direction, p.EntryPrice, p.Shares, p.AmountCommitted, p.EntryZScore, p.Market.Question)
	return n.Notify(ctx, EventPositionOpened, "Position opened", msg)
}

// Name identifies the Notifier as a trade ledger sink.
func (n *Notifier) Name() string { return "notify" }

// Write announces a closed trade.
func (n *Notifier) Write(ctx context.Context, rec domain.TradeRecord) error {
	outcome := "WIN"
	if !rec.IsWin() {
		outcome = "LOSS"
	}
	msg := fmt.Sprintf("%s %s %s\n%.4f -> %.4f\npnl $%+.2f (%+.1f%%)\nreason %s, held %s",
		outcome, rec.Asset, rec.Direction, rec.EntryPrice, rec.ExitPrice,
		rec.PnL, rec.PnLPct, rec.Reason, rec.Duration.Round(time.Second))
	return n.Notify(ctx, EventPositionClosed, "Position closed", msg)
}

// CircuitBreaker announces that trading stopped after a loss streak.
func (n *Notifier) CircuitBreaker(ctx context.Context, losses int) error {
	msg := fmt.Sprintf("%d consecutive losses, no new positions will be opened", losses)
	return n.Notify(ctx, EventCircuitBreaker, "Circuit breaker tripped", msg)
}

// BotCrashed announces a crash and the delay before the restart.
func (n *Notifier) BotCrashed(ctx context.Context, cause error, restartIn time.Duration) error {
	msg := fmt.Sprintf("%v\nrestarting in %s", cause, restartIn.Round(time.Millisecond))
	return n.Notify(ctx, EventBotCrashed, "Bot crashed", msg)
}
