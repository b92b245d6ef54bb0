// Package position owns the open positions, their exit rules and the
// consecutive-loss circuit breaker.
package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/polysniper/internal/domain"
)

// Config bounds capacity and exits.
type Config struct {
	MaxPositions          int
	ExitZScoreThreshold   float64
	ForceExitBeforeExpiry time.Duration
	MaxConsecutiveLosses  int
	WarnConsecutiveLosses int
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		MaxPositions:          2,
		ExitZScoreThreshold:   0.5,
		ForceExitBeforeExpiry: 120 * time.Second,
		MaxConsecutiveLosses:  5,
		WarnConsecutiveLosses: 3,
	}
}

// Recorder persists closed trades.
type Recorder interface {
	Record(ctx context.Context, rec domain.TradeRecord)
}

// Hooks are optional callbacks invoked after state changes, outside the
// manager lock.
type Hooks struct {
	OnOpen           func(ctx context.Context, p domain.Position)
	OnClose          func(ctx context.Context, p domain.Position, rec domain.TradeRecord)
	OnCircuitBreaker func(ctx context.Context, losses int)
}

// ZScoreLookup returns the current z-score for an asset.
type ZScoreLookup func(asset domain.Asset) float64

// Exit describes a position closed by ProcessExits or CloseAll.
type Exit struct {
	Position domain.Position
	Reason   domain.ExitReason
	Trade    domain.TradeRecord
}

// Manager tracks open positions in insertion order. All methods are safe
// for concurrent use; mutations are expected from a single caller.
type Manager struct {
	cfg      Config
	exec     domain.ExecutionService
	recorder Recorder
	hooks    Hooks
	runID    string
	logger   *slog.Logger
	now      func() time.Time

	mu                sync.RWMutex
	positions         map[string]domain.Position
	order             []string
	counter           int
	consecutiveLosses int
	stopped           bool
}

// NewManager creates a Manager. recorder may be nil.
func NewManager(cfg Config, exec domain.ExecutionService, recorder Recorder, runID string, logger *slog.Logger) *Manager {
	if cfg.MaxConsecutiveLosses <= 0 {
		cfg.MaxConsecutiveLosses = 5
	}
	if cfg.WarnConsecutiveLosses <= 0 {
		cfg.WarnConsecutiveLosses = 3
	}
	return &Manager{
		cfg:       cfg,
		exec:      exec,
		recorder:  recorder,
		runID:     runID,
		logger:    logger.With(slog.String("component", "position")),
		now:       time.Now,
		positions: make(map[string]domain.Position),
	}
}

// SetHooks installs callbacks. Call before the manager is used.
func (m *Manager) SetHooks(h Hooks) { m.hooks = h }

// CanOpen reports whether a new position on asset fits the capacity and
// one-per-asset limits.
func (m *Manager) CanOpen(asset domain.Asset) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.positions) >= m.cfg.MaxPositions {
		return false
	}
	for _, p := range m.positions {
		if p.Asset == asset {
			return false
		}
	}
	return true
}

// ShouldStop reports whether the circuit breaker has tripped.
func (m *Manager) ShouldStop() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stopped
}

// ConsecutiveLosses returns the current losing streak.
func (m *Manager) ConsecutiveLosses() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.consecutiveLosses
}

// Count returns the number of open positions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.positions)
}

// Positions returns the open positions in insertion order.
func (m *Manager) Positions() []domain.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Position, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.positions[id])
	}
	return out
}

// Open records a position for a filled entry. The entry price is the fill
// price, falling back to the token midpoint and then to 0.5.
func (m *Manager) Open(ctx context.Context, market domain.Market, sig domain.Signal, res domain.ExecutionResult) (domain.Position, error) {
	if !res.Success {
		return domain.Position{}, fmt.Errorf("position: open on failed execution: %w", errOrUnknown(res.Err))
	}

	tokenID := market.TokenFor(sig.Direction)
	entry := res.AvgPrice
	if entry <= 0 {
		mid, err := m.exec.GetMidpoint(ctx, tokenID)
		if err != nil || mid <= 0 {
			m.logger.WarnContext(ctx, "no fill price or midpoint, assuming 0.5",
				slog.String("token_id", tokenID),
				slog.Any("error", err),
			)
			mid = 0.5
		}
		entry = mid
	}
	shares := res.Shares
	if shares <= 0 {
		shares = res.AmountSettled / entry
	}

	now := m.now()

	m.mu.Lock()
	if len(m.positions) >= m.cfg.MaxPositions {
		m.mu.Unlock()
		return domain.Position{}, fmt.Errorf("position: capacity %d reached", m.cfg.MaxPositions)
	}
	for _, open := range m.positions {
		if open.Asset == market.Asset {
			m.mu.Unlock()
			return domain.Position{}, fmt.Errorf("position: %s already open as %s", market.Asset, open.ID)
		}
	}
	m.counter++
	p := domain.Position{
		ID:              fmt.Sprintf("pos_%s_%04d", now.UTC().Format("20060102150405"), m.counter),
		Asset:           market.Asset,
		Direction:       sig.Direction,
		TokenID:         tokenID,
		OrderID:         res.OrderID,
		EntryPrice:      entry,
		Shares:          shares,
		AmountCommitted: res.AmountSettled,
		EntryZScore:     sig.ZScore,
		EntryTime:       now,
		Market:          market,
	}
	m.positions[p.ID] = p
	m.order = append(m.order, p.ID)
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "opened position",
		slog.String("position_id", p.ID),
		slog.String("asset", string(p.Asset)),
		slog.String("direction", string(p.Direction)),
		slog.Float64("entry_price", p.EntryPrice),
		slog.Float64("shares", p.Shares),
		slog.Float64("amount", p.AmountCommitted),
		slog.Float64("entry_zscore", p.EntryZScore),
	)
	if m.hooks.OnOpen != nil {
		m.hooks.OnOpen(ctx, p)
	}
	return p, nil
}

// CheckExit returns the exit reason for p at z-score z, or nil to hold.
func (m *Manager) CheckExit(p domain.Position, z float64, now time.Time) *domain.ExitReason {
	return checkExit(p, z, m.cfg.ExitZScoreThreshold, m.cfg.ForceExitBeforeExpiry, now)
}

// Close sells p. On failure the position stays open. On success the
// position is removed and its trade recorded in one critical section.
func (m *Manager) Close(ctx context.Context, p domain.Position, reason domain.ExitReason) (domain.TradeRecord, error) {
	m.logger.InfoContext(ctx, "closing position",
		slog.String("position_id", p.ID),
		slog.String("reason", string(reason.Code)),
		slog.String("description", reason.Description),
	)

	res := m.exec.SellPosition(ctx, p.TokenID, p.Shares)
	if !res.Success {
		err := errOrUnknown(res.Err)
		m.logger.ErrorContext(ctx, "close failed, position kept",
			slog.String("position_id", p.ID),
			slog.String("error", err.Error()),
		)
		return domain.TradeRecord{}, fmt.Errorf("position: close %s: %w", p.ID, err)
	}

	now := m.now()
	proceeds := res.Shares * res.AvgPrice
	pnl := proceeds - p.AmountCommitted
	rec := domain.TradeRecord{
		PositionID: p.ID,
		RunID:      m.runID,
		Asset:      p.Asset,
		Direction:  p.Direction,
		EntryPrice: p.EntryPrice,
		ExitPrice:  res.AvgPrice,
		Shares:     p.Shares,
		Amount:     p.AmountCommitted,
		PnL:        pnl,
		Duration:   now.Sub(p.EntryTime),
		EntryTime:  p.EntryTime,
		ExitTime:   now,
		Reason:     reason.Code,
		EntryZ:     p.EntryZScore,
		ExitZ:      reason.ZScore,
	}
	if p.AmountCommitted > 0 {
		rec.PnLPct = pnl / p.AmountCommitted * 100
	}

	m.mu.Lock()
	if _, ok := m.positions[p.ID]; !ok {
		m.mu.Unlock()
		return domain.TradeRecord{}, fmt.Errorf("position: %s: %w", p.ID, domain.ErrNotFound)
	}
	m.remove(p.ID)
	if m.recorder != nil {
		m.recorder.Record(ctx, rec)
	}
	losses, tripped := m.trackOutcome(pnl)
	m.mu.Unlock()

	m.logOutcome(ctx, p, rec, losses, tripped)
	if m.hooks.OnClose != nil {
		m.hooks.OnClose(ctx, p, rec)
	}
	if tripped && m.hooks.OnCircuitBreaker != nil {
		m.hooks.OnCircuitBreaker(ctx, losses)
	}
	return rec, nil
}

// ProcessExits evaluates every open position, in insertion order, against
// its current z-score and closes those with an exit reason. A failure on
// one position does not stop the others; failures are joined.
func (m *Manager) ProcessExits(ctx context.Context, lookup ZScoreLookup) ([]Exit, error) {
	var closed []Exit
	var errs []error
	for _, p := range m.Positions() {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		reason := m.CheckExit(p, lookup(p.Asset), m.now())
		if reason == nil {
			continue
		}
		rec, err := m.Close(ctx, p, *reason)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		closed = append(closed, Exit{Position: p, Reason: *reason, Trade: rec})
	}
	return closed, errors.Join(errs...)
}

// CloseAll closes every open position with the given reason code.
func (m *Manager) CloseAll(ctx context.Context, code domain.ExitCode) ([]Exit, error) {
	var closed []Exit
	var errs []error
	for _, p := range m.Positions() {
		reason := domain.ExitReason{Code: code, Description: "closing all positions: " + string(code)}
		rec, err := m.Close(ctx, p, reason)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		closed = append(closed, Exit{Position: p, Reason: reason, Trade: rec})
	}
	return closed, errors.Join(errs...)
}

// PositionStatus is one row of Status.
type PositionStatus struct {
	ID           string           `json:"id"`
	Asset        domain.Asset     `json:"asset"`
	Direction    domain.Direction `json:"direction"`
	Shares       float64          `json:"shares"`
	EntryPrice   float64          `json:"entry_price"`
	AgeSeconds   int64            `json:"age_seconds"`
	TimeToExpiry int64            `json:"time_to_expiry"`
}

// Status summarises the manager for logs and the status endpoint.
type Status struct {
	Open              int              `json:"open_positions"`
	Max               int              `json:"max_positions"`
	ConsecutiveLosses int              `json:"consecutive_losses"`
	Stopped           bool             `json:"stopped"`
	Positions         []PositionStatus `json:"positions"`
}

// Status returns a snapshot at the current time.
func (m *Manager) Status() Status {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Status{
		Open:              len(m.positions),
		Max:               m.cfg.MaxPositions,
		ConsecutiveLosses: m.consecutiveLosses,
		Stopped:           m.stopped,
		Positions:         make([]PositionStatus, 0, len(m.order)),
	}
	for _, id := range m.order {
		p := m.positions[id]
		st.Positions = append(st.Positions, PositionStatus{
			ID:           p.ID,
			Asset:        p.Asset,
			Direction:    p.Direction,
			Shares:       p.Shares,
			EntryPrice:   p.EntryPrice,
			AgeSeconds:   int64(p.Age(now) / time.Second),
			TimeToExpiry: p.SecondsToExpiry(now),
		})
	}
	return st
}

// remove deletes id. Caller holds mu.
func (m *Manager) remove(id string) {
	delete(m.positions, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// trackOutcome updates the losing streak. It reports whether this close
// tripped the breaker. Caller holds mu.
func (m *Manager) trackOutcome(pnl float64) (losses int, tripped bool) {
	if pnl >= 0 {
		m.consecutiveLosses = 0
		return 0, false
	}
	m.consecutiveLosses++
	if m.consecutiveLosses >= m.cfg.MaxConsecutiveLosses && !m.stopped {
		m.stopped = true
		tripped = true
	}
	return m.consecutiveLosses, tripped
}

func (m *Manager) logOutcome(ctx context.Context, p domain.Position, rec domain.TradeRecord, losses int, tripped bool) {
	attrs := []any{
		slog.String("position_id", p.ID),
		slog.String("reason", string(rec.Reason)),
		slog.Float64("pnl", rec.PnL),
		slog.Float64("pnl_pct", rec.PnLPct),
	}
	if rec.PnL >= 0 {
		m.logger.InfoContext(ctx, "position closed in profit", attrs...)
		return
	}
	m.logger.WarnContext(ctx, "position closed at a loss", append(attrs, slog.Int("consecutive_losses", losses))...)

	switch {
	case tripped || losses >= m.cfg.MaxConsecutiveLosses:
		m.logger.ErrorContext(ctx, "circuit breaker tripped, no new entries",
			slog.Bool("critical", true),
			slog.Int("consecutive_losses", losses),
		)
	case losses >= m.cfg.WarnConsecutiveLosses:
		m.logger.WarnContext(ctx, "losing streak",
			slog.Int("consecutive_losses", losses),
			slog.Int("remaining_before_stop", m.cfg.MaxConsecutiveLosses-losses),
		)
	}
}

func errOrUnknown(err error) error {
	if err != nil {
		return err
	}
	return errors.New("execution failed without error detail")
}
