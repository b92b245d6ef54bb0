// Package ledger keeps the session's closed trades, derives running
// statistics from them and fans each record out to persistence sinks.
package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/polysniper/internal/domain"
)

// Sink receives every recorded trade. Errors are logged, never returned to
// the trading loop.
type Sink interface {
	Name() string
	Write(ctx context.Context, rec domain.TradeRecord) error
}

// BalanceSource reports an account balance, such as the paper account.
type BalanceSource interface {
	Balance() float64
	InitialBalance() float64
}

const sinkTimeout = 10 * time.Second

// Ledger is safe for concurrent use.
type Ledger struct {
	initial float64
	balance BalanceSource
	logger  *slog.Logger

	mu     sync.RWMutex
	trades []domain.TradeRecord
	sinks  []Sink
	wg     sync.WaitGroup
}

// New creates a Ledger. initial is the reference bankroll used for pnl
// percentages when balance is nil.
func New(initial float64, balance BalanceSource, logger *slog.Logger) *Ledger {
	if balance != nil {
		initial = balance.InitialBalance()
	}
	return &Ledger{
		initial: initial,
		balance: balance,
		logger:  logger.With(slog.String("component", "ledger")),
	}
}

// AddSink registers s for all subsequent records.
func (l *Ledger) AddSink(s Sink) {
	l.mu.Lock()
	l.sinks = append(l.sinks, s)
	l.mu.Unlock()
}

// Record appends rec to the history and dispatches it to the sinks in the
// background.
func (l *Ledger) Record(ctx context.Context, rec domain.TradeRecord) {
	l.mu.Lock()
	l.trades = append(l.trades, rec)
	sinks := l.sinks
	l.mu.Unlock()

	if len(sinks) == 0 {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
		defer cancel()
		for _, s := range sinks {
			if err := s.Write(sctx, rec); err != nil {
				l.logger.WarnContext(sctx, "trade sink failed",
					slog.String("sink", s.Name()),
					slog.String("position_id", rec.PositionID),
					slog.String("error", err.Error()),
				)
			}
		}
	}()
}

// Flush waits for pending sink writes or ctx expiry.
func (l *Ledger) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trades returns a copy of every recorded trade, oldest first.
func (l *Ledger) Trades() []domain.TradeRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.TradeRecord, len(l.trades))
	copy(out, l.trades)
	return out
}

// RunTrades returns the trades closed during runID, oldest first.
func (l *Ledger) RunTrades(runID string) []domain.TradeRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []domain.TradeRecord
	for _, rec := range l.trades {
		if rec.RunID == runID {
			out = append(out, rec)
		}
	}
	return out
}

// Recent returns up to n of the newest trades, newest last.
func (l *Ledger) Recent(n int) []domain.TradeRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 || n > len(l.trades) {
		n = len(l.trades)
	}
	out := make([]domain.TradeRecord, n)
	copy(out, l.trades[len(l.trades)-n:])
	return out
}

// Stats summarises the session.
func (l *Ledger) Stats() domain.TradeStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st := domain.TradeStats{
		InitialBalance: l.initial,
		TotalTrades:    len(l.trades),
	}
	for _, t := range l.trades {
		st.TotalPnL += t.PnL
		if t.IsWin() {
			st.WinningTrades++
		} else {
			st.LosingTrades++
		}
	}
	if st.TotalTrades > 0 {
		st.WinRate = float64(st.WinningTrades) / float64(st.TotalTrades) * 100
		st.AvgPnL = st.TotalPnL / float64(st.TotalTrades)
	}
	if l.initial > 0 {
		st.TotalPnLPct = st.TotalPnL / l.initial * 100
	}
	if l.balance != nil {
		st.CurrentBalance = l.balance.Balance()
	} else {
		st.CurrentBalance = l.initial + st.TotalPnL
	}
	return st
}

// Summary logs the session statistics.
func (l *Ledger) Summary(ctx context.Context) {
	st := l.Stats()
	l.logger.InfoContext(ctx, "session summary",
		slog.Float64("initial_balance", st.InitialBalance),
		slog.Float64("current_balance", st.CurrentBalance),
		slog.Float64("total_pnl", st.TotalPnL),
		slog.Float64("total_pnl_pct", st.TotalPnLPct),
		slog.Int("total_trades", st.TotalTrades),
		slog.Int("winning_trades", st.WinningTrades),
		slog.Int("losing_trades", st.LosingTrades),
		slog.Float64("win_rate", st.WinRate),
		slog.Float64("avg_pnl", st.AvgPnL),
	)
}
