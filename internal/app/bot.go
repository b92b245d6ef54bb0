package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polysniper/internal/backoff"
	"github.com/alanyoungcy/polysniper/internal/domain"
	"github.com/alanyoungcy/polysniper/internal/ledger"
	"github.com/alanyoungcy/polysniper/internal/metrics"
	"github.com/alanyoungcy/polysniper/internal/position"
	"github.com/alanyoungcy/polysniper/internal/pricefeed"
	"github.com/alanyoungcy/polysniper/internal/volatility"
)

const (
	tickInterval    = time.Second
	statusInterval  = 30 * time.Second
	tickErrorPause  = 5 * time.Second
	shutdownTimeout = 30 * time.Second
)

// priceFeed is the part of pricefeed.Stream the bot drives.
type priceFeed interface {
	Run(ctx context.Context) error
	Window(asset domain.Asset) *pricefeed.Window
	Mode() pricefeed.Mode
	Connected() bool
}

// marketSource is the part of scanner.Scanner the bot drives.
type marketSource interface {
	Run(ctx context.Context) error
	Market(asset domain.Asset) (domain.Market, bool)
	Unreachable() bool
}

// sessionArchiver uploads the session's trades at shutdown.
type sessionArchiver interface {
	ArchiveSession(ctx context.Context, runID string, end time.Time, trades []domain.TradeRecord) (string, error)
}

// BotConfig holds the per-run trading parameters.
type BotConfig struct {
	Mode       string
	Assets     []domain.Asset
	BetAmount  float64
	MinSamples int
}

// BotDeps are the components one Bot run owns or shares. Feed, Markets and
// Positions are built fresh for every run; the rest live for the process.
type BotDeps struct {
	Feed      priceFeed
	Markets   marketSource
	Detector  *volatility.Detector
	Positions *position.Manager
	Exec      domain.ExecutionService
	Ledger    *ledger.Ledger
	// Balance is the paper account, nil when trading live.
	Balance  ledger.BalanceSource
	Archiver sessionArchiver
}

// Bot is one run of the trading loop: price stream, market scanner and the
// per-second evaluation loop, torn down together.
type Bot struct {
	cfg       BotConfig
	deps      BotDeps
	runID     string
	restarts  int
	startedAt time.Time
	logger    *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	tickEvery   time.Duration
	statusEvery time.Duration
	errorPause  time.Duration

	running atomic.Bool
}

// NewBot creates a Bot for one run.
func NewBot(cfg BotConfig, deps BotDeps, runID string, restarts int, logger *slog.Logger) *Bot {
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = pricefeed.DefaultMinSamples
	}
	return &Bot{
		cfg:         cfg,
		deps:        deps,
		runID:       runID,
		restarts:    restarts,
		startedAt:   time.Now(),
		logger:      logger.With(slog.String("component", "bot"), slog.String("run_id", runID)),
		now:         time.Now,
		sleep:       backoff.Sleep,
		tickEvery:   tickInterval,
		statusEvery: statusInterval,
		errorPause:  tickErrorPause,
	}
}

// RunID identifies this run in trade records and the position journal.
func (b *Bot) RunID() string { return b.runID }

// Running reports whether the run passed its connection test and has not
// ended yet.
func (b *Bot) Running() bool { return b.running.Load() }

// Run tests the execution connection and then runs the stream, the scanner
// and the evaluation loop until one of them ends. A cancelled ctx is a
// graceful stop: open positions are closed and nil is returned. Any other
// end is a crash and returns the cause.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.InfoContext(ctx, "bot starting",
		slog.String("mode", b.cfg.Mode),
		slog.Any("assets", b.cfg.Assets),
		slog.Float64("bet_amount", b.cfg.BetAmount),
		slog.Int("restarts", b.restarts),
	)

	if err := b.deps.Exec.TestConnection(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, domain.ErrConnectionFailed) {
			err = fmt.Errorf("%w: %w", domain.ErrConnectionFailed, err)
		}
		return fmt.Errorf("bot: %w", err)
	}

	b.running.Store(true)
	defer b.running.Store(false)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return taskEnded(ctx, "price stream", b.deps.Feed.Run(gctx))
	})
	g.Go(func() error {
		return taskEnded(ctx, "market scanner", b.deps.Markets.Run(gctx))
	})
	g.Go(func() error {
		return taskEnded(ctx, "evaluation loop", b.evalLoop(gctx))
	})
	err := g.Wait()

	if ctx.Err() != nil {
		b.shutdown(context.WithoutCancel(ctx))
		return nil
	}
	if err == nil {
		err = fmt.Errorf("bot: %w", domain.ErrTaskExited)
	}
	if n := b.deps.Positions.Count(); n > 0 {
		b.logger.WarnContext(ctx, "run crashed with open positions",
			slog.Int("open_positions", n),
			slog.String("error", err.Error()),
		)
	}
	return err
}

// taskEnded classifies the return of a bot task. Ending while parent is
// still live is always a failure.
func taskEnded(parent context.Context, name string, err error) error {
	if err != nil && parent.Err() == nil {
		return fmt.Errorf("bot: %s: %w", name, err)
	}
	if parent.Err() == nil {
		return fmt.Errorf("bot: %s: %w", name, domain.ErrTaskExited)
	}
	return nil
}

func (b *Bot) evalLoop(ctx context.Context) error {
	ticker := time.NewTicker(b.tickEvery)
	defer ticker.Stop()

	lastStatus := b.now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := b.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.ErrorContext(ctx, "evaluation tick failed",
				slog.String("error", err.Error()),
				slog.Duration("pause", b.errorPause),
			)
			if b.sleep(ctx, b.errorPause) != nil {
				return nil
			}
			continue
		}

		if now := b.now(); now.Sub(lastStatus) >= b.statusEvery {
			b.logStatus(ctx)
			lastStatus = now
		}
	}
}

// Tick runs one evaluation: entries first, then exits.
func (b *Bot) Tick(ctx context.Context) error {
	b.checkEntries(ctx)

	exits, err := b.deps.Positions.ProcessExits(ctx, b.zscore)
	for _, e := range exits {
		b.logger.InfoContext(ctx, "position exited",
			slog.String("position_id", e.Position.ID),
			slog.String("asset", string(e.Position.Asset)),
			slog.String("reason", string(e.Reason.Code)),
			slog.String("description", e.Reason.Description),
			slog.Float64("pnl", e.Trade.PnL),
		)
	}
	metrics.OpenPositions.Set(float64(b.deps.Positions.Count()))
	if err != nil {
		return fmt.Errorf("bot: process exits: %w", err)
	}
	return nil
}

func (b *Bot) checkEntries(ctx context.Context) {
	if b.deps.Positions.ShouldStop() {
		return
	}
	now := b.now()
	for _, asset := range b.cfg.Assets {
		if ctx.Err() != nil {
			return
		}
		if !b.deps.Positions.CanOpen(asset) {
			continue
		}
		market, ok := b.deps.Markets.Market(asset)
		if !ok || !market.IsTradeable(now) {
			continue
		}
		w := b.deps.Feed.Window(asset)
		if w == nil {
			continue
		}
		snap := w.Snapshot()
		if snap.Count < b.cfg.MinSamples {
			continue
		}

		sig, ok := b.deps.Detector.CheckEntry(asset, snap.Prices, snap.Current)
		metrics.ZScore.WithLabelValues(string(asset)).Set(volatility.ZScore(snap.Prices, snap.Current))
		if !ok {
			continue
		}
		b.enter(ctx, market, sig)
	}
}

func (b *Bot) enter(ctx context.Context, market domain.Market, sig domain.Signal) {
	metrics.SignalsTotal.WithLabelValues(string(sig.Asset), string(sig.Direction)).Inc()
	b.logger.InfoContext(ctx, "entry signal",
		slog.String("signal", sig.String()),
		slog.String("market_id", market.ID),
		slog.Int64("seconds_to_expiry", market.SecondsToExpiry(b.now())),
	)

	res := b.deps.Exec.PlaceMarketOrder(ctx, market, sig.Direction, b.cfg.BetAmount)
	metrics.ObserveOrder("buy", res.Success)
	if !res.Success {
		b.logger.ErrorContext(ctx, "entry order failed",
			slog.String("asset", string(sig.Asset)),
			slog.String("direction", string(sig.Direction)),
			slog.Any("error", res.Err),
		)
		return
	}

	if _, err := b.deps.Positions.Open(ctx, market, sig, res); err != nil {
		b.logger.ErrorContext(ctx, "open position after fill",
			slog.String("order_id", res.OrderID),
			slog.String("error", err.Error()),
		)
	}
}

// zscore is the live lookup used for exits. It reports 0 until the asset's
// window holds enough samples.
func (b *Bot) zscore(asset domain.Asset) float64 {
	w := b.deps.Feed.Window(asset)
	if w == nil {
		return 0
	}
	snap := w.Snapshot()
	if snap.Count < b.cfg.MinSamples {
		return 0
	}
	z := volatility.ZScore(snap.Prices, snap.Current)
	metrics.ZScore.WithLabelValues(string(asset)).Set(z)
	return z
}

// Status returns a snapshot of the run.
func (b *Bot) Status() domain.BotStatus {
	ps := b.deps.Positions.Status()
	st := domain.BotStatus{
		RunID:              b.runID,
		Mode:               b.cfg.Mode,
		StartedAt:          b.startedAt,
		Restarts:           b.restarts,
		FeedMode:           b.deps.Feed.Mode().String(),
		FeedConnected:      b.deps.Feed.Connected(),
		ScannerUnreachable: b.deps.Markets.Unreachable(),
		Positions:          b.deps.Positions.Positions(),
		MaxPositions:       ps.Max,
		ConsecutiveLosses:  ps.ConsecutiveLosses,
		Stopped:            ps.Stopped,
		Stats:              b.deps.Ledger.Stats(),
	}
	if b.deps.Balance != nil {
		bal := b.deps.Balance.Balance()
		st.PaperBalance = &bal
	}

	for _, asset := range b.cfg.Assets {
		as := domain.AssetStatus{Asset: asset}
		if w := b.deps.Feed.Window(asset); w != nil {
			snap := w.Snapshot()
			as.Price = snap.Current
			as.Samples = snap.Count
			as.Ready = snap.Count >= b.cfg.MinSamples
			if as.Ready {
				z := volatility.ZScore(snap.Prices, snap.Current)
				as.ZScore = &z
			}
		}
		if m, ok := b.deps.Markets.Market(asset); ok {
			as.Market = &m
		}
		st.Assets = append(st.Assets, as)
	}
	return st
}

func (b *Bot) logStatus(ctx context.Context) {
	st := b.Status()

	metrics.SetBool(metrics.FeedConnected, st.FeedConnected)
	metrics.SetBool(metrics.FeedPull, st.FeedMode == pricefeed.ModePull.String())
	metrics.SetBool(metrics.ScannerUnreachable, st.ScannerUnreachable)

	attrs := []any{
		slog.String("feed_mode", st.FeedMode),
		slog.Bool("feed_connected", st.FeedConnected),
		slog.Int("open_positions", len(st.Positions)),
		slog.Int("max_positions", st.MaxPositions),
		slog.Int("consecutive_losses", st.ConsecutiveLosses),
		slog.Int("trades", st.Stats.TotalTrades),
		slog.Float64("total_pnl", st.Stats.TotalPnL),
		slog.Float64("win_rate", st.Stats.WinRate),
	}
	if st.PaperBalance != nil {
		attrs = append(attrs, slog.Float64("paper_balance", *st.PaperBalance))
	}
	for _, as := range st.Assets {
		group := []any{slog.Float64("price", as.Price), slog.Int("samples", as.Samples)}
		if as.ZScore != nil {
			group = append(group, slog.Float64("zscore", *as.ZScore))
		}
		if as.Market != nil {
			group = append(group,
				slog.String("market", as.Market.Question),
				slog.Int64("seconds_to_expiry", as.Market.SecondsToExpiry(b.now())),
			)
		}
		attrs = append(attrs, slog.Group(string(as.Asset), group...))
	}
	b.logger.InfoContext(ctx, "status", attrs...)
}

// shutdown runs after a graceful stop. ctx must not be cancelled.
func (b *Bot) shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	b.logger.InfoContext(ctx, "shutting down", slog.Int("open_positions", b.deps.Positions.Count()))

	exits, err := b.deps.Positions.CloseAll(ctx, domain.ExitShutdown)
	if err != nil {
		b.logger.ErrorContext(ctx, "close positions on shutdown", slog.String("error", err.Error()))
	}
	metrics.OpenPositions.Set(float64(b.deps.Positions.Count()))
	if len(exits) > 0 {
		b.logger.InfoContext(ctx, "closed positions on shutdown", slog.Int("closed", len(exits)))
	}

	if err := b.deps.Exec.CancelAllOrders(ctx); err != nil {
		b.logger.WarnContext(ctx, "cancel open orders", slog.String("error", err.Error()))
	}

	if err := b.deps.Ledger.Flush(ctx); err != nil {
		b.logger.WarnContext(ctx, "flush trade sinks", slog.String("error", err.Error()))
	}

	if b.deps.Archiver != nil {
		path, err := b.deps.Archiver.ArchiveSession(ctx, b.runID, b.now(), b.deps.Ledger.RunTrades(b.runID))
		switch {
		case err != nil:
			b.logger.ErrorContext(ctx, "archive session", slog.String("error", err.Error()))
		case path != "":
			b.logger.InfoContext(ctx, "session archived", slog.String("path", path))
		}
	}

	b.deps.Ledger.Summary(ctx)
}
