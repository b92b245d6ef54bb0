// Package app runs polysniper: it wires the optional infrastructure once,
// then supervises a sequence of Bot runs, restarting a fresh Bot with
// exponential backoff after every crash until the process is told to stop.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polysniper/internal/backoff"
	"github.com/alanyoungcy/polysniper/internal/config"
	"github.com/alanyoungcy/polysniper/internal/domain"
	"github.com/alanyoungcy/polysniper/internal/ledger"
	"github.com/alanyoungcy/polysniper/internal/metrics"
	"github.com/alanyoungcy/polysniper/internal/position"
	"github.com/alanyoungcy/polysniper/internal/pricefeed"
	"github.com/alanyoungcy/polysniper/internal/scanner"
	"github.com/alanyoungcy/polysniper/internal/server"
	"github.com/alanyoungcy/polysniper/internal/server/handler"
	"github.com/alanyoungcy/polysniper/internal/volatility"
)

// A run that lasted this long resets the restart backoff.
const stableRun = 10 * time.Minute

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()

	assets []domain.Asset
	deps   *Dependencies

	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	makeBot func(mode string) *Bot

	mu       sync.RWMutex
	bot      *Bot
	restarts int
}

var _ handler.BotSource = (*App)(nil)

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	a := &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
		now:    time.Now,
		sleep:  backoff.Sleep,
	}
	a.makeBot = a.newBot
	return a
}

// Run wires the dependencies, starts the long-lived services and supervises
// bot runs until ctx is cancelled. It returns nil on a graceful stop.
func (a *App) Run(ctx context.Context) error {
	assets, err := parseAssets(a.cfg.Trading.Assets)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.assets = assets

	mode := "live"
	if a.cfg.Paper.Enabled {
		mode = "paper"
	}
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", mode),
		slog.Any("assets", assets),
		slog.Bool("redis", a.cfg.Redis.Enabled),
		slog.Bool("postgres", a.cfg.Postgres.Enabled),
		slog.Bool("clickhouse", a.cfg.ClickHouse.Enabled),
		slog.Bool("s3", a.cfg.S3.Enabled),
		slog.Bool("server", a.cfg.Server.Enabled),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)
	a.deps = deps

	g, gctx := errgroup.WithContext(ctx)

	if deps.Hub != nil {
		g.Go(func() error { return deps.Hub.Run(gctx) })
		if deps.EventBus != nil {
			g.Go(func() error { return deps.Hub.Follow(gctx, deps.EventBus, ledger.EventsStream) })
		}
	}
	if deps.TickWriter != nil {
		g.Go(func() error { return ignoreCanceled(deps.TickWriter.Run(gctx)) })
	}
	if a.cfg.Server.Enabled {
		srv := a.newServer(deps)
		g.Go(func() error { return srv.Run(gctx) })
	}
	if deps.InstanceLock != nil {
		g.Go(func() error { return a.watchLock(gctx, deps.InstanceLock) })
	}
	g.Go(func() error { return a.supervise(gctx, mode) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// watchLock fails once the single-instance lock is lost, which stops the
// supervisor and the running bot.
func (a *App) watchLock(ctx context.Context, lock domain.Lock) error {
	select {
	case <-ctx.Done():
		return nil
	case <-lock.Lost():
		a.logger.ErrorContext(ctx, "instance lock lost, stopping")
		a.audit(ctx, "instance.lock_lost", nil)
		return fmt.Errorf("app: instance lock: %w", domain.ErrLockLost)
	}
}

// supervise runs bots back to back. A crash is followed by a backoff delay
// and a fresh Bot; a cancelled ctx ends the loop.
func (a *App) supervise(ctx context.Context, mode string) error {
	bo := backoff.Restart()
	a.audit(ctx, "bot.start", map[string]any{"mode": mode})

	for {
		bot := a.makeBot(mode)
		a.reportOrphans(ctx, bot.RunID())
		a.setBot(bot)
		a.deps.Events.emit(ctx, eventBotStarted, map[string]any{"run_id": bot.RunID(), "mode": mode})

		started := a.now()
		err := bot.Run(ctx)
		a.setBot(nil)

		if ctx.Err() != nil {
			a.logger.InfoContext(ctx, "bot stopped", slog.String("run_id", bot.RunID()))
			a.audit(context.WithoutCancel(ctx), "bot.stop", map[string]any{"run_id": bot.RunID()})
			a.deps.Events.emit(context.WithoutCancel(ctx), eventBotStopped, map[string]any{"run_id": bot.RunID()})
			return nil
		}
		if err == nil {
			err = domain.ErrTaskExited
		}

		if a.now().Sub(started) >= stableRun {
			bo.Reset()
		}
		delay := bo.Next()
		a.mu.Lock()
		a.restarts++
		a.mu.Unlock()
		metrics.BotRestarts.Inc()

		a.logger.ErrorContext(ctx, "bot crashed, restarting",
			slog.String("run_id", bot.RunID()),
			slog.String("error", err.Error()),
			slog.Duration("restart_in", delay),
			slog.Int("attempt", bo.Attempts()),
		)
		a.audit(ctx, "bot.crash", map[string]any{
			"run_id":     bot.RunID(),
			"error":      err.Error(),
			"restart_in": delay.String(),
		})
		a.deps.Events.emit(ctx, eventBotCrashed, map[string]any{
			"run_id":     bot.RunID(),
			"error":      err.Error(),
			"restart_in": delay.Seconds(),
		})
		go a.notifyCrash(context.WithoutCancel(ctx), err, delay)

		if a.sleep(ctx, delay) != nil {
			return nil
		}
	}
}

// newBot assembles the per-run components around the shared dependencies.
func (a *App) newBot(mode string) *Bot {
	deps := a.deps
	runID := uuid.NewString()

	a.mu.RLock()
	restarts := a.restarts
	a.mu.RUnlock()

	stream := pricefeed.NewStream(pricefeed.Config{
		Assets:   a.assets,
		WSURL:    a.cfg.Binance.WSURL,
		RESTURL:  a.cfg.Binance.RESTURL,
		Lookback: a.cfg.Signal.Lookback.Duration,
	}, a.logger)
	stream.AddListener(countTick)
	if deps.PriceCache != nil {
		stream.AddListener(deps.PriceCache.Mirror)
	}
	if deps.TickWriter != nil {
		stream.AddListener(deps.TickWriter.Add)
	}

	scfg := scanner.DefaultConfig()
	scfg.Assets = a.assets
	scfg.TagID = a.cfg.Market.TagID
	scfg.MinTimeToExpiry = a.cfg.Market.MinTimeToExpiry.Duration
	scfg.MaxTimeToExpiry = a.cfg.Market.MaxTimeToExpiry.Duration
	scfg.Interval = a.cfg.Market.ScanInterval.Duration
	markets := scanner.New(scfg, deps.Lister, a.logger)
	if deps.MarketCache != nil {
		markets.OnMarket(deps.MarketCache.Publish)
	}

	detector := volatility.NewDetector(volatility.Config{
		ZScoreThreshold:     a.cfg.Signal.ZScoreThreshold,
		PctMoveThreshold:    a.cfg.Signal.PctMoveThreshold,
		ExitZScoreThreshold: a.cfg.Signal.ExitZScoreThreshold,
	})

	pcfg := position.DefaultConfig()
	pcfg.MaxPositions = a.cfg.Trading.MaxPositions
	pcfg.ExitZScoreThreshold = a.cfg.Signal.ExitZScoreThreshold
	pcfg.ForceExitBeforeExpiry = a.cfg.Market.ForceExitBeforeExpiry.Duration
	pcfg.MaxConsecutiveLosses = a.cfg.Risk.MaxConsecutiveLosses
	positions := position.NewManager(pcfg, deps.Exec, deps.Ledger, runID, a.logger)
	positions.SetHooks(a.hooks(runID, positions))

	bd := BotDeps{
		Feed:      stream,
		Markets:   markets,
		Detector:  detector,
		Positions: positions,
		Exec:      deps.Exec,
		Ledger:    deps.Ledger,
	}
	if deps.Paper != nil {
		bd.Balance = deps.Paper
	}
	if deps.Archiver != nil {
		bd.Archiver = deps.Archiver
	}

	return NewBot(BotConfig{
		Mode:       mode,
		Assets:     a.assets,
		BetAmount:  a.cfg.Trading.BetAmount,
		MinSamples: a.cfg.Signal.MinSamples,
	}, bd, runID, restarts, a.logger)
}

// hooks journals positions and fans position events out to metrics, the
// dashboard and the notifier.
func (a *App) hooks(runID string, positions *position.Manager) position.Hooks {
	deps := a.deps
	return position.Hooks{
		OnOpen: func(ctx context.Context, p domain.Position) {
			metrics.OpenPositions.Set(float64(positions.Count()))
			if deps.PositionStore != nil {
				if err := deps.PositionStore.Save(ctx, runID, p); err != nil {
					a.logger.WarnContext(ctx, "journal position", slog.String("position_id", p.ID), slog.String("error", err.Error()))
				}
			}
			deps.Events.emit(ctx, eventPositionOpened, positionFields(p))
			if deps.Notifier.Enabled(eventPositionOpened) {
				go func() {
					_ = deps.Notifier.PositionOpened(context.WithoutCancel(ctx), p)
				}()
			}
		},
		OnClose: func(ctx context.Context, p domain.Position, _ domain.TradeRecord) {
			metrics.OpenPositions.Set(float64(positions.Count()))
			metrics.ConsecutiveLosses.Set(float64(positions.ConsecutiveLosses()))
			if deps.PositionStore != nil {
				if err := deps.PositionStore.Delete(ctx, p.ID); err != nil {
					a.logger.WarnContext(ctx, "remove journaled position", slog.String("position_id", p.ID), slog.String("error", err.Error()))
				}
			}
		},
		OnCircuitBreaker: func(ctx context.Context, losses int) {
			metrics.CircuitBreakerTrips.Inc()
			a.audit(ctx, "circuit_breaker", map[string]any{"run_id": runID, "consecutive_losses": losses})
			deps.Events.emit(ctx, eventCircuitBreaker, map[string]any{"run_id": runID, "consecutive_losses": losses})
			if deps.Notifier.Enabled(eventCircuitBreaker) {
				go func() {
					_ = deps.Notifier.CircuitBreaker(context.WithoutCancel(ctx), losses)
				}()
			}
		},
	}
}

// reportOrphans logs positions journaled by earlier runs that were never
// closed, then clears them from the journal.
func (a *App) reportOrphans(ctx context.Context, runID string) {
	store := a.deps.PositionStore
	if store == nil {
		return
	}
	orphans, err := store.ListOthers(ctx, runID)
	if err != nil {
		a.logger.WarnContext(ctx, "list journaled positions", slog.String("error", err.Error()))
		return
	}
	for _, o := range orphans {
		a.logger.WarnContext(ctx, "orphaned position from earlier run, check the wallet",
			slog.String("position_id", o.ID),
			slog.String("run_id", o.RunID),
			slog.String("asset", string(o.Asset)),
			slog.String("direction", string(o.Direction)),
			slog.String("token_id", o.TokenID),
			slog.Float64("shares", o.Shares),
			slog.Time("market_end", o.MarketEnd),
		)
		a.audit(ctx, "position.orphaned", map[string]any{
			"position_id": o.ID,
			"run_id":      o.RunID,
			"token_id":    o.TokenID,
			"shares":      o.Shares,
		})
		if err := store.Delete(ctx, o.ID); err != nil {
			a.logger.WarnContext(ctx, "clear orphaned position", slog.String("position_id", o.ID), slog.String("error", err.Error()))
		}
	}
}

func (a *App) notifyCrash(ctx context.Context, cause error, delay time.Duration) {
	if err := a.deps.Notifier.BotCrashed(ctx, cause, delay); err != nil {
		a.logger.WarnContext(ctx, "crash notification failed", slog.String("error", err.Error()))
	}
}

func (a *App) audit(ctx context.Context, event string, detail map[string]any) {
	if a.deps == nil || a.deps.AuditStore == nil {
		return
	}
	if err := a.deps.AuditStore.Log(ctx, event, detail); err != nil {
		a.logger.WarnContext(ctx, "audit log failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

func (a *App) newServer(deps *Dependencies) *server.Server {
	scfg := server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
	}
	if deps.RateLimiter != nil {
		scfg.Limiter = deps.RateLimiter
	}
	return server.NewServer(scfg, server.Handlers{
		Health:  handler.NewHealthHandler(a),
		Status:  handler.NewStatusHandler(a),
		Trades:  handler.NewTradeHandler(a, deps.TradeStore, deps.AuditStore, a.logger),
		Metrics: metrics.Handler(),
	}, deps.Hub, a.logger)
}

func (a *App) setBot(b *Bot) {
	a.mu.Lock()
	a.bot = b
	a.mu.Unlock()
}

// Status returns the running bot's snapshot with the supervisor's restart
// count. The bool is false between runs.
func (a *App) Status() (domain.BotStatus, bool) {
	a.mu.RLock()
	bot, restarts := a.bot, a.restarts
	a.mu.RUnlock()
	if bot == nil || !bot.Running() {
		return domain.BotStatus{}, false
	}
	st := bot.Status()
	st.Restarts = restarts
	return st, true
}

// RecentTrades returns up to n of the session's newest trades.
func (a *App) RecentTrades(n int) ([]domain.TradeRecord, bool) {
	a.mu.RLock()
	running := a.bot != nil && a.bot.Running()
	a.mu.RUnlock()
	if !running || a.deps == nil {
		return nil, false
	}
	return a.deps.Ledger.Recent(n), true
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func parseAssets(names []string) ([]domain.Asset, error) {
	out := make([]domain.Asset, 0, len(names))
	for _, n := range names {
		asset, err := domain.ParseAsset(n)
		if err != nil {
			return nil, err
		}
		out = append(out, asset)
	}
	return out, nil
}

func countTick(_ context.Context, p domain.PricePoint) error {
	metrics.TicksTotal.WithLabelValues(p.Symbol).Inc()
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
