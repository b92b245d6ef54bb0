package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polysniper/internal/domain"
	"github.com/alanyoungcy/polysniper/internal/execution"
	"github.com/alanyoungcy/polysniper/internal/ledger"
	"github.com/alanyoungcy/polysniper/internal/position"
	"github.com/alanyoungcy/polysniper/internal/pricefeed"
	"github.com/alanyoungcy/polysniper/internal/volatility"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeFeed struct {
	windows map[domain.Asset]*pricefeed.Window
	// exit makes Run return err immediately instead of blocking.
	exit bool
	err  error
}

func (f *fakeFeed) Run(ctx context.Context) error {
	if f.exit {
		return f.err
	}
	<-ctx.Done()
	return nil
}
func (f *fakeFeed) Window(a domain.Asset) *pricefeed.Window { return f.windows[a] }
func (f *fakeFeed) Mode() pricefeed.Mode                    { return pricefeed.ModePush }
func (f *fakeFeed) Connected() bool                         { return true }

type fakeMarkets struct {
	markets map[domain.Asset]domain.Market
}

func (f *fakeMarkets) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
func (f *fakeMarkets) Market(a domain.Asset) (domain.Market, bool) {
	m, ok := f.markets[a]
	return m, ok
}
func (f *fakeMarkets) Unreachable() bool { return false }

// countingExec wraps a paper account and counts buys and cancels.
type countingExec struct {
	*execution.Paper
	connErr error
	orders  atomic.Int32
	cancels atomic.Int32
}

func (c *countingExec) PlaceMarketOrder(ctx context.Context, m domain.Market, dir domain.Direction, amount float64) domain.ExecutionResult {
	c.orders.Add(1)
	return c.Paper.PlaceMarketOrder(ctx, m, dir, amount)
}

func (c *countingExec) TestConnection(ctx context.Context) error {
	if c.connErr != nil {
		return c.connErr
	}
	return c.Paper.TestConnection(ctx)
}

func (c *countingExec) CancelAllOrders(ctx context.Context) error {
	c.cancels.Add(1)
	return nil
}

type memArchiver struct {
	runID  string
	trades []domain.TradeRecord
}

func (m *memArchiver) ArchiveSession(_ context.Context, runID string, _ time.Time, trades []domain.TradeRecord) (string, error) {
	m.runID = runID
	m.trades = trades
	return "archive/" + runID, nil
}

// spikedWindow holds a quiet minute that ends in a 2% jump.
func spikedWindow(asset domain.Asset, end time.Time) *pricefeed.Window {
	w := flatWindow(asset, end)
	w.Add(102, end)
	return w
}

func flatWindow(asset domain.Asset, end time.Time) *pricefeed.Window {
	w := pricefeed.NewWindow(asset.Symbol(), time.Minute)
	start := end.Add(-45 * time.Second)
	for i := 0; i < 40; i++ {
		p := 100.0
		if i%2 == 1 {
			p = 100.1
		}
		w.Add(p, start.Add(time.Duration(i)*time.Second))
	}
	return w
}

func liveMarket(asset domain.Asset, now time.Time) domain.Market {
	return domain.Market{
		ID:         "m-" + string(asset),
		Question:   string(asset) + " up or down",
		Asset:      asset,
		EndTime:    now.Add(10 * time.Minute),
		YesTokenID: string(asset) + "-yes",
		NoTokenID:  string(asset) + "-no",
	}
}

type botFixture struct {
	bot      *Bot
	feed     *fakeFeed
	markets  *fakeMarkets
	exec     *countingExec
	ledger   *ledger.Ledger
	archive  *memArchiver
	manager  *position.Manager
	paperBal *execution.Paper
}

func newFixture(t *testing.T) *botFixture {
	t.Helper()
	now := time.Now()
	paper := execution.NewPaper(execution.PaperConfig{InitialBalance: 100, Seed: 7}, quiet())
	exec := &countingExec{Paper: paper}
	led := ledger.New(0, paper, quiet())
	mgr := position.NewManager(position.DefaultConfig(), exec, led, "run-test", quiet())

	f := &botFixture{
		feed: &fakeFeed{windows: map[domain.Asset]*pricefeed.Window{
			domain.AssetBTC: spikedWindow(domain.AssetBTC, now),
			domain.AssetETH: flatWindow(domain.AssetETH, now),
		}},
		markets: &fakeMarkets{markets: map[domain.Asset]domain.Market{
			domain.AssetBTC: liveMarket(domain.AssetBTC, now),
			domain.AssetETH: liveMarket(domain.AssetETH, now),
		}},
		exec:     exec,
		ledger:   led,
		archive:  &memArchiver{},
		manager:  mgr,
		paperBal: paper,
	}
	f.bot = NewBot(BotConfig{
		Mode:       "paper",
		Assets:     []domain.Asset{domain.AssetBTC, domain.AssetETH},
		BetAmount:  10,
		MinSamples: 30,
	}, BotDeps{
		Feed:      f.feed,
		Markets:   f.markets,
		Detector:  volatility.NewDetector(volatility.DefaultConfig()),
		Positions: mgr,
		Exec:      exec,
		Ledger:    led,
		Balance:   paper,
		Archiver:  f.archive,
	}, "run-test", 0, quiet())
	f.bot.tickEvery = time.Hour
	return f
}

func TestBot_TickEntersOnSpike(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.bot.Tick(context.Background()))

	open := f.manager.Positions()
	require.Len(t, open, 1)
	assert.Equal(t, domain.AssetBTC, open[0].Asset)
	assert.Equal(t, domain.DirectionNo, open[0].Direction, "a spike up bets on reversion")
	assert.Equal(t, "BTC-no", open[0].TokenID)
	assert.InDelta(t, 90, f.paperBal.Balance(), 1e-9)

	// One position per asset.
	require.NoError(t, f.bot.Tick(context.Background()))
	assert.Equal(t, 1, f.manager.Count())
}

func TestBot_TickSkipsWithoutPreconditions(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *botFixture)
	}{
		{"no market", func(f *botFixture) { delete(f.markets.markets, domain.AssetBTC) }},
		{"expired market", func(f *botFixture) {
			m := f.markets.markets[domain.AssetBTC]
			m.EndTime = time.Now().Add(-time.Second)
			f.markets.markets[domain.AssetBTC] = m
		}},
		{"window not ready", func(f *botFixture) {
			w := pricefeed.NewWindow("BTCUSDT", time.Minute)
			w.Add(100, time.Now())
			w.Add(105, time.Now())
			f.feed.windows[domain.AssetBTC] = w
		}},
		{"untracked asset", func(f *botFixture) { delete(f.feed.windows, domain.AssetBTC) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)
			require.NoError(t, f.bot.Tick(context.Background()))
			assert.Zero(t, f.manager.Count())
			assert.InDelta(t, 100, f.paperBal.Balance(), 1e-9)
		})
	}
}

func TestBot_FailedOrderOpensNothing(t *testing.T) {
	f := newFixture(t)
	f.bot.cfg.BetAmount = 500 // more than the paper balance

	require.NoError(t, f.bot.Tick(context.Background()))
	assert.Zero(t, f.manager.Count())
}

func TestBot_CircuitBreakerBlocksEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	eth := liveMarket(domain.AssetETH, time.Now())

	// Entries near 0.95 always sell at a loss against paper bids of 0.45-0.65.
	for i := 0; i < 5; i++ {
		p, err := f.manager.Open(ctx, eth, domain.Signal{Asset: domain.AssetETH, Direction: domain.DirectionNo},
			domain.ExecutionResult{Success: true, OrderID: "o", Shares: 5 / 0.95, AvgPrice: 0.95, AmountSettled: 5})
		require.NoError(t, err)
		rec, err := f.manager.Close(ctx, p, domain.ExitReason{Code: domain.ExitOverCorrection})
		require.NoError(t, err)
		require.Negative(t, rec.PnL)
	}
	require.True(t, f.manager.ShouldStop())
	require.True(t, f.manager.CanOpen(domain.AssetBTC))

	require.NoError(t, f.bot.Tick(ctx))
	assert.Zero(t, f.exec.orders.Load(), "no order after the breaker trips")
	assert.Zero(t, f.manager.Count())
}

func TestBot_ZScoreIsZeroUntilReady(t *testing.T) {
	f := newFixture(t)
	assert.Greater(t, f.bot.zscore(domain.AssetBTC), 2.5)

	w := pricefeed.NewWindow("BTCUSDT", time.Minute)
	w.Add(100, time.Now())
	f.feed.windows[domain.AssetBTC] = w
	assert.Zero(t, f.bot.zscore(domain.AssetBTC))
	assert.Zero(t, f.bot.zscore(domain.Asset("SOL")))
}

func TestBot_ConnectionFailureDoesNotStartTasks(t *testing.T) {
	f := newFixture(t)
	f.exec.connErr = errors.New("dial tcp: refused")

	err := f.bot.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConnectionFailed)
	assert.False(t, f.bot.Running())
}

func TestBot_TaskExitIsCrash(t *testing.T) {
	f := newFixture(t)
	f.feed.exit = true

	err := f.bot.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTaskExited)
	assert.Zero(t, f.exec.cancels.Load(), "a crash skips the shutdown cleanup")
}

func TestBot_TaskErrorIsSurfaced(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("boom")
	f.feed.exit, f.feed.err = true, boom

	err := f.bot.Run(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestBot_GracefulStopClosesPositions(t *testing.T) {
	f := newFixture(t)
	earlier := domain.TradeRecord{PositionID: "pos-old", RunID: "run-before", Asset: domain.AssetETH, Reason: domain.ExitMeanReversion}
	f.ledger.Record(context.Background(), earlier)
	require.NoError(t, f.bot.Tick(context.Background()))
	require.Equal(t, 1, f.manager.Count())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.bot.Run(ctx) }()

	require.Eventually(t, f.bot.Running, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bot did not stop")
	}

	assert.Zero(t, f.manager.Count())
	assert.EqualValues(t, 1, f.exec.cancels.Load())
	trades := f.ledger.Trades()
	require.Len(t, trades, 2)
	assert.Equal(t, domain.ExitShutdown, trades[1].Reason)
	assert.Equal(t, "run-test", f.archive.runID)
	require.Len(t, f.archive.trades, 1, "only this run's trades are archived")
	assert.Equal(t, "run-test", f.archive.trades[0].RunID)
	assert.False(t, f.bot.Running())
}

func TestBot_Status(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.bot.Tick(context.Background()))

	st := f.bot.Status()
	assert.Equal(t, "run-test", st.RunID)
	assert.Equal(t, "paper", st.Mode)
	assert.Equal(t, "push", st.FeedMode)
	assert.Len(t, st.Positions, 1)
	assert.Equal(t, 2, st.MaxPositions)
	require.NotNil(t, st.PaperBalance)
	assert.InDelta(t, 90, *st.PaperBalance, 1e-9)

	require.Len(t, st.Assets, 2)
	btc := st.Assets[0]
	assert.Equal(t, domain.AssetBTC, btc.Asset)
	assert.InDelta(t, 102, btc.Price, 1e-9)
	assert.True(t, btc.Ready)
	require.NotNil(t, btc.ZScore)
	assert.Greater(t, *btc.ZScore, 2.5)
	require.NotNil(t, btc.Market)
	assert.Equal(t, "m-BTC", btc.Market.ID)
}
