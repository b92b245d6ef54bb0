package execution

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polysniper/internal/domain"
	"github.com/alanyoungcy/polysniper/internal/platform/polymarket"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeClob struct {
	okErr    error
	prices   map[string]float64
	priceErr error
	resp     polymarket.OrderResponse
	postErr  error
	posted   []polymarket.MarketOrder
	canceled int
}

func (f *fakeClob) Ok(context.Context) error { return f.okErr }
func (f *fakeClob) ServerTime(context.Context) (time.Time, error) {
	return time.Unix(1700000000, 0), nil
}
func (f *fakeClob) GetMidpoint(_ context.Context, tokenID string) (float64, error) {
	return f.prices["mid"], nil
}
func (f *fakeClob) GetPrice(_ context.Context, _ string, side string) (float64, error) {
	return f.prices[side], f.priceErr
}
func (f *fakeClob) PostMarketOrder(_ context.Context, o polymarket.MarketOrder) (polymarket.OrderResponse, error) {
	f.posted = append(f.posted, o)
	return f.resp, f.postErr
}
func (f *fakeClob) CancelAll(context.Context) (int, error) { return f.canceled, nil }

type memAudit struct{ events []string }

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}
func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

var btcMarket = domain.Market{ID: "m1", Asset: domain.AssetBTC, StrikePrice: 97000, YesTokenID: "111", NoTokenID: "222"}

func TestLive_TestConnection(t *testing.T) {
	l := NewLive(&fakeClob{}, nil, discard())
	require.NoError(t, l.TestConnection(context.Background()))

	l = NewLive(&fakeClob{okErr: errors.New("dial tcp: refused")}, nil, discard())
	err := l.TestConnection(context.Background())
	assert.ErrorIs(t, err, domain.ErrConnectionFailed)
}

func TestLive_BuyUsesBestAskAndFill(t *testing.T) {
	clob := &fakeClob{
		prices: map[string]float64{polymarket.SideBuy: 0.56, polymarket.SideSell: 0.54},
		resp:   polymarket.OrderResponse{Success: true, OrderID: "0xabc", MakingAmount: "5", TakingAmount: "8.9285"},
	}
	audit := &memAudit{}
	l := NewLive(clob, audit, discard())

	res := l.PlaceMarketOrder(context.Background(), btcMarket, domain.DirectionNo, 5)
	require.True(t, res.Success)
	assert.Equal(t, "0xabc", res.OrderID)
	assert.InDelta(t, 8.9285, res.Shares, 1e-9)
	assert.InDelta(t, 5/8.9285, res.AvgPrice, 1e-9)
	assert.Equal(t, 5.0, res.AmountSettled)

	require.Len(t, clob.posted, 1)
	assert.Equal(t, polymarket.MarketOrder{TokenID: "222", Side: polymarket.SideBuy, Amount: 5, Price: 0.56}, clob.posted[0])
	assert.Equal(t, []string{"order_placed"}, audit.events)
}

func TestLive_BuyWithoutFillAmounts(t *testing.T) {
	clob := &fakeClob{
		prices: map[string]float64{polymarket.SideBuy: 0.5},
		resp:   polymarket.OrderResponse{OrderID: "0xdef"},
	}
	res := NewLive(clob, nil, discard()).PlaceMarketOrder(context.Background(), btcMarket, domain.DirectionYes, 5)
	require.True(t, res.Success)
	assert.Equal(t, 0.5, res.AvgPrice)
	assert.Equal(t, 10.0, res.Shares)
	assert.Equal(t, "111", clob.posted[0].TokenID)
}

func TestLive_FailuresAreNoOps(t *testing.T) {
	clob := &fakeClob{priceErr: errors.New("no orderbook")}
	l := NewLive(clob, nil, discard())
	res := l.PlaceMarketOrder(context.Background(), btcMarket, domain.DirectionYes, 5)
	assert.False(t, res.Success)
	assert.Error(t, res.Err)
	assert.Empty(t, clob.posted)

	audit := &memAudit{}
	clob = &fakeClob{
		prices:  map[string]float64{polymarket.SideSell: 0.4},
		postErr: &polymarket.StatusError{Code: 400, Body: "not enough balance"},
	}
	res = NewLive(clob, audit, discard()).SellPosition(context.Background(), "222", 10)
	assert.False(t, res.Success)
	var se *polymarket.StatusError
	assert.ErrorAs(t, res.Err, &se)
	assert.Equal(t, []string{"order_rejected"}, audit.events)
}

func TestLive_Sell(t *testing.T) {
	clob := &fakeClob{
		prices: map[string]float64{polymarket.SideSell: 0.6},
		resp:   polymarket.OrderResponse{OrderID: "0x1", MakingAmount: "10", TakingAmount: "6.1"},
	}
	res := NewLive(clob, nil, discard()).SellPosition(context.Background(), "222", 10)
	require.True(t, res.Success)
	assert.Equal(t, 10.0, res.Shares)
	assert.InDelta(t, 0.61, res.AvgPrice, 1e-9)
	assert.InDelta(t, 6.1, res.AmountSettled, 1e-9)
	assert.Equal(t, polymarket.SideSell, clob.posted[0].Side)
	assert.Equal(t, 10.0, clob.posted[0].Amount)
}

func TestLive_CancelAll(t *testing.T) {
	audit := &memAudit{}
	require.NoError(t, NewLive(&fakeClob{canceled: 2}, audit, discard()).CancelAllOrders(context.Background()))
	assert.Equal(t, []string{"orders_cancelled"}, audit.events)
}

func TestPaper_BuyAndSell(t *testing.T) {
	p := NewPaper(PaperConfig{InitialBalance: 10, Seed: 42}, discard())
	ctx := context.Background()
	require.NoError(t, p.TestConnection(ctx))

	buy := p.PlaceMarketOrder(ctx, btcMarket, domain.DirectionNo, 5)
	require.True(t, buy.Success)
	assert.Equal(t, "PAPER_000001", buy.OrderID)
	assert.GreaterOrEqual(t, buy.AvgPrice, 0.5)
	assert.Less(t, buy.AvgPrice, 0.51)
	assert.InDelta(t, 5.0, buy.Shares*buy.AvgPrice, 1e-9)
	assert.InDelta(t, 5.0, p.Balance(), 1e-9)

	sell := p.SellPosition(ctx, "222", buy.Shares)
	require.True(t, sell.Success)
	assert.Equal(t, "PAPER_000002", sell.OrderID)
	assert.GreaterOrEqual(t, sell.AvgPrice, 0.45)
	assert.Less(t, sell.AvgPrice, 0.65)
	assert.InDelta(t, 5.0+sell.AmountSettled, p.Balance(), 1e-9)
	assert.Equal(t, 10.0, p.InitialBalance())
}

func TestPaper_InsufficientBalance(t *testing.T) {
	p := NewPaper(PaperConfig{InitialBalance: 4, Seed: 1}, discard())
	res := p.PlaceMarketOrder(context.Background(), btcMarket, domain.DirectionYes, 5)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, domain.ErrInsufficientBalance)
	assert.Equal(t, 4.0, p.Balance())
}

func TestPaper_SeedIsDeterministic(t *testing.T) {
	a := NewPaper(PaperConfig{InitialBalance: 100, Seed: 7}, discard())
	b := NewPaper(PaperConfig{InitialBalance: 100, Seed: 7}, discard())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ra := a.PlaceMarketOrder(ctx, btcMarket, domain.DirectionYes, 5)
		rb := b.PlaceMarketOrder(ctx, btcMarket, domain.DirectionYes, 5)
		assert.Equal(t, ra, rb)
	}
}

func TestPaper_LatencyHonoursContext(t *testing.T) {
	p := NewPaper(PaperConfig{InitialBalance: 10, Seed: 1, Latency: time.Hour}, discard())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := p.PlaceMarketOrder(ctx, btcMarket, domain.DirectionYes, 5)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 10.0, p.Balance())
}

func TestPaper_MidpointRange(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("midpoint within [0.35, 0.65)", prop.ForAll(
		func(seed int64) bool {
			p := NewPaper(PaperConfig{Seed: seed}, discard())
			mid, err := p.GetMidpoint(context.Background(), "x")
			return err == nil && mid >= 0.35 && mid < 0.65
		},
		gen.Int64Range(1, 1<<40),
	))

	properties.Property("balance is conserved across a buy", prop.ForAll(
		func(seed int64, amount float64) bool {
			p := NewPaper(PaperConfig{InitialBalance: 100, Seed: seed}, discard())
			res := p.PlaceMarketOrder(context.Background(), btcMarket, domain.DirectionNo, amount)
			return res.Success && p.Balance()+amount > 100-1e-9 && p.Balance()+amount < 100+1e-9
		},
		gen.Int64Range(1, 1<<40),
		gen.Float64Range(0.01, 100),
	))

	properties.TestingRun(t)
}
