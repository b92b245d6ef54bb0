package scanner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polysniper/internal/domain"
	"github.com/alanyoungcy/polysniper/internal/platform/polymarket"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeLister struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) ([]polymarket.RawMarket, error)
}

func (f *fakeLister) ListMarkets(_ context.Context, _ polymarket.MarketQuery) ([]polymarket.RawMarket, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.fn(n)
}

func (f *fakeLister) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestScanner(l Lister, clock *fakeClock) (*Scanner, *[]time.Duration) {
	s := New(DefaultConfig(), l, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = clock.Now
	var sleeps []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	return s, &sleeps
}

func btcListing(id string, end time.Time) polymarket.RawMarket {
	return polymarket.RawMarket{
		"id":           id,
		"conditionId":  "0xcond" + id,
		"question":     "Will Bitcoin be above $95,000 in the next 15 minutes?",
		"slug":         "btc-updown-15m-" + id,
		"endDate":      end.Format(time.RFC3339),
		"clobTokenIds": `["111","222"]`,
	}
}

func TestParseAsset(t *testing.T) {
	cases := map[string]domain.Asset{
		"Will BTC go up?":               domain.AssetBTC,
		"Bitcoin 15 min":                domain.AssetBTC,
		"Ethereum above 3000?":          domain.AssetETH,
		"ETH vs BTC, 15m":               domain.AssetBTC,
		"Will the weather be nice?":     "",
		"Will SOL be above $150 in 15m": "",
	}
	for q, want := range cases {
		got, ok := parseAsset(q)
		assert.Equal(t, want != "", ok, q)
		assert.Equal(t, want, got, q)
	}
}

func TestIsFifteenMinute(t *testing.T) {
	assert.True(t, isFifteenMinute("BTC 15 min up or down", ""))
	assert.True(t, isFifteenMinute("BTC up or down", "btc-updown-15m-1700000000"))
	assert.True(t, isFifteenMinute("Fifteen-minute ETH", ""))
	assert.True(t, isFifteenMinute("btc in 15-minutes", ""))
	assert.False(t, isFifteenMinute("BTC hourly", "btc-hourly"))
	assert.False(t, isFifteenMinute("BTC 150 moves", "btc-15mx"))
}

func TestParseStrike(t *testing.T) {
	cases := []struct {
		q    string
		want float64
		ok   bool
	}{
		{"Will BTC be above $95,000 at 14:15?", 95000, true},
		{"Will ETH be above $3,500.50?", 3500.50, true},
		{"BTC over 97,250 USDT?", 97250, true},
		{"Will ETH close above 3400?", 3400, true},
		{"Will ETH close ABOVE 3400.5?", 3400.5, true},
		{"Will BTC go up?", 0, false},
	}
	for _, c := range cases {
		got, ok := parseStrike(c.q)
		assert.Equal(t, c.ok, ok, c.q)
		assert.Equal(t, c.want, got, c.q)
	}
}

func TestParseEndTime(t *testing.T) {
	end, ok := parseEndTime(polymarket.RawMarket{"end_date_iso": "2026-03-01T12:10:00Z"})
	require.True(t, ok)
	assert.Equal(t, t0.Add(10*time.Minute), end)

	end, ok = parseEndTime(polymarket.RawMarket{"endDateIso": "garbage", "endDate": "2026-03-01T12:10:00"})
	require.True(t, ok)
	assert.Equal(t, t0.Add(10*time.Minute), end)

	end, ok = parseEndTime(polymarket.RawMarket{"end_timestamp": float64(t0.Unix())})
	require.True(t, ok)
	assert.True(t, end.Equal(t0))

	end, ok = parseEndTime(polymarket.RawMarket{"endTimestamp": "1772366400"})
	require.True(t, ok)
	assert.Equal(t, int64(1772366400), end.Unix())

	_, ok = parseEndTime(polymarket.RawMarket{"question": "x"})
	assert.False(t, ok)
}

func TestExtractTokenIDs(t *testing.T) {
	yes, no := extractTokenIDs(polymarket.RawMarket{"tokens": []any{
		map[string]any{"outcome": "No", "token_id": "n1"},
		map[string]any{"outcome": "Yes", "tokenId": "y1"},
	}})
	assert.Equal(t, "y1", yes)
	assert.Equal(t, "n1", no)

	yes, no = extractTokenIDs(polymarket.RawMarket{"token_id_yes": "y2", "token_id_no": "n2"})
	assert.Equal(t, "y2", yes)
	assert.Equal(t, "n2", no)

	yes, no = extractTokenIDs(polymarket.RawMarket{"clobTokenIds": []any{"y3", "n3"}})
	assert.Equal(t, "y3", yes)
	assert.Equal(t, "n3", no)

	yes, no = extractTokenIDs(polymarket.RawMarket{"clobTokenIds": `["y4","n4"]`})
	assert.Equal(t, "y4", yes)
	assert.Equal(t, "n4", no)

	yes, no = extractTokenIDs(polymarket.RawMarket{"outcomes": []any{
		map[string]any{"name": "YES", "token_id": "y5"},
		map[string]any{"name": "NO", "token_id": "n5"},
	}})
	assert.Equal(t, "y5", yes)
	assert.Equal(t, "n5", no)

	yes, no = extractTokenIDs(polymarket.RawMarket{"clobTokenIds": `["only"]`})
	assert.Equal(t, "only", yes)
	assert.Empty(t, no)
}

func TestScan_FirstAcceptedPerAssetWins(t *testing.T) {
	clock := &fakeClock{t: t0}
	good := btcListing("1", t0.Add(10*time.Minute))
	second := btcListing("2", t0.Add(12*time.Minute))
	tooSoon := btcListing("3", t0.Add(2*time.Minute))
	tooFar := btcListing("4", t0.Add(30*time.Minute))
	noTokens := btcListing("5", t0.Add(10*time.Minute))
	delete(noTokens, "clobTokenIds")
	eth := polymarket.RawMarket{
		"id":           "e1",
		"question":     "Ethereum above $3,500 in 15 min?",
		"end_date_iso": t0.Add(6 * time.Minute).Format(time.RFC3339),
		"token_id_yes": "ey",
		"token_id_no":  "en",
	}

	l := &fakeLister{fn: func(int) ([]polymarket.RawMarket, error) {
		return []polymarket.RawMarket{tooSoon, tooFar, noTokens, good, second, eth}, nil
	}}
	s, _ := newTestScanner(l, clock)

	var published []domain.Market
	s.OnMarket(func(_ context.Context, m domain.Market) error {
		published = append(published, m)
		return errors.New("listener errors are logged only")
	})

	found, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Len(t, published, 2)

	btc, ok := s.Market(domain.AssetBTC)
	require.True(t, ok)
	assert.Equal(t, "1", btc.ID)
	assert.Equal(t, "0xcond1", btc.ConditionID)
	assert.Equal(t, 95000.0, btc.StrikePrice)
	assert.Equal(t, "111", btc.YesTokenID)
	assert.Equal(t, "222", btc.NoTokenID)

	ethM, ok := s.Market(domain.AssetETH)
	require.True(t, ok)
	assert.Equal(t, 3500.0, ethM.StrikePrice)
}

func TestScan_ExpiredCacheIsAbsentButKept(t *testing.T) {
	clock := &fakeClock{t: t0}
	calls := 0
	l := &fakeLister{fn: func(int) ([]polymarket.RawMarket, error) {
		calls++
		if calls == 1 {
			return []polymarket.RawMarket{btcListing("1", t0.Add(10*time.Minute))}, nil
		}
		return nil, nil
	}}
	s, _ := newTestScanner(l, clock)

	_, err := s.Scan(context.Background())
	require.NoError(t, err)

	clock.Advance(11 * time.Minute)
	_, err = s.Scan(context.Background())
	require.NoError(t, err)

	_, ok := s.Market(domain.AssetBTC)
	assert.False(t, ok, "an expired market is treated as absent")
	assert.Contains(t, s.Markets(), domain.AssetBTC, "the stale entry stays until overwritten")
}

func TestScan_UnreachableAfterThreeConnectionErrors(t *testing.T) {
	clock := &fakeClock{t: t0}
	failing := true
	l := &fakeLister{fn: func(int) ([]polymarket.RawMarket, error) {
		if failing {
			return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
		}
		return []polymarket.RawMarket{btcListing("9", clock.Now().Add(10*time.Minute))}, nil
	}}
	s, sleeps := newTestScanner(l, clock)
	s.markets[domain.AssetETH] = domain.Market{ID: "cached", Asset: domain.AssetETH, EndTime: t0.Add(time.Hour)}

	found, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, found)
	assert.Equal(t, 3, l.Calls())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *sleeps)
	assert.True(t, s.Unreachable())

	m, ok := s.Market(domain.AssetETH)
	require.True(t, ok, "cache untouched")
	assert.Equal(t, "cached", m.ID)

	failing = false
	clock.Advance(4 * time.Minute)
	_, err = s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, l.Calls(), "fetch suppressed for five minutes")

	clock.Advance(time.Minute)
	found, err = s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, l.Calls())
	assert.Len(t, found, 1)
	assert.False(t, s.Unreachable())
}

func TestScan_HTTPStatusMarksUnreachableWithoutRetry(t *testing.T) {
	clock := &fakeClock{t: t0}
	l := &fakeLister{fn: func(int) ([]polymarket.RawMarket, error) {
		return nil, &polymarket.StatusError{Code: 503, Body: "down"}
	}}
	s, sleeps := newTestScanner(l, clock)

	_, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, l.Calls())
	assert.Empty(t, *sleeps)
	assert.True(t, s.Unreachable())
}

func TestRun_StopsOnCancel(t *testing.T) {
	clock := &fakeClock{t: t0}
	l := &fakeLister{fn: func(int) ([]polymarket.RawMarket, error) { return nil, nil }}
	s, _ := newTestScanner(l, clock)

	ctx, cancel := context.WithCancel(context.Background())
	s.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	assert.NoError(t, s.Run(ctx))
	assert.Equal(t, 1, l.Calls())
}
