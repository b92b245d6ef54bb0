package pricefeed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polysniper/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tickerServer(t *testing.T, prices map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/ticker/price" {
			http.NotFound(w, r)
			return
		}
		sym := r.URL.Query().Get("symbol")
		p, ok := prices[sym]
		if !ok {
			http.Error(w, `{"code":-1121,"msg":"Invalid symbol."}`, http.StatusBadRequest)
			return
		}
		fmt.Fprintf(w, `{"symbol":%q,"price":%q}`, sym, p)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestParseTrade(t *testing.T) {
	sym, price, ts, err := parseTrade([]byte(`{"stream":"btcusdt@trade","data":{"e":"trade","s":"BTCUSDT","p":"64123.50","q":"0.01","T":1700000000123}}`))
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", sym)
	assert.Equal(t, 64123.50, price)
	assert.Equal(t, int64(1700000000123), ts.UnixMilli())

	_, _, ts, err = parseTrade([]byte(`{"stream":"ethusdt@trade","data":{"s":"ethusdt","p":"3000"}}`))
	require.NoError(t, err)
	assert.True(t, ts.IsZero())

	for _, bad := range []string{
		`not json`,
		`{"data":{"p":"1"}}`,
		`{"data":{"s":"BTCUSDT","p":"abc"}}`,
		`{"data":{"s":"BTCUSDT","p":"0"}}`,
	} {
		_, _, _, err := parseTrade([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func TestStreamURL(t *testing.T) {
	got := streamURL("wss://stream.binance.com:9443/", []string{"BTCUSDT", "ETHUSDT"})
	assert.Equal(t, "wss://stream.binance.com:9443/stream?streams=btcusdt@trade/ethusdt@trade", got)
}

func TestStream_TestConnection(t *testing.T) {
	srv := tickerServer(t, map[string]string{"BTCUSDT": "65000.00"})

	s := NewStream(Config{Assets: []domain.Asset{domain.AssetBTC}, RESTURL: srv.URL}, discardLogger())
	require.NoError(t, s.TestConnection(context.Background()))

	s = NewStream(Config{Assets: []domain.Asset{domain.AssetETH}, RESTURL: srv.URL}, discardLogger())
	assert.Error(t, s.TestConnection(context.Background()))
}

func TestStream_PushFeedsWindowsAndListeners(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var gotQuery atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.RawQuery)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		frames := []string{
			`{"stream":"btcusdt@trade","data":{"s":"BTCUSDT","p":"100","T":1700000000000}}`,
			`garbage`,
			`{"stream":"ethusdt@trade","data":{"s":"ETHUSDT","p":"2000","T":1700000000500}}`,
			`{"stream":"dogeusdt@trade","data":{"s":"DOGEUSDT","p":"0.1","T":1700000000600}}`,
			`{"stream":"btcusdt@trade","data":{"s":"BTCUSDT","p":"101","T":1700000001000}}`,
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s := NewStream(Config{
		Assets: []domain.Asset{domain.AssetBTC, domain.AssetETH},
		WSURL:  wsURL(srv),
	}, discardLogger())

	var mu sync.Mutex
	var seen []domain.PricePoint
	s.AddListener(func(_ context.Context, p domain.PricePoint) error {
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
		return errors.New("listener failures are isolated")
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return s.Window(domain.AssetBTC).SampleCount() == 2 && s.Window(domain.AssetETH).SampleCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, s.Connected())
	assert.Equal(t, ModePush, s.Mode())
	assert.Equal(t, []float64{100, 101}, s.Window(domain.AssetBTC).Prices())
	assert.Equal(t, "streams=btcusdt@trade/ethusdt@trade", gotQuery.Load())

	mu.Lock()
	assert.Len(t, seen, 3)
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestStream_DowngradesToPollingAfterFailures(t *testing.T) {
	rest := tickerServer(t, map[string]string{"BTCUSDT": "65000.5"})

	// Nothing listens here, so every dial fails.
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := wsURL(dead)
	dead.Close()

	s := NewStream(Config{
		Assets:       []domain.Asset{domain.AssetBTC},
		WSURL:        deadURL,
		RESTURL:      rest.URL,
		PollInterval: 20 * time.Millisecond,
		MaxFailures:  3,
	}, discardLogger())

	var sleeps []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return s.Window(domain.AssetBTC).SampleCount() >= 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, ModePull, s.Mode())
	assert.False(t, s.Connected())
	assert.Equal(t, 65000.5, s.Window(domain.AssetBTC).CurrentPrice())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps)
}

func TestStream_ReadTimeoutIsNotAFailure(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		dials.Add(1)
		// Accept and stay silent until the client hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s := NewStream(Config{
		Assets:      []domain.Asset{domain.AssetBTC},
		WSURL:       wsURL(srv),
		ReadTimeout: 30 * time.Millisecond,
		MaxFailures: 3,
	}, discardLogger())
	var sleeps atomic.Int32
	s.sleep = func(ctx context.Context, _ time.Duration) error {
		sleeps.Add(1)
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return dials.Load() > 5 }, 5*time.Second, 10*time.Millisecond,
		"the stream resubscribes after each silent period")
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Equal(t, ModePush, s.Mode())
	assert.Zero(t, s.failures)
	assert.Zero(t, sleeps.Load(), "no reconnect backoff for a quiet feed")
}

func TestStream_PollLogsFailureOnce(t *testing.T) {
	var calls atomic.Int32
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 5 {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"symbol":"BTCUSDT","price":"64000"}`)
	}))
	defer rest.Close()

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := wsURL(dead)
	dead.Close()

	var logs bytes.Buffer
	s := NewStream(Config{
		Assets:       []domain.Asset{domain.AssetBTC},
		WSURL:        deadURL,
		RESTURL:      rest.URL,
		PollInterval: 5 * time.Millisecond,
		MaxFailures:  1,
	}, slog.New(slog.NewJSONHandler(&logs, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return s.Window(domain.AssetBTC).SampleCount() >= 2
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	out := logs.String()
	assert.Equal(t, 1, strings.Count(out, "poll failing"))
	assert.Equal(t, 1, strings.Count(out, "poll recovered"))
}

func TestStream_CancelDuringBackoffReturnsNil(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := wsURL(dead)
	dead.Close()

	s := NewStream(Config{Assets: []domain.Asset{domain.AssetETH}, WSURL: deadURL}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	s.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	assert.NoError(t, s.Run(ctx))
	assert.Equal(t, ModePush, s.Mode())
}

func TestStream_Ready(t *testing.T) {
	s := NewStream(Config{Assets: []domain.Asset{domain.AssetBTC, domain.AssetETH}}, discardLogger())
	now := time.Unix(1_700_000_000, 0)

	s.accept(context.Background(), "BTCUSDT", 1, now)
	assert.False(t, s.Ready(1))
	s.accept(context.Background(), "ETHUSDT", 1, now)
	assert.True(t, s.Ready(1))
	assert.False(t, s.accept(context.Background(), "XRPUSDT", 1, now))
}
