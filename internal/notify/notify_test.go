package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polysniper/internal/domain"
)

type recSender struct {
	name   string
	err    error
	mu     sync.Mutex
	titles []string
	bodies []string
}

func (r *recSender) Send(_ context.Context, title, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	r.bodies = append(r.bodies, message)
	return r.err
}

func (r *recSender) Name() string { return r.name }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifier_Filter(t *testing.T) {
	s := &recSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{EventCircuitBreaker, " bot_crashed "}, quiet())
	ctx := context.Background()

	require.NoError(t, n.PositionOpened(ctx, domain.Position{Asset: domain.AssetBTC}))
	require.NoError(t, n.CircuitBreaker(ctx, 5))
	require.NoError(t, n.BotCrashed(ctx, errors.New("stream died"), 2*time.Second))

	assert.Equal(t, []string{"Circuit breaker tripped", "Bot crashed"}, s.titles)
	assert.Contains(t, s.bodies[0], "5 consecutive losses")
	assert.Contains(t, s.bodies[1], "stream died")
	assert.True(t, n.Enabled(EventBotCrashed))
	assert.False(t, n.Enabled(EventPositionClosed))
}

func TestNotifier_EmptyFilterAllowsAll(t *testing.T) {
	s := &recSender{name: "rec"}
	n := NewNotifier([]Sender{s}, nil, quiet())
	rec := domain.TradeRecord{
		Asset: domain.AssetETH, Direction: domain.DirectionNo,
		EntryPrice: 0.5, ExitPrice: 0.4, PnL: -1, PnLPct: -20,
		Reason: domain.ExitTimeExpiry, Duration: 90 * time.Second,
	}
	require.NoError(t, n.Write(context.Background(), rec))
	require.Len(t, s.bodies, 1)
	assert.Contains(t, s.bodies[0], "LOSS ETH NO")
	assert.Contains(t, s.bodies[0], "time_expiry")
	assert.Equal(t, "notify", n.Name())
}

func TestNotifier_NoSenders(t *testing.T) {
	var n *Notifier
	assert.False(t, n.Enabled(EventBotCrashed))
	assert.NoError(t, NewNotifier(nil, nil, quiet()).CircuitBreaker(context.Background(), 5))
}

func TestNotifier_SenderFailureDoesNotBlockOthers(t *testing.T) {
	bad := &recSender{name: "bad", err: errors.New("boom")}
	good := &recSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, quiet())

	err := n.CircuitBreaker(context.Background(), 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Len(t, good.titles, 1)
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := NewTelegramSender(srv.URL+"/", "TOKEN", "42")
	require.NoError(t, s.Send(context.Background(), "Title", "body"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Title*\nbody", got["text"])
	assert.Equal(t, "telegram", s.Name())
}

func TestDiscordSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	require.NoError(t, s.Send(context.Background(), "Title", "body"))
	assert.Equal(t, "**Title**\nbody", got["content"])
}

func TestSender_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discord: unexpected status 401")

	err = NewTelegramSender(srv.URL, "x", "1").Send(context.Background(), "t", "m")
	assert.ErrorContains(t, err, "telegram: unexpected status 401")
}
