// Package pricefeed maintains rolling price windows for the tracked assets
// from the Binance trade stream, with a REST polling fallback.
package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/polysniper/internal/backoff"
	"github.com/alanyoungcy/polysniper/internal/domain"
)

// Mode is the active sourcing mode of a Stream.
type Mode int32

const (
	ModePush Mode = iota
	ModePull
)

func (m Mode) String() string {
	if m == ModePull {
		return "pull"
	}
	return "push"
}

// Listener receives every accepted sample. Errors are logged by the stream
// and never interrupt it.
type Listener func(ctx context.Context, p domain.PricePoint) error

// Config controls a Stream.
type Config struct {
	Assets       []domain.Asset
	WSURL        string // e.g. wss://stream.binance.com:9443
	RESTURL      string // e.g. https://api.binance.com
	Lookback     time.Duration
	ReadTimeout  time.Duration
	PingInterval time.Duration
	PollInterval time.Duration
	MaxFailures  int
}

func (c *Config) applyDefaults() {
	if c.Lookback <= 0 {
		c.Lookback = 60 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
}

var errReadTimeout = errors.New("read timeout")

// Stream feeds one Window per asset. It starts in push mode and, after
// MaxFailures consecutive connection failures, downgrades permanently to
// polling the REST ticker.
type Stream struct {
	cfg     Config
	logger  *slog.Logger
	windows map[domain.Asset]*Window
	assetOf map[string]domain.Asset

	listenersMu sync.RWMutex
	listeners   []Listener

	dialer     *websocket.Dialer
	httpClient *http.Client
	backoff    *backoff.Backoff
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time

	failures  int
	mode      atomic.Int32
	connected atomic.Bool
}

// NewStream creates a Stream with an empty window for every configured asset.
func NewStream(cfg Config, logger *slog.Logger) *Stream {
	cfg.applyDefaults()
	s := &Stream{
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "pricefeed")),
		windows:    make(map[domain.Asset]*Window, len(cfg.Assets)),
		assetOf:    make(map[string]domain.Asset, len(cfg.Assets)),
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		httpClient: &http.Client{Timeout: 10 * time.Second},
		backoff:    backoff.Reconnect(),
		sleep:      backoff.Sleep,
		now:        time.Now,
	}
	for _, a := range cfg.Assets {
		s.windows[a] = NewWindow(a.Symbol(), cfg.Lookback)
		s.assetOf[a.Symbol()] = a
	}
	return s
}

// Window returns the window for asset, or nil if the asset is not tracked.
func (s *Stream) Window(asset domain.Asset) *Window {
	return s.windows[asset]
}

// AddListener registers fn to receive every accepted sample.
func (s *Stream) AddListener(fn Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Mode returns the current sourcing mode.
func (s *Stream) Mode() Mode { return Mode(s.mode.Load()) }

// Connected reports whether the push connection is currently up.
func (s *Stream) Connected() bool { return s.connected.Load() }

// Ready reports whether every window holds at least min samples.
func (s *Stream) Ready(min int) bool {
	for _, w := range s.windows {
		if !w.IsReady(min) {
			return false
		}
	}
	return true
}

// TestConnection fetches one ticker price with a 10s timeout.
func (s *Stream) TestConnection(ctx context.Context) error {
	if len(s.cfg.Assets) == 0 {
		return errors.New("pricefeed: no assets configured")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := fetchTicker(ctx, s.httpClient, s.cfg.RESTURL, s.cfg.Assets[0].Symbol()); err != nil {
		return fmt.Errorf("pricefeed: test connection: %w", err)
	}
	return nil
}

// Run streams until ctx is cancelled. It returns nil on cancellation from
// either mode.
func (s *Stream) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if s.Mode() == ModePull || s.failures >= s.cfg.MaxFailures {
			return s.poll(ctx)
		}

		err := s.streamOnce(ctx)
		s.connected.Store(false)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errReadTimeout) {
			s.logger.DebugContext(ctx, "read timeout, resubscribing")
			continue
		}

		s.failures++
		s.logger.WarnContext(ctx, "stream connection failed",
			slog.Int("consecutive_failures", s.failures),
			slog.String("error", errString(err)),
		)
		if s.failures >= s.cfg.MaxFailures {
			continue
		}

		delay := s.backoff.Next()
		s.logger.InfoContext(ctx, "reconnecting", slog.Duration("delay", delay))
		if err := s.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// streamOnce dials the combined trade stream and reads until an error.
func (s *Stream) streamOnce(ctx context.Context) error {
	symbols := make([]string, len(s.cfg.Assets))
	for i, a := range s.cfg.Assets {
		symbols[i] = a.Symbol()
	}

	conn, _, err := s.dialer.DialContext(ctx, streamURL(s.cfg.WSURL, symbols), nil)
	if err != nil {
		return fmt.Errorf("pricefeed: dial: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	conn.SetReadLimit(1 << 20)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	s.connected.Store(true)
	s.logger.InfoContext(ctx, "stream connected", slog.Int("symbols", len(symbols)))

	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(conn, done)

	gotSample := false
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return fmt.Errorf("pricefeed: set deadline: %w", err)
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return errReadTimeout
			}
			return fmt.Errorf("pricefeed: read: %w", err)
		}

		symbol, price, ts, err := parseTrade(data)
		if err != nil {
			s.logger.DebugContext(ctx, "dropping malformed tick", slog.String("error", err.Error()))
			continue
		}
		if ts.IsZero() {
			ts = s.now()
		}
		if s.accept(ctx, symbol, price, ts) && !gotSample {
			gotSample = true
			s.failures = 0
			s.backoff.Reset()
		}
	}
}

func (s *Stream) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

// poll is the pull-mode loop. Once entered it never returns to push mode.
func (s *Stream) poll(ctx context.Context) error {
	if s.Mode() != ModePull {
		s.mode.Store(int32(ModePull))
		s.logger.WarnContext(ctx, "switching to REST polling for the rest of the run",
			slog.Int("failures", s.failures),
			slog.Duration("interval", s.cfg.PollInterval),
		)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	// failing holds the symbols whose last poll failed.
	failing := make(map[string]bool, len(s.cfg.Assets))
	for {
		for _, a := range s.cfg.Assets {
			symbol := a.Symbol()
			price, err := fetchTicker(ctx, s.httpClient, s.cfg.RESTURL, symbol)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if !failing[symbol] {
					failing[symbol] = true
					s.logger.WarnContext(ctx, "poll failing, retrying every interval",
						slog.String("symbol", symbol),
						slog.String("error", err.Error()),
					)
				}
				continue
			}
			if failing[symbol] {
				delete(failing, symbol)
				s.logger.InfoContext(ctx, "poll recovered", slog.String("symbol", symbol))
			}
			s.accept(ctx, symbol, price, s.now())
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// accept appends a sample to its window and fans it out to listeners. It
// returns false for symbols that are not tracked.
func (s *Stream) accept(ctx context.Context, symbol string, price float64, ts time.Time) bool {
	asset, ok := s.assetOf[symbol]
	if !ok {
		return false
	}
	s.windows[asset].Add(price, ts)

	p := domain.PricePoint{Symbol: symbol, Price: price, ObservedAt: ts}

	s.listenersMu.RLock()
	listeners := s.listeners
	s.listenersMu.RUnlock()

	for _, fn := range listeners {
		if err := fn(ctx, p); err != nil {
			s.logger.WarnContext(ctx, "listener failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
	}
	return true
}

func errString(err error) string {
	if err == nil {
		return "connection closed"
	}
	return err.Error()
}
