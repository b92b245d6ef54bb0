// Package scanner discovers the tradeable 15-minute market for each tracked
// asset and keeps a best-effort cache of them.
package scanner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/polysniper/internal/backoff"
	"github.com/alanyoungcy/polysniper/internal/domain"
	"github.com/alanyoungcy/polysniper/internal/platform/polymarket"
)

// Lister fetches raw market listings.
type Lister interface {
	ListMarkets(ctx context.Context, q polymarket.MarketQuery) ([]polymarket.RawMarket, error)
}

// MarketListener is told about every market accepted by a scan.
type MarketListener func(ctx context.Context, m domain.Market) error

// Config controls discovery and the retry policy.
type Config struct {
	Assets          []domain.Asset
	TagID           int
	Limit           int
	MinTimeToExpiry time.Duration
	MaxTimeToExpiry time.Duration
	Interval        time.Duration
	MaxRetries      int
	SuppressFor     time.Duration
}

// DefaultConfig returns the production discovery settings.
func DefaultConfig() Config {
	return Config{
		Assets:          []domain.Asset{domain.AssetBTC, domain.AssetETH},
		TagID:           polymarket.CryptoUpDownTagID,
		Limit:           100,
		MinTimeToExpiry: 300 * time.Second,
		MaxTimeToExpiry: 840 * time.Second,
		Interval:        30 * time.Second,
		MaxRetries:      3,
		SuppressFor:     5 * time.Minute,
	}
}

// Scanner polls the listing API and caches the first accepted market per
// asset. Stale entries are served while the API is unreachable.
type Scanner struct {
	cfg     Config
	lister  Lister
	logger  *slog.Logger
	tracked map[domain.Asset]bool

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu          sync.RWMutex
	markets     map[domain.Asset]domain.Market
	unreachable bool
	lastFailure time.Time
	listeners   []MarketListener
}

// New creates a Scanner.
func New(cfg Config, lister Lister, logger *slog.Logger) *Scanner {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	tracked := make(map[domain.Asset]bool, len(cfg.Assets))
	for _, a := range cfg.Assets {
		tracked[a] = true
	}
	return &Scanner{
		cfg:     cfg,
		lister:  lister,
		logger:  logger.With(slog.String("component", "scanner")),
		tracked: tracked,
		now:     time.Now,
		sleep:   backoff.Sleep,
		markets: make(map[domain.Asset]domain.Market),
	}
}

// OnMarket registers fn for accepted markets. Listener errors are logged.
func (s *Scanner) OnMarket(fn MarketListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Market returns the cached market for asset while it is still tradeable.
func (s *Scanner) Market(asset domain.Asset) (domain.Market, bool) {
	s.mu.RLock()
	m, ok := s.markets[asset]
	s.mu.RUnlock()
	if !ok || !m.IsTradeable(s.now()) {
		return domain.Market{}, false
	}
	return m, true
}

// Markets returns a copy of every cached market, tradeable or not.
func (s *Scanner) Markets() map[domain.Asset]domain.Market {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[domain.Asset]domain.Market, len(s.markets))
	for a, m := range s.markets {
		out[a] = m
	}
	return out
}

// Unreachable reports whether fetching is currently suppressed.
func (s *Scanner) Unreachable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unreachable
}

// Run scans every Interval until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "market scanner started",
		slog.Any("assets", s.cfg.Assets),
		slog.Duration("interval", s.cfg.Interval),
	)
	for {
		if _, err := s.Scan(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.ErrorContext(ctx, "market scan failed", slog.String("error", err.Error()))
		}
		s.logStatus(ctx)

		if err := s.sleep(ctx, s.cfg.Interval); err != nil {
			return nil
		}
	}
}

// Scan performs one fetch and returns the markets it accepted. Accepted
// markets replace the cache entry for their asset; assets with no accepted
// market keep their previous entry.
func (s *Scanner) Scan(ctx context.Context) (map[domain.Asset]domain.Market, error) {
	raws, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	found := make(map[domain.Asset]domain.Market)
	for _, raw := range raws {
		m, ok := s.parseMarket(ctx, raw, now)
		if !ok || !s.tracked[m.Asset] {
			continue
		}
		if _, dup := found[m.Asset]; dup {
			continue
		}
		found[m.Asset] = m
	}

	s.mu.Lock()
	for a, m := range found {
		prev, had := s.markets[a]
		s.markets[a] = m
		if !had || prev.ID != m.ID || prev.ConditionID != m.ConditionID {
			s.logger.InfoContext(ctx, "found market",
				slog.String("asset", string(a)),
				slog.String("question", m.Question),
				slog.Float64("strike", m.StrikePrice),
				slog.Int64("seconds_to_expiry", m.SecondsToExpiry(now)),
			)
		}
	}
	listeners := s.listeners
	s.mu.Unlock()

	for _, m := range found {
		for _, fn := range listeners {
			if err := fn(ctx, m); err != nil {
				s.logger.WarnContext(ctx, "market listener failed",
					slog.String("asset", string(m.Asset)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return found, nil
}

// fetch applies the retry and suppression policy around the lister. It only
// returns an error when ctx is cancelled.
func (s *Scanner) fetch(ctx context.Context) ([]polymarket.RawMarket, error) {
	s.mu.RLock()
	suppressed := s.unreachable && s.now().Sub(s.lastFailure) < s.cfg.SuppressFor
	s.mu.RUnlock()
	if suppressed {
		s.logger.DebugContext(ctx, "skipping fetch, listing api marked unreachable")
		return nil, nil
	}

	q := polymarket.MarketQuery{TagID: s.cfg.TagID, Active: true, Closed: false, Limit: s.cfg.Limit}
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		raws, err := s.lister.ListMarkets(ctx, q)
		if err == nil {
			s.markReachable(ctx, len(raws))
			return raws, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var se *polymarket.StatusError
		if errors.As(err, &se) {
			s.markUnreachable(ctx, err)
			return nil, nil
		}

		if attempt == s.cfg.MaxRetries-1 {
			s.markUnreachable(ctx, err)
			return nil, nil
		}

		wait := time.Duration(1<<attempt) * time.Second
		if !s.Unreachable() {
			s.logger.WarnContext(ctx, "listing api connection error, retrying",
				slog.Int("attempt", attempt+1),
				slog.Int("max_attempts", s.cfg.MaxRetries),
				slog.Duration("wait", wait),
				slog.String("error", err.Error()),
			)
		}
		if err := s.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (s *Scanner) markUnreachable(ctx context.Context, cause error) {
	s.mu.Lock()
	first := !s.unreachable
	s.unreachable = true
	s.lastFailure = s.now()
	s.mu.Unlock()

	if first {
		s.logger.ErrorContext(ctx, "listing api unreachable, serving cached markets",
			slog.Duration("suppress_for", s.cfg.SuppressFor),
			slog.String("error", errors.Join(domain.ErrAPIUnreachable, cause).Error()),
		)
	}
}

func (s *Scanner) markReachable(ctx context.Context, n int) {
	s.mu.Lock()
	recovered := s.unreachable
	s.unreachable = false
	s.mu.Unlock()

	if recovered {
		s.logger.InfoContext(ctx, "listing api reachable again")
	}
	s.logger.DebugContext(ctx, "fetched listings", slog.Int("count", n))
}

// parseMarket applies the acceptance pipeline to one listing.
func (s *Scanner) parseMarket(ctx context.Context, raw polymarket.RawMarket, now time.Time) (domain.Market, bool) {
	question := str(raw["question"])
	slug := str(raw["slug"])

	asset, ok := parseAsset(question)
	if !ok {
		return domain.Market{}, false
	}
	if !isFifteenMinute(question, slug) {
		return domain.Market{}, false
	}

	end, ok := parseEndTime(raw)
	if !ok {
		s.logger.DebugContext(ctx, "no end time", slog.String("question", question))
		return domain.Market{}, false
	}
	tte := end.Sub(now)
	if tte < s.cfg.MinTimeToExpiry || tte > s.cfg.MaxTimeToExpiry {
		s.logger.DebugContext(ctx, "outside expiry window",
			slog.String("question", question),
			slog.Duration("time_to_expiry", tte),
		)
		return domain.Market{}, false
	}

	strike, ok := parseStrike(question)
	if !ok {
		s.logger.DebugContext(ctx, "no strike price", slog.String("question", question))
		return domain.Market{}, false
	}

	yes, no := extractTokenIDs(raw)
	if yes == "" || no == "" {
		s.logger.DebugContext(ctx, "missing token ids", slog.String("question", question))
		return domain.Market{}, false
	}

	return domain.Market{
		ID:          str(raw["id"]),
		ConditionID: firstString(raw, "condition_id", "conditionId"),
		Question:    question,
		Slug:        slug,
		Asset:       asset,
		StrikePrice: strike,
		EndTime:     end,
		YesTokenID:  yes,
		NoTokenID:   no,
	}, true
}

func (s *Scanner) logStatus(ctx context.Context) {
	for _, a := range s.cfg.Assets {
		if m, ok := s.Market(a); ok {
			s.logger.InfoContext(ctx, "active market",
				slog.String("asset", string(a)),
				slog.String("question", m.Question),
				slog.Int64("seconds_to_expiry", m.SecondsToExpiry(s.now())),
			)
		} else {
			s.logger.DebugContext(ctx, "no active market", slog.String("asset", string(a)))
		}
	}
}
