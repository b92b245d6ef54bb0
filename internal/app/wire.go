package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	s3blob "github.com/alanyoungcy/polysniper/internal/blob/s3"
	"github.com/alanyoungcy/polysniper/internal/cache/redis"
	"github.com/alanyoungcy/polysniper/internal/config"
	"github.com/alanyoungcy/polysniper/internal/crypto"
	"github.com/alanyoungcy/polysniper/internal/domain"
	"github.com/alanyoungcy/polysniper/internal/execution"
	"github.com/alanyoungcy/polysniper/internal/ledger"
	"github.com/alanyoungcy/polysniper/internal/metrics"
	"github.com/alanyoungcy/polysniper/internal/notify"
	"github.com/alanyoungcy/polysniper/internal/platform/polymarket"
	"github.com/alanyoungcy/polysniper/internal/scanner"
	"github.com/alanyoungcy/polysniper/internal/server/ws"
	"github.com/alanyoungcy/polysniper/internal/store/clickhouse"
	"github.com/alanyoungcy/polysniper/internal/store/postgres"
)

const (
	instanceLockKey = "instance"
	instanceLockTTL = 30 * time.Second
	s3HealthTimeout = 10 * time.Second
)

// Dependencies bundles everything that outlives a single Bot run. Optional
// infrastructure is nil when disabled in the configuration.
type Dependencies struct {
	// Postgres
	TradeStore    domain.TradeStore
	AuditStore    domain.AuditStore
	PositionStore domain.PositionStore

	// Redis
	PriceCache  *redis.PriceCache
	MarketCache *redis.MarketCache
	EventBus    domain.EventBus
	RateLimiter  domain.RateLimiter
	LockManager  domain.LockManager
	InstanceLock domain.Lock

	// ClickHouse
	TickWriter *clickhouse.TickWriter

	// S3
	Archiver *s3blob.Archiver

	Notifier *notify.Notifier

	Exec   domain.ExecutionService
	Paper  *execution.Paper
	Ledger *ledger.Ledger
	Lister scanner.Lister

	Hub    *ws.Hub
	Events *events
}

// Wire constructs every process-lifetime dependency from cfg and returns
// them with a cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.TradeStore = postgres.NewTradeStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.PositionStore = postgres.NewPositionStore(pool)
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Prefix:     cfg.Redis.Prefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.MarketCache = redis.NewMarketCache(redisClient)
		deps.EventBus = redis.NewEventBus(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient, logger)

		lock, err := deps.LockManager.Acquire(ctx, instanceLockKey, instanceLockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return fail(fmt.Errorf("wire: another instance is running: %w", err))
			}
			return fail(fmt.Errorf("wire: instance lock: %w", err))
		}
		deps.InstanceLock = lock
		closers = append(closers, lock.Release)
	}

	// --- ClickHouse ---
	if cfg.ClickHouse.Enabled {
		conn, err := clickhouse.NewConn(ctx, cfg.ClickHouse.DSN)
		if err != nil {
			return fail(fmt.Errorf("wire: clickhouse: %w", err))
		}
		closers = append(closers, func() { _ = conn.Close() })

		if err := conn.EnsureSchema(ctx); err != nil {
			return fail(fmt.Errorf("wire: clickhouse schema: %w", err))
		}
		deps.TickWriter = clickhouse.NewTickWriter(
			clickhouse.NewTickStore(conn),
			cfg.ClickHouse.BatchSize,
			cfg.ClickHouse.FlushInterval.Duration,
			logger,
		)
	}

	// --- S3 session archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		hctx, cancel := context.WithTimeout(ctx, s3HealthTimeout)
		if err := s3Client.Health(hctx); err != nil {
			logger.WarnContext(ctx, "s3 bucket not reachable, archive may fail at shutdown",
				slog.String("bucket", s3Client.Bucket()),
				slog.String("error", err.Error()),
			)
		}
		cancel()
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), deps.AuditStore, logger)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender("", cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Execution ---
	if cfg.Paper.Enabled {
		deps.Paper = execution.NewPaper(execution.PaperConfig{
			InitialBalance: cfg.Paper.InitialBalance,
			Seed:           cfg.Paper.Seed,
			Latency:        cfg.Paper.Latency.Duration,
		}, logger)
		deps.Exec = deps.Paper
	} else {
		live, err := newLiveExec(cfg, deps.AuditStore, logger)
		if err != nil {
			return fail(fmt.Errorf("wire: live execution: %w", err))
		}
		deps.Exec = live
	}

	deps.Lister = polymarket.NewGammaClient(cfg.Polymarket.GammaHost)

	// --- Dashboard events ---
	if cfg.Server.Enabled {
		deps.Hub = ws.NewHub(logger)
	}
	var hub publisher
	if deps.Hub != nil {
		hub = deps.Hub
	}
	deps.Events = newEvents(deps.EventBus, hub, logger)

	// --- Trade ledger ---
	var balance ledger.BalanceSource
	if deps.Paper != nil {
		balance = deps.Paper
	}
	deps.Ledger = ledger.New(0, balance, logger)
	if deps.TradeStore != nil {
		deps.Ledger.AddSink(ledger.StoreSink{Store: deps.TradeStore})
	}
	if deps.EventBus != nil {
		deps.Ledger.AddSink(ledger.BusSink{Bus: deps.EventBus})
	} else if deps.Hub != nil {
		deps.Ledger.AddSink(deps.Events.tradeSink())
	}
	deps.Ledger.AddSink(deps.Notifier)
	deps.Ledger.AddSink(ledger.SinkFunc{
		Label: "metrics",
		Fn: func(_ context.Context, rec domain.TradeRecord) error {
			metrics.ObserveTrade(rec)
			return nil
		},
	})

	return deps, cleanup, nil
}

// newLiveExec builds the CLOB-backed execution service from the wallet
// configuration. Credentials are derived on the first connection test.
func newLiveExec(cfg *config.Config, audit domain.AuditStore, logger *slog.Logger) (*liveExec, error) {
	key, err := crypto.ResolveKey(crypto.KeySource{
		RawHex:        cfg.Wallet.PrivateKey,
		EncryptedPath: cfg.Wallet.EncryptedKeyPath,
		Password:      cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return nil, err
	}
	signer, err := crypto.NewSigner(key, int64(cfg.Polymarket.ChainID), cfg.Polymarket.ExchangeAddress)
	if err != nil {
		return nil, err
	}
	clob := polymarket.NewClobClient(cfg.Polymarket.ClobHost, signer).
		WithFunder(cfg.Wallet.FunderAddress, uint8(cfg.Polymarket.SignatureType))

	logger.Info("live execution configured",
		slog.String("address", signer.Address().Hex()),
		slog.String("funder", cfg.Wallet.FunderAddress),
	)
	return &liveExec{Live: execution.NewLive(clob, audit, logger), creds: clob}, nil
}

// credentialDeriver fetches and installs L2 API credentials.
type credentialDeriver interface {
	DeriveAPIKey(ctx context.Context) (crypto.APICreds, error)
}

// liveExec derives API credentials once, after the first successful
// connection test, so a crash before that point is retried by the
// supervisor rather than failing startup.
type liveExec struct {
	*execution.Live
	creds credentialDeriver

	mu     sync.Mutex
	authed bool
}

func (l *liveExec) TestConnection(ctx context.Context) error {
	if err := l.Live.TestConnection(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.authed {
		return nil
	}
	if _, err := l.creds.DeriveAPIKey(ctx); err != nil {
		return fmt.Errorf("app: derive api key: %w: %w", domain.ErrConnectionFailed, err)
	}
	l.authed = true
	return nil
}
