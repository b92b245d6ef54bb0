package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load decodes the TOML file at path over Defaults, loads .env when present
// and applies environment overrides. A missing file, or an empty path,
// leaves the defaults. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	normalise(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Wallet
	setStr(&cfg.Wallet.PrivateKey, "POLYSNIPER_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.FunderAddress, "POLYSNIPER_WALLET_FUNDER_ADDRESS")
	setStr(&cfg.Wallet.EncryptedKeyPath, "POLYSNIPER_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "POLYSNIPER_WALLET_KEY_PASSWORD")

	// Polymarket
	setStr(&cfg.Polymarket.ClobHost, "POLYSNIPER_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "POLYSNIPER_POLYMARKET_GAMMA_HOST")
	setInt(&cfg.Polymarket.ChainID, "POLYSNIPER_POLYMARKET_CHAIN_ID")
	setInt(&cfg.Polymarket.SignatureType, "POLYSNIPER_POLYMARKET_SIGNATURE_TYPE")
	setStr(&cfg.Polymarket.ExchangeAddress, "POLYSNIPER_POLYMARKET_EXCHANGE_ADDRESS")

	// Binance
	setStr(&cfg.Binance.WSURL, "POLYSNIPER_BINANCE_WS_URL")
	setStr(&cfg.Binance.RESTURL, "POLYSNIPER_BINANCE_REST_URL")

	// Trading and signal
	setStringSlice(&cfg.Trading.Assets, "POLYSNIPER_TRADING_ASSETS")
	setFloat64(&cfg.Trading.BetAmount, "POLYSNIPER_TRADING_BET_AMOUNT")
	setInt(&cfg.Trading.MaxPositions, "POLYSNIPER_TRADING_MAX_POSITIONS")
	setFloat64(&cfg.Signal.ZScoreThreshold, "POLYSNIPER_SIGNAL_ZSCORE_THRESHOLD")
	setFloat64(&cfg.Signal.PctMoveThreshold, "POLYSNIPER_SIGNAL_PCT_MOVE_THRESHOLD")
	setDuration(&cfg.Signal.Lookback, "POLYSNIPER_SIGNAL_LOOKBACK")
	setInt(&cfg.Signal.MinSamples, "POLYSNIPER_SIGNAL_MIN_SAMPLES")
	setFloat64(&cfg.Signal.ExitZScoreThreshold, "POLYSNIPER_SIGNAL_EXIT_ZSCORE_THRESHOLD")

	// Market and risk
	setDuration(&cfg.Market.MinTimeToExpiry, "POLYSNIPER_MARKET_MIN_TIME_TO_EXPIRY")
	setDuration(&cfg.Market.MaxTimeToExpiry, "POLYSNIPER_MARKET_MAX_TIME_TO_EXPIRY")
	setDuration(&cfg.Market.ForceExitBeforeExpiry, "POLYSNIPER_MARKET_FORCE_EXIT_BEFORE_EXPIRY")
	setDuration(&cfg.Market.ScanInterval, "POLYSNIPER_MARKET_SCAN_INTERVAL")
	setInt(&cfg.Market.TagID, "POLYSNIPER_MARKET_TAG_ID")
	setInt(&cfg.Risk.MaxConsecutiveLosses, "POLYSNIPER_RISK_MAX_CONSECUTIVE_LOSSES")

	// Paper
	setBool(&cfg.Paper.Enabled, "POLYSNIPER_PAPER_ENABLED")
	setFloat64(&cfg.Paper.InitialBalance, "POLYSNIPER_PAPER_INITIAL_BALANCE")
	setInt64(&cfg.Paper.Seed, "POLYSNIPER_PAPER_SEED")
	setDuration(&cfg.Paper.Latency, "POLYSNIPER_PAPER_LATENCY")
	setFlag(&cfg.Paper.Enabled, "PAPER_TRADING")
	setFloat64(&cfg.Paper.InitialBalance, "PAPER_BALANCE")

	// Redis
	setBool(&cfg.Redis.Enabled, "POLYSNIPER_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "POLYSNIPER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POLYSNIPER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLYSNIPER_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "POLYSNIPER_REDIS_TLS_ENABLED")

	// Postgres
	setBool(&cfg.Postgres.Enabled, "POLYSNIPER_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "POLYSNIPER_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "POLYSNIPER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POLYSNIPER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POLYSNIPER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POLYSNIPER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POLYSNIPER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POLYSNIPER_POSTGRES_SSL_MODE")
	setBool(&cfg.Postgres.RunMigrations, "POLYSNIPER_POSTGRES_RUN_MIGRATIONS")

	// ClickHouse
	setBool(&cfg.ClickHouse.Enabled, "POLYSNIPER_CLICKHOUSE_ENABLED")
	setStr(&cfg.ClickHouse.DSN, "POLYSNIPER_CLICKHOUSE_DSN")

	// S3
	setBool(&cfg.S3.Enabled, "POLYSNIPER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "POLYSNIPER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POLYSNIPER_S3_REGION")
	setStr(&cfg.S3.Bucket, "POLYSNIPER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "POLYSNIPER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POLYSNIPER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "POLYSNIPER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "POLYSNIPER_S3_FORCE_PATH_STYLE")

	// Notify
	setStr(&cfg.Notify.TelegramToken, "POLYSNIPER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POLYSNIPER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POLYSNIPER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POLYSNIPER_NOTIFY_EVENTS")

	// Server
	setBool(&cfg.Server.Enabled, "POLYSNIPER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "POLYSNIPER_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "POLYSNIPER_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "POLYSNIPER_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "POLYSNIPER_SERVER_RATE_LIMIT")

	// Log
	setStr(&cfg.Log.Level, "POLYSNIPER_LOG_LEVEL")
	setStr(&cfg.Log.File, "POLYSNIPER_LOG_FILE")
	setInt64(&cfg.Log.MaxBytes, "POLYSNIPER_LOG_MAX_BYTES")
	setInt(&cfg.Log.Backups, "POLYSNIPER_LOG_BACKUPS")
}

// normalise upper-cases asset symbols and lower-cases the log level.
func normalise(cfg *Config) {
	for i, a := range cfg.Trading.Assets {
		cfg.Trading.Assets[i] = strings.ToUpper(strings.TrimSpace(a))
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
}

// Typed env helpers. Each mutates the target only when the variable is set
// and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// setFlag accepts true/1/yes as on and anything else as off.
func setFlag(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes":
			*dst = true
		default:
			*dst = false
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
