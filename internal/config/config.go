// Package config defines the polysniper configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Fields are populated from an optional
// TOML file and then overridden by POLYSNIPER_* environment variables.
type Config struct {
	Wallet     WalletConfig     `toml:"wallet"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	Binance    BinanceConfig    `toml:"binance"`
	Trading    TradingConfig    `toml:"trading"`
	Signal     SignalConfig     `toml:"signal"`
	Market     MarketConfig     `toml:"market"`
	Risk       RiskConfig       `toml:"risk"`
	Paper      PaperConfig      `toml:"paper"`
	Redis      RedisConfig      `toml:"redis"`
	Postgres   PostgresConfig   `toml:"postgres"`
	ClickHouse ClickHouseConfig `toml:"clickhouse"`
	S3         S3Config         `toml:"s3"`
	Notify     NotifyConfig     `toml:"notify"`
	Server     ServerConfig     `toml:"server"`
	Log        LogConfig        `toml:"log"`
}

// WalletConfig holds the signing key and the proxy wallet that holds funds.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	FunderAddress    string `toml:"funder_address"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PolymarketConfig holds API endpoints and chain parameters.
type PolymarketConfig struct {
	ClobHost        string `toml:"clob_host"`
	GammaHost       string `toml:"gamma_host"`
	ChainID         int    `toml:"chain_id"`
	SignatureType   int    `toml:"signature_type"`
	ExchangeAddress string `toml:"exchange_address"`
}

// BinanceConfig holds the price source endpoints.
type BinanceConfig struct {
	WSURL   string `toml:"ws_url"`
	RESTURL string `toml:"rest_url"`
}

type TradingConfig struct {
	Assets       []string `toml:"assets"`
	BetAmount    float64  `toml:"bet_amount"`
	MaxPositions int      `toml:"max_positions"`
}

// SignalConfig holds the z-score entry and exit thresholds.
// PctMoveThreshold is in percent.
type SignalConfig struct {
	ZScoreThreshold     float64  `toml:"zscore_threshold"`
	PctMoveThreshold    float64  `toml:"pct_move_threshold"`
	Lookback            duration `toml:"lookback"`
	MinSamples          int      `toml:"min_samples"`
	ExitZScoreThreshold float64  `toml:"exit_zscore_threshold"`
}

// MarketConfig bounds which markets are tradable and when they are exited.
type MarketConfig struct {
	MinTimeToExpiry       duration `toml:"min_time_to_expiry"`
	MaxTimeToExpiry       duration `toml:"max_time_to_expiry"`
	ForceExitBeforeExpiry duration `toml:"force_exit_before_expiry"`
	ScanInterval          duration `toml:"scan_interval"`
	TagID                 int      `toml:"tag_id"`
}

type RiskConfig struct {
	MaxConsecutiveLosses int `toml:"max_consecutive_losses"`
}

// PaperConfig switches to simulated execution. Seed 0 seeds from the clock.
type PaperConfig struct {
	Enabled        bool     `toml:"enabled"`
	InitialBalance float64  `toml:"initial_balance"`
	Seed           int64    `toml:"seed"`
	Latency        duration `toml:"latency"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	Prefix     string `toml:"prefix"`
}

// PostgresConfig holds PostgreSQL connection parameters. DSN wins over the
// discrete fields.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// ClickHouseConfig holds the tick archive connection and batching.
type ClickHouseConfig struct {
	Enabled       bool     `toml:"enabled"`
	DSN           string   `toml:"dsn"`
	BatchSize     int      `toml:"batch_size"`
	FlushInterval duration `toml:"flush_interval"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// NotifyConfig holds notification channel credentials. A channel is active
// when its credentials are set.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// ServerConfig holds the ops HTTP server parameters. RateLimit is requests
// per minute per client and only applies when Redis is enabled.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	RateLimit   int      `toml:"rate_limit"`
}

type LogConfig struct {
	Level    string `toml:"level"`
	File     string `toml:"file"`
	MaxBytes int64  `toml:"max_bytes"`
	Backups  int    `toml:"backups"`
}

// duration decodes TOML strings like "5m" or "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the production configuration.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			ClobHost:      "https://clob.polymarket.com",
			GammaHost:     "https://gamma-api.polymarket.com",
			ChainID:       137,
			SignatureType: 1,
		},
		Binance: BinanceConfig{
			WSURL:   "wss://stream.binance.com:9443",
			RESTURL: "https://api.binance.com",
		},
		Trading: TradingConfig{
			Assets:       []string{"BTC", "ETH"},
			BetAmount:    10,
			MaxPositions: 2,
		},
		Signal: SignalConfig{
			ZScoreThreshold:     2.5,
			PctMoveThreshold:    0.5,
			Lookback:            duration{60 * time.Second},
			MinSamples:          30,
			ExitZScoreThreshold: 0.5,
		},
		Market: MarketConfig{
			MinTimeToExpiry:       duration{300 * time.Second},
			MaxTimeToExpiry:       duration{840 * time.Second},
			ForceExitBeforeExpiry: duration{120 * time.Second},
			ScanInterval:          duration{30 * time.Second},
			TagID:                 102467,
		},
		Risk: RiskConfig{MaxConsecutiveLosses: 5},
		Paper: PaperConfig{
			InitialBalance: 10,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			MaxRetries: 3,
			Prefix:     "polysniper:",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "polysniper",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  5,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		ClickHouse: ClickHouseConfig{
			DSN:           "clickhouse://default@localhost:9000/default",
			BatchSize:     500,
			FlushInterval: duration{5 * time.Second},
		},
		S3: S3Config{
			Region:         "us-east-1",
			Bucket:         "polysniper-archive",
			ForcePathStyle: true,
		},
		Notify: NotifyConfig{
			Events: []string{"position_opened", "position_closed", "circuit_breaker", "bot_crashed"},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   120,
		},
		Log: LogConfig{
			Level:    "info",
			MaxBytes: 10_000_000,
			Backups:  5,
		},
	}
}

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validAssets = map[string]bool{"BTC": true, "ETH": true}

// Validate checks c and returns one error listing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		add("log: unknown level %q (valid: debug, info, warn, error)", c.Log.Level)
	}
	if c.Log.MaxBytes < 0 || c.Log.Backups < 0 {
		add("log: max_bytes and backups must be >= 0")
	}

	if !c.Paper.Enabled {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			add("wallet: private_key or encrypted_key_path is required for live trading")
		}
		if k := strings.TrimPrefix(c.Wallet.PrivateKey, "0x"); c.Wallet.PrivateKey != "" && (len(k) < 64 || !isHex(k)) {
			add("wallet: private_key must be at least 64 hex characters")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.PrivateKey == "" && c.Wallet.KeyPassword == "" {
			add("wallet: key_password is required when encrypted_key_path is set")
		}
		if len(c.Wallet.FunderAddress) != 42 || !strings.HasPrefix(c.Wallet.FunderAddress, "0x") {
			add("wallet: funder_address must be 42 characters (0x + 40 hex)")
		}
	} else if c.Paper.InitialBalance <= 0 {
		add("paper: initial_balance must be > 0")
	}

	if c.Polymarket.ClobHost == "" || c.Polymarket.GammaHost == "" {
		add("polymarket: clob_host and gamma_host must not be empty")
	}
	if c.Polymarket.ChainID <= 0 {
		add("polymarket: chain_id must be positive")
	}
	switch c.Polymarket.SignatureType {
	case 0, 1, 2:
	default:
		add("polymarket: signature_type must be 0, 1 or 2, got %d", c.Polymarket.SignatureType)
	}

	if c.Binance.WSURL == "" || c.Binance.RESTURL == "" {
		add("binance: ws_url and rest_url must not be empty")
	}

	if len(c.Trading.Assets) == 0 {
		add("trading: assets must not be empty")
	}
	for _, a := range c.Trading.Assets {
		if !validAssets[a] {
			add("trading: invalid asset %q (valid: BTC, ETH)", a)
		}
	}
	if c.Trading.BetAmount <= 0 {
		add("trading: bet_amount must be > 0")
	}
	if c.Trading.MaxPositions < 1 {
		add("trading: max_positions must be >= 1")
	}

	if c.Signal.ZScoreThreshold <= 0 {
		add("signal: zscore_threshold must be > 0")
	}
	if c.Signal.PctMoveThreshold < 0 {
		add("signal: pct_move_threshold must be >= 0")
	}
	if c.Signal.ExitZScoreThreshold < 0 {
		add("signal: exit_zscore_threshold must be >= 0")
	}
	if c.Signal.Lookback.Duration <= 0 {
		add("signal: lookback must be > 0")
	}
	if c.Signal.MinSamples < 2 {
		add("signal: min_samples must be >= 2")
	}

	if c.Market.MinTimeToExpiry.Duration >= c.Market.MaxTimeToExpiry.Duration {
		add("market: min_time_to_expiry must be less than max_time_to_expiry")
	}
	if c.Market.ForceExitBeforeExpiry.Duration < 0 {
		add("market: force_exit_before_expiry must be >= 0")
	}
	if c.Market.ScanInterval.Duration <= 0 {
		add("market: scan_interval must be > 0")
	}

	if c.Risk.MaxConsecutiveLosses < 1 {
		add("risk: max_consecutive_losses must be >= 1")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		add("redis: addr must not be empty when enabled")
	}
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" && c.Postgres.Host == "" {
			add("postgres: dsn or host must be set when enabled")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}
	if c.ClickHouse.Enabled && c.ClickHouse.DSN == "" {
		add("clickhouse: dsn must not be empty when enabled")
	}
	if c.S3.Enabled && (c.S3.Bucket == "" || c.S3.Region == "") {
		add("s3: bucket and region must be set when enabled")
	}
	if c.Notify.TelegramToken != "" && c.Notify.TelegramChatID == "" {
		add("notify: telegram_chat_id is required with telegram_token")
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		add("server: port must be 1-65535, got %d", c.Server.Port)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
