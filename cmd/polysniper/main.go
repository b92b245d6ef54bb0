// Command polysniper runs the 15-minute crypto mean-reversion bot. It loads
// and validates configuration, sets up logging and signal handling, and runs
// the supervised application until SIGINT or SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/polysniper/internal/app"
	"github.com/alanyoungcy/polysniper/internal/config"
	"github.com/alanyoungcy/polysniper/internal/crypto"
	"github.com/alanyoungcy/polysniper/internal/logging"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	encryptKey := flag.String("encrypt-key", "", "seal wallet.private_key with wallet.key_password into this file and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	if *encryptKey != "" {
		if err := sealKey(cfg, *encryptKey); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt key: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("sealed key written to %s\n", *encryptKey)
		return
	}

	logger, logCloser, err := logging.New(logging.Options{
		Level:    cfg.Log.Level,
		File:     cfg.Log.File,
		MaxBytes: cfg.Log.MaxBytes,
		Backups:  cfg.Log.Backups,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("polysniper starting",
		slog.String("config", *configPath),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		application.Close()
		logCloser.Close()
		os.Exit(1)
	}

	logger.Info("polysniper stopped")
}

func sealKey(cfg *config.Config, path string) error {
	if cfg.Wallet.PrivateKey == "" {
		return fmt.Errorf("set wallet.private_key or POLYSNIPER_WALLET_PRIVATE_KEY")
	}
	if cfg.Wallet.KeyPassword == "" {
		return fmt.Errorf("set wallet.key_password or POLYSNIPER_WALLET_KEY_PASSWORD")
	}
	key, err := crypto.ResolveKey(crypto.KeySource{RawHex: cfg.Wallet.PrivateKey})
	if err != nil {
		return err
	}
	return crypto.WriteSealedKey(path, key, cfg.Wallet.KeyPassword)
}
