// Command onramp is the entry point of the payment-to-deposit service. It
// loads configuration, validates it, sets up signal handling, and runs the
// configured mode. With -seal-keystore it instead encrypts the configured
// hub private key into a keystore file and exits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/onramp/internal/app"
	"github.com/alanyoungcy/onramp/internal/config"
	"github.com/alanyoungcy/onramp/internal/crypto"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	sealPath := flag.String("seal-keystore", "", "encrypt hub.private_key with hub.keystore_password into this file and exit")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	if *sealPath != "" {
		if err := sealKeystore(cfg, *sealPath); err != nil {
			logger.Error("failed to seal keystore", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("keystore written", slog.String("path", *sealPath))
		return
	}

	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("onramp starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			application.Close()
			os.Exit(1)
		}
	}

	logger.Info("onramp stopped")
}

// sealKeystore writes an encrypted keystore for the configured raw hub key.
func sealKeystore(cfg *config.Config, path string) error {
	if cfg.Hub.PrivateKey == "" {
		return errors.New("hub.private_key (or ONRAMP_HUB_PRIVATE_KEY) must be set")
	}
	data, err := crypto.SealHubKey(cfg.Hub.PrivateKey, cfg.Hub.KeystorePassword)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
