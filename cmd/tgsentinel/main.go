package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sentinelhq/tgsentinel/internal/config"
	"github.com/sentinelhq/tgsentinel/internal/engine"
	"github.com/sentinelhq/tgsentinel/internal/notify"
	"github.com/sentinelhq/tgsentinel/internal/store"
	"github.com/sentinelhq/tgsentinel/internal/telegram"
)

func main() {
	cfgDir := config.Dir()
	cfgPath := filepath.Join(cfgDir, "config.yaml")
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config from %s: %v\n", cfgPath, err)
		fmt.Fprintf(os.Stderr, "\nCreate the config file with:\n")
		fmt.Fprintf(os.Stderr, "  mkdir -p %s\n", cfgDir)
		fmt.Fprintf(os.Stderr, "  cat > %s << 'EOF'\n", cfgPath)
		fmt.Fprintf(os.Stderr, "telegram:\n  api_id: YOUR_API_ID\n  api_hash: \"YOUR_API_HASH\"\nEOF\n")
		fmt.Fprintf(os.Stderr, "\nGet API credentials from https://my.telegram.org\n")
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0700); err != nil {
		logger.Fatal("create data directory", zap.Error(err))
	}
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}

	tr := telegram.New(telegram.Options{
		APIID:      cfg.Telegram.APIID,
		APIHash:    cfg.Telegram.APIHash,
		SessionDir: cfg.Telegram.SessionDir,
		Logger:     logger,
	})

	var dispatcher notify.Dispatcher
	if cfg.AMQP.URL != "" {
		amqpDispatcher, err := notify.NewAMQPDispatcher(cfg.AMQP.URL, cfg.AMQP.Queue)
		if err != nil {
			logger.Fatal("connect notification queue", zap.Error(err))
		}
		defer amqpDispatcher.Close()
		dispatcher = amqpDispatcher
	} else {
		logger.Warn("no amqp url configured, notifications are logged only")
		dispatcher = &notify.LogDispatcher{Logger: logger}
	}

	registry := engine.NewRegistry(logger, st, tr, dispatcher)
	if cfg.Proxy.DefaultRegion != "" {
		registry.SetDefaultProxyLocation(cfg.Proxy.DefaultRegion)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := registry.BootstrapSessions(ctx); err != nil {
		logger.Error("bootstrap sessions", zap.Error(err))
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	registry.Shutdown(shutdownCtx)
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	logCfg := zap.NewProductionConfig()
	logCfg.Level = zap.NewAtomicLevelAt(lvl)
	return logCfg.Build()
}
