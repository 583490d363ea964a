// Command clank is the entrypoint for the chat bot. It:
//   - Loads configuration and initializes structured logging.
//   - Opens the configured Store backend and runs migrations.
//   - Validates the configured generator model is available before joining chat.
//   - Connects to Twitch chat, processes messages, and injects generated text.
//   - Exposes a minimal HTTP surface: health, readiness, metrics, status, admin.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/clank-bot/clank/config"
	"github.com/clank-bot/clank/supervisor"
	"github.com/clank-bot/clank/telemetry"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Error("config validation failed", slog.Any("err", err))
		os.Exit(1)
	}

	lvl := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", cfg.LogLevel))
	}
	var logWriter io.Writer = os.Stdout
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
			tmp.Warn("failed to open LOG_FILE, logging to stdout instead", slog.String("path", cfg.LogFile), slog.Any("err", err))
		} else {
			logWriter = f
		}
	}
	var handler slog.Handler
	if strings.ToLower(cfg.LogFormat) == "json" {
		handler = slog.NewJSONHandler(logWriter, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(logWriter, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()))

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("clank", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(cfg)
	if err := sup.Run(ctx); err != nil {
		slog.Error("supervisor exited with error", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}
