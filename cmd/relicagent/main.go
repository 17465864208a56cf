package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relicagent/relicagent/internal/agent"
	"github.com/relicagent/relicagent/internal/config"
	"github.com/relicagent/relicagent/internal/plugins/builtin"
	"github.com/relicagent/relicagent/internal/status"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the agent configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := initLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("Starting relicagent", "version", agent.Version, "config", *configPath)

	registry := builtin.NewRegistry()
	logger.Info("Plugins registered", "plugins", registry.List())

	session := agent.New(cfg.Application, registry, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var statusServer *status.Server
	if cfg.Status.Enabled {
		statusServer = status.NewServer(cfg.Status, session, registry, logger)
		go func() {
			if err := statusServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Status server failed", "error", err)
			}
		}()
	}

	runLoop(ctx, logger, session)

	if statusServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := statusServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Status server forced to shutdown", "error", err)
		}
	}
	logger.Info("Agent stopped")
}

// runLoop drives polling cycles until the context is cancelled, sleeping
// the agent's computed wake interval between them.
func runLoop(ctx context.Context, logger *slog.Logger, session *agent.Agent) {
	for {
		if err := session.RunCycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Error("Cycle aborted", "error", err)
		}

		wake := session.WakeInterval()
		logger.Debug("Sleeping until next cycle", "seconds", wake.Seconds())
		select {
		case <-ctx.Done():
			return
		case <-time.After(wake):
		}
	}
}

func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	out := os.Stdout
	if cfg.Output == "file" && cfg.FilePath != "" {
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Printf("Cannot open log file %s, falling back to stdout: %v", cfg.FilePath, err)
		} else {
			out = f
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}
