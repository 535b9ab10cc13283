// Cortex hub daemon — runs the agent manager, its worker pool, and the
// HTTP/WebSocket transport in front of it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cortexhub/cortex/pkg/api"
	"github.com/cortexhub/cortex/pkg/config"
	"github.com/cortexhub/cortex/pkg/llm"
	"github.com/cortexhub/cortex/pkg/manager"
	"github.com/cortexhub/cortex/pkg/store"
	"github.com/cortexhub/cortex/pkg/version"
)

func main() {
	configPath := flag.String("config", "cortex.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("Starting cortexd", "version", version.Full(), "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Persistence is optional: no database path runs volatile.
	var st store.Store
	if cfg.Database.Path != "" {
		sqlite, err := store.OpenSQLite(cfg.Database.Path)
		if err != nil {
			slog.Error("Failed to open database", "path", cfg.Database.Path, "error", err)
			os.Exit(1)
		}
		st = sqlite
		defer func() {
			if err := sqlite.Close(); err != nil {
				slog.Error("Error closing database", "error", err)
			}
		}()
	} else {
		slog.Info("No database path configured, running volatile")
	}

	provider := llm.NewOpenAIProvider(cfg.LLM.BaseURL, cfg.LLM.APIKey)

	mgr, err := manager.New(provider, st, manager.Config{
		WorkerPoolSize:  cfg.Runtime.WorkerPoolSize,
		QueueSize:       cfg.Runtime.QueueSize,
		RingSize:        cfg.Runtime.EventRingSize,
		CycleDeadline:   cfg.Runtime.CycleDeadline.Std(),
		ResponseTimeout: cfg.Runtime.ResponseTimeout.Std(),
		ToolTimeout:     cfg.Runtime.ToolTimeout.Std(),
		PMTickInterval:  cfg.Runtime.PMTickInterval.Std(),
		SummarizeAfter:  cfg.Runtime.SummarizeAfter,
		MaxLLMAttempts:  cfg.Runtime.MaxLLMAttempts,
		DefaultModel:    cfg.LLM.DefaultModel,
		GuardianModel:   cfg.LLM.GuardianModel,
		FallbackModels:  cfg.LLM.FallbackModels,
		SessionID:       cfg.SessionID,
	})
	if err != nil {
		slog.Error("Failed to create manager", "error", err)
		os.Exit(1)
	}
	mgr.Start()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := api.NewServer(mgr, addr)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		slog.Error("Server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown error", "error", err)
	}
	mgr.Stop(shutdownCtx)
	slog.Info("cortexd stopped")
}
