package main

import (
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/peppasd/fog-hw/internal/agent"
	"github.com/peppasd/fog-hw/internal/config"
)

func main() {
	cfg := config.LoadAgent()
	setupLogging(cfg.LogLevel)

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		slog.Error("state dir create failed", "dir", cfg.StateDir, "error", err)
		os.Exit(1)
	}
	clientID, err := agent.LoadOrCreateIdentity(filepath.Join(cfg.StateDir, "identity"))
	if err != nil {
		slog.Error("identity load failed", "error", err)
		os.Exit(1)
	}
	store, err := agent.NewFileStore(cfg.StateDir)
	if err != nil {
		slog.Error("state store open failed", "error", err)
		os.Exit(1)
	}

	client, err := agent.NewDeliveryClient(agent.Config{
		ServerURL:         cfg.ServerURL,
		ClientID:          clientID,
		SampleInterval:    cfg.SampleInterval,
		ReconnectInterval: cfg.ReconnectInterval,
		RollbackWindow:    cfg.RollbackWindow,
		Sample:            syntheticTemperature,
	}, store)
	if err != nil {
		slog.Error("client init failed", "error", err)
		os.Exit(1)
	}

	slog.Info("sensor agent starting", "client_id", clientID, "server", cfg.ServerURL)
	client.Start()
	client.Connect()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	slog.Info("shutdown requested")
	client.Stop()
}

// syntheticTemperature stands in for a hardware probe: a plausible room
// temperature with some jitter.
func syntheticTemperature() float64 {
	return 21 + rand.Float64()*4 - 2
}

func setupLogging(level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}
