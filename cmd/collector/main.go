package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gorm.io/gorm"

	"github.com/peppasd/fog-hw/internal/aggregate"
	"github.com/peppasd/fog-hw/internal/collector"
	"github.com/peppasd/fog-hw/internal/config"
	"github.com/peppasd/fog-hw/internal/httpapi"
	"github.com/peppasd/fog-hw/internal/mqtt"
	"github.com/peppasd/fog-hw/internal/observability"
	"github.com/peppasd/fog-hw/internal/store"
)

func main() {
	cfg := config.LoadCollector()
	setupLogging(cfg.LogLevel)

	shutdownObs, promHandler, tracer := observability.Setup("telemetry-relay")
	defer shutdownObs()

	var (
		db  *gorm.DB
		err error
	)
	if cfg.Postgres.Enabled() {
		db, err = store.OpenPostgres(cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.DBName, cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.SSLMode)
	} else {
		db, err = store.OpenSQLite(cfg.SQLitePath)
	}
	if err != nil {
		slog.Error("db connect failed", "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("db migrate failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fanout collector.Publisher
	if cfg.MQTTBrokerURL != "" {
		mq, err := mqtt.Connect(cfg.MQTTBrokerURL, cfg.MQTTClientID, cfg.MQTTInsecureTLS)
		if err != nil {
			slog.Error("mqtt connect failed", "error", err)
			os.Exit(1)
		}
		defer mq.Close()
		fanout = mq
	}

	agg := aggregate.New(repo, cfg.AggregateWindow, cfg.AggregateEvery)
	go agg.Run(ctx)

	// Admin and metrics routes go through the tracing middleware; the
	// websocket endpoint stays outside it so the upgrade can hijack the
	// connection, and traces its ingest per reading instead.
	api := http.NewServeMux()
	api.Handle("/metrics", promHandler)
	httpapi.NewServer(repo).Register(api)

	mux := http.NewServeMux()
	mux.Handle("/", observability.TracingMiddleware(tracer)(api))
	mux.Handle("/ws", collector.NewHandler(repo, collector.Config{
		PushInterval: cfg.PushInterval,
		Fanout:       fanout,
		TopicPrefix:  cfg.FanoutPrefix,
		Tracer:       tracer,
	}))

	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		slog.Info("collector listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case <-ctx.Done():
	}
	slog.Info("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	cancel()
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
