package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ddevcap/vectorlb/config"
	"github.com/ddevcap/vectorlb/internal/alert"
	"github.com/ddevcap/vectorlb/internal/automap"
	"github.com/ddevcap/vectorlb/internal/dbx"
	"github.com/ddevcap/vectorlb/internal/forward"
	"github.com/ddevcap/vectorlb/internal/instance"
	"github.com/ddevcap/vectorlb/internal/mapping"
	"github.com/ddevcap/vectorlb/internal/metrics"
	"github.com/ddevcap/vectorlb/internal/router"
	"github.com/ddevcap/vectorlb/internal/txsafety"
	"github.com/ddevcap/vectorlb/internal/wal"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	db, err := dbx.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database connection", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := dbx.Migrate(db); err != nil {
		slog.Error("failed to run schema migration", "error", err)
		os.Exit(1)
	}

	instances := []instance.Instance{
		{Name: instance.Primary, BaseURL: cfg.PrimaryURL},
		{Name: instance.Replica, BaseURL: cfg.ReplicaURL},
	}

	var alertSink alert.Sink = alert.NoopSink{}
	if cfg.SlackWebhookURL != "" {
		alertSink = alert.NewSlackSink(cfg.SlackWebhookURL)
	}

	reg := prometheus.NewRegistry()
	metricsReg := metrics.New(reg)

	monitor := instance.NewMonitor(instances, cfg.HealthCheckInterval,
		instance.WithDB(db),
		instance.WithAlertSink(alertSink),
	)
	events := router.NewEventHub()
	monitor.OnTransition(func(name instance.Name, healthy bool) {
		metricsReg.SetInstanceHealthy(string(name), healthy)
		events.Broadcast(router.AdminEvent{Type: "instance_health", Name: string(name), Data: map[string]bool{"healthy": healthy}})
	})
	for _, inst := range instances {
		metricsReg.SetInstanceHealthy(string(inst.Name), monitor.IsHealthy(inst.Name))
	}
	monitor.Start(context.Background())

	mappings := mapping.NewStore(db)
	walStore := wal.NewStore(db, cfg.WALRetryMax)
	txStore := txsafety.NewStore(db)
	pool := forward.New(instances, cfg.MaxWorkers, cfg.RequestTimeout)
	creator := automap.New(instances, mappings, pool, monitor, walStore)

	rt := router.New(instances, monitor, mappings, walStore, txStore, pool, creator, metricsReg,
		cfg.ReadReplicaRatio, cfg.RequestTimeout, cfg.MemoryLimitMB)

	replayer := wal.NewReplayer(walStore, mappings, monitor, pool, alertSink, cfg.WALBatchSize, creator)
	replayer.SetMemoryPressureFunc(rt.UnderPressure)
	replayer.Start(context.Background())

	admin := router.NewAdminHandler(instances, monitor, mappings, walStore, txStore, pool, events)
	handler := router.NewEngine(rt, admin, events, reg, rt.UnderPressure)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	go func() {
		slog.Info("vectorlb listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down server...")

	events.Shutdown()
	replayer.Stop()
	monitor.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	slog.Info("server stopped")
}
