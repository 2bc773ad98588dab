// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/querydispatch/config"
	"github.com/absmach/querydispatch/dispatch"
	"github.com/absmach/querydispatch/query"
	"github.com/absmach/querydispatch/server/health"
	"github.com/absmach/querydispatch/server/otel"
	"github.com/google/uuid"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	submitFile := flag.String("submit", "", "Enqueue and dispatch the structured query in this file, then exit")
	userID := flag.String("user", "cli", "User recorded as the creator of a submitted query")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting query dispatcher", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"storage", cfg.Storage.Type,
		"workers", cfg.Dispatch.Workers,
		"formats", len(cfg.Translation.Formats),
		"brokers", len(cfg.Brokers),
		"health_enabled", cfg.Health.Enabled,
		"otel_enabled", cfg.Otel.Enabled,
		"log_level", cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var otelShutdown otel.Shutdown
	var metrics *otel.Metrics
	if cfg.Otel.Enabled {
		names := make([]string, 0, len(cfg.Brokers))
		for _, b := range cfg.Brokers {
			names = append(names, b.Name)
		}
		otelShutdown, err = otel.InitProvider(ctx, cfg.Otel, otel.Instance{ID: uuid.NewString(), Brokers: names})
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		if cfg.Otel.MetricsEnabled {
			metrics, err = otel.NewMetrics()
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
		}
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Otel.Endpoint)
	}

	store, err := newStore(ctx, cfg.Storage)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	translator, err := newTranslator(cfg.Translation)
	if err != nil {
		slog.Error("Failed to build translators", "error", err)
		os.Exit(1)
	}

	brokers, err := newBrokers(cfg.Brokers, store.Dispatches(), logger)
	if err != nil {
		slog.Error("Failed to build brokers", "error", err)
		os.Exit(1)
	}
	defer brokers.close()

	d, err := dispatch.New(cfg.Dispatch, store, translator, brokers.brokers, logger, metrics)
	if err != nil {
		slog.Error("Failed to create dispatcher", "error", err)
		os.Exit(1)
	}

	if *submitFile != "" {
		code := submit(ctx, d, *submitFile, *userID)
		d.Close()
		brokers.close()
		store.Close()
		os.Exit(code)
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		brokers.openChannels(ctx)
	}()

	if cfg.Health.Enabled {
		healthCfg := health.Config{
			Address:         cfg.Health.Addr,
			ShutdownTimeout: cfg.Health.ShutdownTimeout,
		}
		healthServer := health.New(healthCfg, brokers.checks, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Query dispatcher started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	if err := d.Close(); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	cancel()

	wg.Wait()
	slog.Info("Query dispatcher stopped")
}

// submit enqueues the query in file and dispatches it synchronously.
func submit(ctx context.Context, d *dispatch.Dispatcher, file, userID string) int {
	data, err := os.ReadFile(file)
	if err != nil {
		slog.Error("Failed to read query file", "file", file, "error", err)
		return 1
	}

	q, err := query.Unmarshal(string(data))
	if err != nil {
		slog.Error("Failed to parse query file", "file", file, "error", err)
		return 1
	}

	id, err := d.Enqueue(ctx, q, userID)
	if err != nil {
		slog.Error("Failed to enqueue query", "error", err)
		return 1
	}

	if err := d.Dispatch(ctx, id).Wait(ctx); err != nil {
		slog.Error("Failed to dispatch query", "query_id", id, "error", err)
		return 1
	}

	recs, err := d.Records(ctx, id)
	if err != nil {
		slog.Error("Failed to list dispatch records", "query_id", id, "error", err)
		return 1
	}
	for _, r := range recs {
		fmt.Printf("%d\t%s\t%s\t%s\n", r.QueryID, r.BrokerType, r.ExternalID, r.DispatchedAt.Format(time.RFC3339))
	}

	return 0
}
