// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/querydispatch/broker"
	"github.com/absmach/querydispatch/broker/dsf"
	"github.com/absmach/querydispatch/broker/mock"
	"github.com/absmach/querydispatch/config"
	"github.com/absmach/querydispatch/dispatch"
	pkgtls "github.com/absmach/querydispatch/pkg/tls"
	"github.com/absmach/querydispatch/query"
	"github.com/absmach/querydispatch/server/health"
	"github.com/absmach/querydispatch/storage"
	"github.com/absmach/querydispatch/storage/badger"
	"github.com/absmach/querydispatch/storage/memory"
	"github.com/absmach/querydispatch/storage/postgres"
)

const notificationLookupTimeout = 5 * time.Second

func newStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "memory":
		slog.Info("Using in-memory storage")
		return memory.New(), nil
	case "badger":
		s, err := badger.New(badger.Config{
			Dir:        cfg.BadgerDir,
			SyncWrites: cfg.SyncWrites,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize BadgerDB storage: %w", err)
		}
		slog.Info("Using BadgerDB persistent storage", "dir", cfg.BadgerDir)
		return s, nil
	case "postgres":
		s, err := postgres.New(ctx, postgres.Config{DSN: cfg.PostgresDSN})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize PostgreSQL storage: %w", err)
		}
		slog.Info("Using PostgreSQL storage")
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func newTranslator(cfg config.TranslationConfig) (query.Translator, error) {
	formats := make([]query.FormatTranslator, 0, len(cfg.Formats))
	for _, f := range cfg.Formats {
		switch f.Type {
		case "structured":
			if query.MediaType(f.MediaType) != query.MediaTypeStructuredQuery {
				return nil, fmt.Errorf("structured translator cannot produce %s", f.MediaType)
			}
			formats = append(formats, query.Structured{})
		case "http":
			t, err := query.NewHTTPTranslator(f.URL, query.MediaType(f.MediaType), f.Timeout)
			if err != nil {
				return nil, err
			}
			formats = append(formats, t)
		default:
			return nil, fmt.Errorf("unknown translator type %q", f.Type)
		}
	}
	return query.NewComposite(formats...), nil
}

// brokerSet holds the dispatcher's broker clients and the DSF connections
// backing them.
type brokerSet struct {
	brokers     []dispatch.Broker
	connections map[string]*dsf.Connection
	checks      map[string]health.Check
}

func newBrokers(cfgs []config.BrokerConfig, records storage.DispatchStore, logger *slog.Logger) (*brokerSet, error) {
	set := &brokerSet{
		connections: make(map[string]*dsf.Connection),
		checks:      make(map[string]health.Check),
	}

	for _, bc := range cfgs {
		bl := logger.With(slog.String("broker", bc.Name))

		switch bc.Type {
		case "mock":
			set.brokers = append(set.brokers, dispatch.Broker{Name: bc.Name, Client: mock.New(bl)})
			set.checks[bc.Name] = func() (string, bool) { return "ready", true }
		case "dsf":
			handler := notificationHandler(records, bl)
			conn := dsf.NewConnection(bc.DSF, pkgtls.NewProvider(bc.DSF.TLS), handler, bl)
			client := dsf.NewClient(conn, bc.DSF, bl)

			set.brokers = append(set.brokers, dispatch.Broker{Name: bc.Name, Client: client})
			set.connections[bc.Name] = conn
			set.checks[bc.Name] = func() (string, bool) {
				s := conn.State()
				return s.String(), s.Ready()
			}
		default:
			return nil, fmt.Errorf("unknown broker type %q", bc.Type)
		}
	}

	return set, nil
}

// notificationHandler logs pushed task events with the local query they
// belong to. The business key is the external id the query was published
// under.
func notificationHandler(records storage.DispatchStore, logger *slog.Logger) dsf.NotificationHandler {
	return func(n dsf.Notification) {
		attrs := []any{
			slog.String("task_id", n.TaskID),
			slog.String("status", n.Status),
			slog.String("business_key", n.BusinessKey),
		}

		ctx, cancel := context.WithTimeout(context.Background(), notificationLookupTimeout)
		defer cancel()

		rec, err := records.GetByExternalID(ctx, broker.DSF, n.BusinessKey)
		switch {
		case err == nil:
			attrs = append(attrs, slog.Uint64("query_id", rec.QueryID))
		case errors.Is(err, storage.ErrNotFound):
			logger.Warn("notification for unknown query", attrs...)
			return
		default:
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		logger.Info("query result notification", attrs...)
	}
}

// openChannels opens every DSF notification channel. Failures are logged
// and leave the broker usable for publishing.
func (s *brokerSet) openChannels(ctx context.Context) {
	for name, conn := range s.connections {
		if _, err := conn.NotificationChannel(ctx); err != nil {
			slog.Error("Failed to open notification channel",
				"broker", name,
				"state", conn.State().String(),
				"error", err)
			continue
		}
		slog.Info("Notification channel open", "broker", name)
	}
}

func (s *brokerSet) close() {
	for name, conn := range s.connections {
		if err := conn.Close(); err != nil {
			slog.Error("Failed to close broker connection", "broker", name, "error", err)
		}
	}
}
