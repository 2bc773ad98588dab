// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package dispatch stores submitted queries by content and fans them out to
// every configured broker.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/querydispatch/broker"
	"github.com/absmach/querydispatch/config"
	"github.com/absmach/querydispatch/query"
	"github.com/absmach/querydispatch/server/otel"
	"github.com/absmach/querydispatch/storage"
	"github.com/sony/gobreaker"
	gootel "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Broker is a named broker client.
type Broker struct {
	Name   string
	Client broker.Client
}

// Dispatcher is the process-wide query dispatcher. All dispatches share one
// worker pool, which bounds concurrent broker calls.
type Dispatcher struct {
	cfg        config.DispatchConfig
	store      storage.Store
	translator query.Translator
	brokers    []Broker
	breakers   map[string]*gobreaker.CircuitBreaker
	jobs       chan brokerJob
	logger     *slog.Logger
	metrics    *otel.Metrics
	tracer     trace.Tracer

	workers  sync.WaitGroup
	inflight sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// New creates a dispatcher and starts its worker pool.
func New(cfg config.DispatchConfig, store storage.Store, translator query.Translator, brokers []Broker, logger *slog.Logger, metrics *otel.Metrics) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if translator == nil {
		return nil, fmt.Errorf("translator cannot be nil")
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = cfg.Workers
	}
	if cfg.CircuitBreaker.FailureThreshold < 1 {
		cfg.CircuitBreaker.FailureThreshold = 5
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:        cfg,
		store:      store,
		translator: translator,
		brokers:    make([]Broker, 0, len(brokers)),
		breakers:   make(map[string]*gobreaker.CircuitBreaker, len(brokers)),
		jobs:       make(chan brokerJob, cfg.QueueSize),
		logger:     logger,
		metrics:    metrics,
		tracer:     gootel.Tracer("querydispatch/dispatch"),
		ctx:        ctx,
		cancel:     cancel,
	}

	for _, b := range brokers {
		if b.Name == "" || b.Client == nil {
			cancel()
			return nil, fmt.Errorf("broker must have a name and a client")
		}
		if _, ok := d.breakers[b.Name]; ok {
			cancel()
			return nil, fmt.Errorf("duplicate broker name %q", b.Name)
		}
		d.breakers[b.Name] = d.newBreaker(b.Name)
		d.brokers = append(d.brokers, b)
	}

	for i := 0; i < cfg.Workers; i++ {
		d.workers.Add(1)
		go d.worker()
	}

	logger.Info("query dispatcher started",
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cfg.QueueSize),
		slog.Int("brokers", len(d.brokers)))

	return d, nil
}

// Enqueue stores q and returns the id of the new enqueued query. Identical
// bodies share one content row.
func (d *Dispatcher) Enqueue(ctx context.Context, q *query.Query, userID string) (uint64, error) {
	body, err := query.Marshal(q)
	if err != nil {
		return 0, newError("enqueue", 0, ErrSerialization, err)
	}

	content, err := d.store.Contents().PutIfAbsent(ctx, body)
	if err != nil {
		return 0, newError("enqueue", 0, ErrPersistence, err)
	}

	eq := &storage.EnqueuedQuery{
		CreatedAt: time.Now().UTC(),
		CreatedBy: userID,
		ContentID: content.ID,
	}
	if err := d.store.Queries().Create(ctx, eq); err != nil {
		return 0, newError("enqueue", 0, ErrPersistence, err)
	}

	d.metrics.RecordEnqueued()
	d.logger.Info("query enqueued",
		slog.Uint64("query_id", eq.ID),
		slog.Uint64("content_id", content.ID),
		slog.String("user", userID))

	return eq.ID, nil
}

// Dispatch starts dispatching queryID and returns a handle to its outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, queryID uint64) *Pending {
	if !d.acquire() {
		return resolved(newError("dispatch", queryID, ErrClosed, nil))
	}

	p := newPending()
	go func() {
		defer d.inflight.Done()
		p.resolve(d.run(ctx, queryID))
	}()

	return p
}

// DispatchAsync dispatches queryID in the background and only logs the
// outcome. It fails only when the dispatcher is closed.
func (d *Dispatcher) DispatchAsync(queryID uint64) error {
	if !d.acquire() {
		return newError("dispatch", queryID, ErrClosed, nil)
	}

	go func() {
		defer d.inflight.Done()
		if err := d.run(d.ctx, queryID); err != nil {
			d.logger.Error("background dispatch failed",
				slog.Uint64("query_id", queryID),
				slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Close stops accepting dispatches and waits for running ones up to the
// configured shutdown timeout.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.logger.Info("shutting down query dispatcher")

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	timeout := d.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	select {
	case <-done:
		d.logger.Info("query dispatcher stopped gracefully")
	case <-time.After(timeout):
		d.logger.Warn("query dispatcher shutdown timeout, cancelling running dispatches",
			slog.Int("queue_depth", len(d.jobs)))
	}

	d.cancel()
	d.workers.Wait()

	return nil
}

// Records returns the dispatch records of a query.
func (d *Dispatcher) Records(ctx context.Context, queryID uint64) ([]*storage.DispatchRecord, error) {
	recs, err := d.store.Dispatches().ListByQuery(ctx, queryID)
	if err != nil {
		return nil, newError("records", queryID, ErrPersistence, err)
	}
	return recs, nil
}

func (d *Dispatcher) acquire() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	d.inflight.Add(1)
	return true
}

func (d *Dispatcher) run(ctx context.Context, queryID uint64) error {
	start := time.Now()
	d.metrics.RecordDispatchStarted()

	ctx, span := d.tracer.Start(ctx, "dispatch",
		trace.WithAttributes(attribute.Int64("query.id", int64(queryID))))
	defer span.End()

	succeeded, err := d.dispatch(ctx, queryID)

	outcome := "success"
	if err != nil {
		outcome = "failure"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Int("brokers.succeeded", succeeded))
	d.metrics.RecordDispatch(outcome, msSince(start))

	if err == nil {
		d.logger.Info("query dispatched",
			slog.Uint64("query_id", queryID),
			slog.Int("brokers", len(d.brokers)),
			slog.Int("succeeded", succeeded))
	}

	return err
}

func (d *Dispatcher) dispatch(ctx context.Context, queryID uint64) (int, error) {
	eq, err := d.store.Queries().Get(ctx, queryID)
	if err != nil {
		return 0, d.loadError(queryID, err)
	}
	content, err := d.store.Contents().Get(ctx, eq.ContentID)
	if err != nil {
		return 0, d.loadError(queryID, err)
	}

	q, err := query.Unmarshal(content.SerializedBody)
	if err != nil {
		return 0, newError("dispatch", queryID, ErrCorruptContent, err)
	}

	formats, err := d.translator.Translate(ctx, q)
	if err != nil {
		return 0, newError("dispatch", queryID, ErrTranslationFailed, err)
	}

	results := make(chan brokerResult, len(d.brokers))
	for _, b := range d.brokers {
		job := brokerJob{
			ctx:     ctx,
			broker:  b,
			queryID: queryID,
			formats: formats,
			result:  results,
		}
		if err := d.submit(job); err != nil {
			results <- brokerResult{broker: b, err: err}
		}
	}

	var (
		succeeded  int
		persistErr error
	)
	for range d.brokers {
		var r brokerResult
		select {
		case r = <-results:
		case <-d.ctx.Done():
			return succeeded, newError("dispatch", queryID, ErrClosed, nil)
		}
		if r.err != nil {
			continue
		}

		succeeded++
		rec := &storage.DispatchRecord{
			QueryID:      queryID,
			ExternalID:   r.externalID,
			BrokerType:   r.broker.Client.Type(),
			DispatchedAt: r.finishedAt,
		}
		if err := d.store.Dispatches().Save(ctx, rec); err != nil {
			d.logger.Error("failed to save dispatch record",
				slog.Uint64("query_id", queryID),
				slog.String("broker", r.broker.Name),
				slog.String("external_id", r.externalID),
				slog.String("error", err.Error()))
			persistErr = errors.Join(persistErr, err)
		}
	}

	if succeeded == 0 {
		return 0, newError("dispatch", queryID, ErrAllBrokersFailed, nil)
	}
	if persistErr != nil {
		return succeeded, newError("dispatch", queryID, ErrPersistence, persistErr)
	}

	return succeeded, nil
}

func (d *Dispatcher) loadError(queryID uint64, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return newError("dispatch", queryID, ErrNotFound, err)
	}
	return newError("dispatch", queryID, ErrPersistence, err)
}
