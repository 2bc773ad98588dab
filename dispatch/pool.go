// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/absmach/querydispatch/broker"
	"github.com/absmach/querydispatch/query"
	"github.com/sony/gobreaker"
)

var errBrokerPanic = errors.New("broker panicked")

// brokerJob is one broker's create/define/publish sequence for a query.
type brokerJob struct {
	ctx     context.Context
	broker  Broker
	queryID uint64
	formats map[query.MediaType]string
	result  chan<- brokerResult
}

type brokerResult struct {
	broker     Broker
	externalID string
	finishedAt time.Time
	err        error
}

// submit queues a job, blocking while the queue is full.
func (d *Dispatcher) submit(job brokerJob) error {
	select {
	case d.jobs <- job:
		return nil
	case <-job.ctx.Done():
		return job.ctx.Err()
	case <-d.ctx.Done():
		return ErrClosed
	}
}

// worker processes broker jobs from the queue.
func (d *Dispatcher) worker() {
	defer d.workers.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case job := <-d.jobs:
			d.processJob(job)
		}
	}
}

// processJob runs a job under its broker's circuit breaker.
func (d *Dispatcher) processJob(job brokerJob) {
	start := time.Now()
	breaker := d.breakers[job.broker.Name]

	res, err := breaker.Execute(func() (interface{}, error) {
		return d.sendToBroker(job)
	})

	r := brokerResult{broker: job.broker, finishedAt: time.Now().UTC(), err: err}
	outcome := "success"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		// The broker is not contacted until the breaker allows a trial call.
		outcome = "rejected"
		d.logger.Warn("broker skipped, circuit breaker is open",
			slog.String("broker", job.broker.Name),
			slog.String("broker_type", string(job.broker.Client.Type())),
			slog.Uint64("query_id", job.queryID),
			slog.String("breaker_state", breaker.State().String()),
			slog.Duration("reset_timeout", d.cfg.CircuitBreaker.ResetTimeout))
	case err != nil:
		outcome = "failure"
		d.logger.Error("broker dispatch failed",
			slog.String("broker", job.broker.Name),
			slog.String("broker_type", string(job.broker.Client.Type())),
			slog.Uint64("query_id", job.queryID),
			slog.Bool("recoverable", broker.Recoverable(err)),
			slog.String("error", err.Error()))
	default:
		r.externalID = res.(string)
	}
	d.metrics.RecordBrokerDispatch(job.broker.Name, string(job.broker.Client.Type()), outcome, msSince(start))

	job.result <- r
}

// sendToBroker runs the three broker steps in order. A panicking broker
// counts as a failed one. A query created but not published is released.
func (d *Dispatcher) sendToBroker(job brokerJob) (externalID string, err error) {
	c := job.broker.Client
	var created string
	defer func() {
		if r := recover(); r != nil {
			externalID = ""
			err = fmt.Errorf("%w: %v", errBrokerPanic, r)
		}
		if err != nil && created != "" {
			release(c, created)
		}
	}()

	if err := job.ctx.Err(); err != nil {
		return "", err
	}

	externalID, err = c.CreateQuery(job.ctx, job.queryID)
	if err != nil {
		return "", fmt.Errorf("create query: %w", err)
	}
	created = externalID

	mediaTypes := make([]string, 0, len(job.formats))
	for mt := range job.formats {
		mediaTypes = append(mediaTypes, string(mt))
	}
	sort.Strings(mediaTypes)

	for _, mt := range mediaTypes {
		if err := c.AddQueryDefinition(job.ctx, externalID, query.MediaType(mt), job.formats[query.MediaType(mt)]); err != nil {
			return "", fmt.Errorf("add query definition %s: %w", mt, err)
		}
	}

	if err := c.PublishQuery(job.ctx, externalID); err != nil {
		return "", fmt.Errorf("publish query: %w", err)
	}

	d.logger.Debug("broker accepted query",
		slog.String("broker", job.broker.Name),
		slog.Uint64("query_id", job.queryID),
		slog.String("external_id", externalID))

	return externalID, nil
}

func release(c broker.Client, externalID string) {
	if r, ok := c.(broker.Releaser); ok {
		r.ReleaseQuery(externalID)
	}
}

func (d *Dispatcher) newBreaker(name string) *gobreaker.CircuitBreaker {
	cb := d.cfg.CircuitBreaker
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cb.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cb.FailureThreshold)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			d.logger.Warn("broker circuit breaker state changed",
				slog.String("broker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
