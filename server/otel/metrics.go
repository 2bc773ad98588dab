// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the dispatcher.
// A nil *Metrics records nothing.
type Metrics struct {
	meter metric.Meter

	// Counters
	queriesEnqueued  metric.Int64Counter
	dispatchesTotal  metric.Int64Counter
	brokerDispatches metric.Int64Counter

	// UpDownCounters (Gauges)
	dispatchesInflight metric.Int64UpDownCounter

	// Histograms
	dispatchDuration metric.Float64Histogram
	brokerDuration   metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithProvider(otel.GetMeterProvider())
}

// NewMetricsWithProvider creates the instruments on a specific provider.
func NewMetricsWithProvider(mp metric.MeterProvider) (*Metrics, error) {
	m := &Metrics{
		meter: mp.Meter("querydispatch"),
	}

	var err error

	m.queriesEnqueued, err = m.meter.Int64Counter(
		"querydispatch.queries.enqueued.total",
		metric.WithDescription("Total number of enqueued queries"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queriesEnqueued counter: %w", err)
	}

	m.dispatchesTotal, err = m.meter.Int64Counter(
		"querydispatch.dispatches.total",
		metric.WithDescription("Total dispatches by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatchesTotal counter: %w", err)
	}

	m.brokerDispatches, err = m.meter.Int64Counter(
		"querydispatch.broker.dispatches.total",
		metric.WithDescription("Total per-broker dispatch sequences by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create brokerDispatches counter: %w", err)
	}

	m.dispatchesInflight, err = m.meter.Int64UpDownCounter(
		"querydispatch.dispatches.inflight",
		metric.WithDescription("Dispatches currently in progress"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatchesInflight gauge: %w", err)
	}

	m.dispatchDuration, err = m.meter.Float64Histogram(
		"querydispatch.dispatch.duration.ms",
		metric.WithDescription("Dispatch duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatchDuration histogram: %w", err)
	}

	m.brokerDuration, err = m.meter.Float64Histogram(
		"querydispatch.broker.duration.ms",
		metric.WithDescription("Per-broker create/define/publish duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create brokerDuration histogram: %w", err)
	}

	return m, nil
}

// RecordEnqueued records a new enqueued query.
func (m *Metrics) RecordEnqueued() {
	if m == nil {
		return
	}
	m.queriesEnqueued.Add(context.Background(), 1)
}

// RecordDispatchStarted marks a dispatch as in flight.
func (m *Metrics) RecordDispatchStarted() {
	if m == nil {
		return
	}
	m.dispatchesInflight.Add(context.Background(), 1)
}

// RecordDispatch records a finished dispatch.
func (m *Metrics) RecordDispatch(outcome string, durationMs float64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.dispatchesInflight.Add(ctx, -1)
	m.dispatchesTotal.Add(ctx, 1, attrs)
	m.dispatchDuration.Record(ctx, durationMs, attrs)
}

// RecordBrokerDispatch records one broker's create/define/publish sequence.
func (m *Metrics) RecordBrokerDispatch(name, brokerType, outcome string, durationMs float64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("broker", name),
		attribute.String("type", brokerType),
		attribute.String("outcome", outcome),
	)
	m.brokerDispatches.Add(ctx, 1, attrs)
	m.brokerDuration.Record(ctx, durationMs, attrs)
}
