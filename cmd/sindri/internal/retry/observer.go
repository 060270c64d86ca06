// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package retry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pacphi/sindri/pkg/logging"
)

// Attempt describes one finished invocation of the operation.
type Attempt struct {
	// Operation is the executor's Name.
	Operation string

	// Number is 1-based.
	Number int

	// Err is nil when the attempt succeeded.
	Err error

	// Delay is the wait planned before the next attempt. Zero when no
	// further attempt will be made.
	Delay time.Duration
}

// Observer is notified about attempts. Observers cannot change the outcome;
// a panicking observer is recovered and ignored.
type Observer interface {
	// OnAttempt is called after every attempt, successful or not.
	OnAttempt(ctx context.Context, a Attempt)

	// OnFinish is called once with the final error (nil on success).
	OnFinish(ctx context.Context, operation string, attempts int, err error)
}

// =============================================================================
// No-op
// =============================================================================

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) OnAttempt(context.Context, Attempt) {}
func (NopObserver) OnFinish(context.Context, string, int, error) {}

// =============================================================================
// Tracing
// =============================================================================

// TracingObserver writes structured log records for retries and adds span
// events to the span in ctx, if any.
type TracingObserver struct {
	logger *slog.Logger
}

// NewTracingObserver creates a TracingObserver. A nil logger discards.
func NewTracingObserver(logger *slog.Logger) *TracingObserver {
	if logger == nil {
		logger = logging.Discard()
	}
	return &TracingObserver{logger: logger}
}

// OnAttempt logs failed attempts at Warn when a retry follows, Debug
// otherwise.
func (o *TracingObserver) OnAttempt(ctx context.Context, a Attempt) {
	span := trace.SpanFromContext(ctx)
	attrs := []attribute.KeyValue{
		attribute.String("retry.operation", a.Operation),
		attribute.Int("retry.attempt", a.Number),
		attribute.Int64("retry.delay_ms", a.Delay.Milliseconds()),
	}
	if a.Err != nil {
		attrs = append(attrs, attribute.String("retry.error", a.Err.Error()))
	}
	span.AddEvent("retry.attempt", trace.WithAttributes(attrs...))

	switch {
	case a.Err == nil:
		o.logger.Debug("attempt succeeded", "operation", a.Operation, "attempt", a.Number)
	case a.Delay > 0:
		o.logger.Warn("attempt failed, retrying",
			"operation", a.Operation, "attempt", a.Number, "delay", a.Delay, "error", a.Err)
	default:
		o.logger.Debug("attempt failed", "operation", a.Operation, "attempt", a.Number, "error", a.Err)
	}
}

// OnFinish records the outcome on the span and logs give-ups.
func (o *TracingObserver) OnFinish(ctx context.Context, operation string, attempts int, err error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.Int("retry.attempts", attempts))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error("operation failed", "operation", operation, "attempts", attempts, "error", err)
	}
}

// =============================================================================
// Statistics
// =============================================================================

// Stats is a snapshot of a StatsObserver.
type Stats struct {
	Attempts   int
	Failures   int
	Retries    int
	GaveUp     int
	Succeeded  int
	TotalDelay time.Duration
	Delays     []time.Duration
}

// StatsObserver counts attempts, failures and cumulative delay.
//
// # Thread Safety
//
// Safe for concurrent use across executors.
type StatsObserver struct {
	mu    sync.Mutex
	stats Stats
}

// NewStatsObserver creates an empty StatsObserver.
func NewStatsObserver() *StatsObserver {
	return &StatsObserver{}
}

func (o *StatsObserver) OnAttempt(_ context.Context, a Attempt) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stats.Attempts++
	if a.Err != nil {
		o.stats.Failures++
	}
	if a.Delay > 0 {
		o.stats.Retries++
		o.stats.TotalDelay += a.Delay
		o.stats.Delays = append(o.stats.Delays, a.Delay)
	}
}

func (o *StatsObserver) OnFinish(_ context.Context, _ string, _ int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.stats.GaveUp++
	} else {
		o.stats.Succeeded++
	}
}

// Snapshot returns a copy of the counters.
func (o *StatsObserver) Snapshot() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.stats
	s.Delays = append([]time.Duration(nil), o.stats.Delays...)
	return s
}

// =============================================================================
// Fan-out
// =============================================================================

// MultiObserver notifies each observer in order.
type MultiObserver []Observer

func (m MultiObserver) OnAttempt(ctx context.Context, a Attempt) {
	for _, o := range m {
		notifyAttempt(ctx, o, a)
	}
}

func (m MultiObserver) OnFinish(ctx context.Context, operation string, attempts int, err error) {
	for _, o := range m {
		notifyFinish(ctx, o, operation, attempts, err)
	}
}

// Observe combines observers, skipping nils.
func Observe(observers ...Observer) Observer {
	var out MultiObserver
	for _, o := range observers {
		if o != nil {
			out = append(out, o)
		}
	}
	switch len(out) {
	case 0:
		return NopObserver{}
	case 1:
		return out[0]
	default:
		return out
	}
}

func notifyAttempt(ctx context.Context, o Observer, a Attempt) {
	defer func() { _ = recover() }()
	o.OnAttempt(ctx, a)
}

func notifyFinish(ctx context.Context, o Observer, operation string, attempts int, err error) {
	defer func() { _ = recover() }()
	o.OnFinish(ctx, operation, attempts, err)
}
