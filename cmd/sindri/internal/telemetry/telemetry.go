// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package telemetry sets up optional tracing and metrics export for a
// single CLI invocation.
//
// Spans are written as JSON to a trace file when --trace-file is given.
// Metrics are collected in a private Prometheus registry and written once
// at exit in the node-exporter textfile format when --metrics-file is
// given.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ServiceName identifies sindri in spans.
const ServiceName = "sindri"

// Config selects outputs. Empty paths disable them.
type Config struct {
	TraceFile   string
	MetricsFile string
	Version     string
}

// Telemetry owns the tracer provider and metrics registry.
type Telemetry struct {
	cfg      Config
	registry *prometheus.Registry
	provider *sdktrace.TracerProvider
	out      io.WriteCloser
}

// Init builds telemetry for cfg and installs the tracer provider globally
// when tracing is on. Call Shutdown before exit.
func Init(cfg Config) (*Telemetry, error) {
	t := &Telemetry{cfg: cfg, registry: prometheus.NewRegistry()}
	t.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if cfg.TraceFile == "" {
		return t, nil
	}
	f, err := os.Create(cfg.TraceFile)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	tp, err := NewTracerProvider(f, cfg.Version)
	if err != nil {
		f.Close()
		return nil, err
	}
	t.provider, t.out = tp, f
	otel.SetTracerProvider(tp)
	return t, nil
}

// NewTracerProvider exports every span synchronously to w as JSON.
func NewTracerProvider(w io.Writer, version string) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", version),
	)
	return sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	), nil
}

// Registry is where components register their collectors.
func (t *Telemetry) Registry() *prometheus.Registry { return t.registry }

// Tracer returns a named tracer, a no-op one when tracing is off.
func (t *Telemetry) Tracer(name string) trace.Tracer {
	if t.provider == nil {
		return noop.NewTracerProvider().Tracer(name)
	}
	return t.provider.Tracer(name)
}

// Shutdown flushes spans and writes the metrics file.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.provider != nil {
		errs = append(errs, t.provider.Shutdown(ctx), t.out.Close())
	}
	if t.cfg.MetricsFile != "" {
		if err := prometheus.WriteToTextfile(t.cfg.MetricsFile, t.registry); err != nil {
			errs = append(errs, fmt.Errorf("write metrics file: %w", err))
		}
	}
	return errors.Join(errs...)
}
