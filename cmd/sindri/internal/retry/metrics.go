// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package retry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsObserver exports attempt counters and delay histograms to a
// Prometheus registry. The CLI writes the registry to a textfile when
// --metrics-file is set.
type MetricsObserver struct {
	attempts *prometheus.CounterVec
	delays   *prometheus.HistogramVec
	outcomes *prometheus.CounterVec
}

// NewMetricsObserver registers the retry metrics on reg.
//
// # Inputs
//
//   - reg: Registerer to use. Nil uses prometheus.DefaultRegisterer.
//
// # Outputs
//
//   - *MetricsObserver: Ready to use. Registering twice on the same
//     registry panics, as with any promauto metric.
func NewMetricsObserver(reg prometheus.Registerer) *MetricsObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &MetricsObserver{
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sindri",
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Attempts made by the retry engine, by operation and result.",
		}, []string{"operation", "result"}),
		delays: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sindri",
			Subsystem: "retry",
			Name:      "delay_seconds",
			Help:      "Planned delay before a retry.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"operation"}),
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sindri",
			Subsystem: "retry",
			Name:      "operations_total",
			Help:      "Completed retried operations, by operation and outcome.",
		}, []string{"operation", "outcome"}),
	}
}

func (m *MetricsObserver) OnAttempt(_ context.Context, a Attempt) {
	result := "success"
	if a.Err != nil {
		result = "failure"
	}
	m.attempts.WithLabelValues(a.Operation, result).Inc()
	if a.Delay > 0 {
		m.delays.WithLabelValues(a.Operation).Observe(a.Delay.Seconds())
	}
}

func (m *MetricsObserver) OnFinish(_ context.Context, operation string, _ int, err error) {
	m.outcomes.WithLabelValues(operation, outcomeLabel(err)).Inc()
}

func outcomeLabel(err error) string {
	switch err.(type) {
	case nil:
		return "success"
	case *ExhaustedError:
		return "exhausted"
	case *NonRetryableError:
		return "non_retryable"
	case *CancelledError:
		return "cancelled"
	default:
		return "error"
	}
}
