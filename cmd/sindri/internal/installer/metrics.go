// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package installer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts node outcomes and times node work. A nil *Metrics
// records nothing.
type Metrics struct {
	nodes    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the installer metrics on reg. Nil uses the default
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		nodes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sindri",
			Subsystem: "installer",
			Name:      "nodes_total",
			Help:      "Plan nodes processed, by action.",
		}, []string{"action"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sindri",
			Subsystem: "installer",
			Name:      "node_duration_seconds",
			Help:      "Time spent on one plan node.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"action"}),
	}
}

func (m *Metrics) observe(res NodeResult) {
	if m == nil {
		return
	}
	m.nodes.WithLabelValues(string(res.Action)).Inc()
	m.duration.WithLabelValues(string(res.Action)).Observe(res.Duration.Seconds())
}
