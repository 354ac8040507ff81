// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package telemetry exposes the Collector Orchestrator's Prometheus
// metrics: events decoded per variant, events dropped per reason, and
// probes attached.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Telemetry holds the orchestrator's metric set, registered against a
// caller-supplied prometheus.Registerer so cmd/tracer can expose it over
// its own HTTP mux without this package owning global state.
type Telemetry struct {
	EventsDecoded  *prometheus.CounterVec
	EventsDropped  *prometheus.CounterVec
	ProbesAttached prometheus.Gauge
}

// New builds a Telemetry set and registers it against reg.
func New(reg prometheus.Registerer) *Telemetry {
	t := &Telemetry{
		EventsDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tracer",
			Subsystem: "events",
			Name:      "decoded_total",
			Help:      "Number of events successfully decoded, by event_type.",
		}, []string{"event_type"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tracer",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Number of raw events dropped on decode error, by reason.",
		}, []string{"reason"}),
		ProbesAttached: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tracer",
			Subsystem: "probes",
			Name:      "attached",
			Help:      "Number of probes currently attached.",
		}),
	}

	reg.MustRegister(t.EventsDecoded, t.EventsDropped, t.ProbesAttached)
	return t
}
