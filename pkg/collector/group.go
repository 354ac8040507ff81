// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package collector

import "github.com/ovsprobe/tracer/pkg/errs"

// Collector is the contract every concrete collector satisfies: it
// registers probes during Init and starts any non-probe background
// logic in Start.
type Collector interface {
	// Name is unique among all registered collectors.
	Name() string
	// Init registers this collector's probes against kernel and wires
	// whatever event state it needs from events. Checks for the
	// collector's mandatory configuration happen here.
	Init(cfg *Config, kernel *Kernel, ev *Events) error
	// Start begins the collector's non-probe runtime logic (timers,
	// auxiliary readers); probes themselves are attached by Kernel.
	Start() error
	// Stop releases whatever Start acquired. Idempotent.
	Stop()
}

// Group holds every registered collector and drives them as one unit.
type Group struct {
	collectors []Collector
}

// Register adds c to the group. Order is preserved: collectors init,
// start and stop in registration order.
func (g *Group) Register(c Collector) *Group {
	g.collectors = append(g.collectors, c)
	return g
}

// Init calls Init on every collector in registration order. The first
// failure aborts and is returned; no later collector is initialized.
func (g *Group) Init(cfg *Config, kernel *Kernel, ev *Events) error {
	for _, c := range g.collectors {
		if err := c.Init(cfg, kernel, ev); err != nil {
			return &errs.AttachError{Msg: "init collector " + c.Name(), Cause: err}
		}
	}
	return nil
}

// Start calls Start on every collector in registration order. On
// failure, every collector already started is stopped before returning.
func (g *Group) Start() error {
	for i, c := range g.collectors {
		if err := c.Start(); err != nil {
			for j := i - 1; j >= 0; j-- {
				g.collectors[j].Stop()
			}
			return &errs.AttachError{Msg: "start collector " + c.Name(), Cause: err}
		}
	}
	return nil
}

// Stop stops every collector in reverse registration order. Idempotent.
func (g *Group) Stop() {
	for i := len(g.collectors) - 1; i >= 0; i-- {
		g.collectors[i].Stop()
	}
}
