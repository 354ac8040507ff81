// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package collector

import (
	"github.com/ovsprobe/tracer/pkg/kernel/symbol"
	"github.com/ovsprobe/tracer/pkg/probe"
)

// SkbTrackingCollector attaches the probes that establish per-skb
// identity, so later events can be correlated to the same packet as it
// moves through the stack.
type SkbTrackingCollector struct {
	started bool
}

// NewSkbTrackingCollector returns a new, unconfigured collector.
func NewSkbTrackingCollector() *SkbTrackingCollector { return &SkbTrackingCollector{} }

func (c *SkbTrackingCollector) Name() string { return "skb-tracking" }

func (c *SkbTrackingCollector) Init(cfg *Config, kernel *Kernel, ev *Events) error {
	if !cfg.Enabled(c.Name()) {
		return nil
	}
	return kernel.Register("consume_skb", symbol.FunctionEntry, probe.ProbeConfig{}, nil)
}

func (c *SkbTrackingCollector) Start() error {
	c.started = true
	return nil
}

func (c *SkbTrackingCollector) Stop() {
	c.started = false
}
