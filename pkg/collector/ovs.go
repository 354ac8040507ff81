// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package collector

import (
	"github.com/ovsprobe/tracer/pkg/kernel/symbol"
	"github.com/ovsprobe/tracer/pkg/probe"
)

// ovsProbes lists the kernel function-entry sites the OVS collector
// hooks to produce each OvsEvent sub-variant: upcall dispatch,
// enqueue/return around the upcall, the recv path, flow table
// operations, and action execution.
var ovsProbes = []string{
	"ovs_dp_upcall",
	"queue_userspace_packet",
	"ovs_dp_process_packet",
	"ovs_packet_cmd_execute",
	"ovs_flow_cmd_new",
	"ovs_execute_actions",
}

// OvsCollector attaches the OVS datapath probes. Unlike SkbCollector it
// carries no filters of its own: OVS events are always emitted, the
// packet/metadata filters apply only to the generic skb lifecycle path.
type OvsCollector struct{}

// NewOvsCollector returns a new, unconfigured collector.
func NewOvsCollector() *OvsCollector { return &OvsCollector{} }

func (c *OvsCollector) Name() string { return "ovs" }

func (c *OvsCollector) Init(cfg *Config, kernel *Kernel, ev *Events) error {
	if !cfg.Enabled(c.Name()) {
		return nil
	}

	probeCfg := probe.ProbeConfig{StackTrace: false}
	for _, name := range ovsProbes {
		if err := kernel.Register(name, symbol.FunctionEntry, probeCfg, nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *OvsCollector) Start() error { return nil }

func (c *OvsCollector) Stop() {}
