// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package collector

import (
	cebpf "github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"

	"github.com/ovsprobe/tracer/pkg/filters/meta"
	"github.com/ovsprobe/tracer/pkg/filters/packet"
	"github.com/ovsprobe/tracer/pkg/kernel/symbol"
	"github.com/ovsprobe/tracer/pkg/probe"
)

// packetFilterSlot and metaFilterMapName are the fixed tail-call slot
// and shared map the skb collector's compiled filters occupy.
const (
	packetFilterSlot  = 0
	metaFilterMapName = "filter_meta"
)

// SkbCollector attaches the generic packet lifecycle probes, splices the
// compiled packet filter into its tail-call slot, and loads the compiled
// metadata filter into the filter_meta map.
type SkbCollector struct{}

// NewSkbCollector returns a new, unconfigured collector.
func NewSkbCollector() *SkbCollector { return &SkbCollector{} }

func (c *SkbCollector) Name() string { return "skb" }

func (c *SkbCollector) Init(cfg *Config, kernel *Kernel, ev *Events) error {
	if !cfg.Enabled(c.Name()) {
		return nil
	}
	prog := packet.RejectAll()
	if cfg.PacketFilter != "" {
		compiled, err := packet.Compile(cfg.PacketFilter, cfg.PacketFilterLayer)
		if err != nil {
			return err
		}
		prog = compiled
	}

	var metaFilter meta.FilterMeta
	if cfg.MetaFilter != "" {
		compiler := meta.NewCompiler(kernel.Inspector())
		compiled, err := compiler.Compile(cfg.MetaFilter)
		if err != nil {
			return err
		}
		metaFilter = compiled
	}

	// The filter program is tail-called, so its type must match the
	// calling probe program's type at each site.
	filterHook := func(t cebpf.ProgramType) []probe.Hook {
		return []probe.Hook{{
			Slot: packetFilterSlot,
			Object: &cebpf.ProgramSpec{
				Name:         "packet_filter",
				Type:         t,
				Instructions: asm.Instructions(prog),
				License:      "GPL",
			},
		}}
	}

	cfgEntry := probe.ProbeConfig{StackTrace: true}
	if err := kernel.Register("netif_receive_skb", symbol.FunctionEntry, cfgEntry, filterHook(cebpf.Kprobe)); err != nil {
		return err
	}
	if err := kernel.Register("skb:kfree_skb", symbol.RawTracepoint, probe.ProbeConfig{StackTrace: true}, filterHook(cebpf.RawTracepoint)); err != nil {
		return err
	}

	if metaFilter != nil {
		// filter_meta is write-once at load, read-only thereafter; every
		// shared map is already open by the time a collector's Init runs.
		if err := kernel.writeSharedMap(metaFilterMapName, metaFilter); err != nil {
			return err
		}
	}
	return nil
}

func (c *SkbCollector) Start() error { return nil }

func (c *SkbCollector) Stop() {}
