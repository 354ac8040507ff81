// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package collector

import "github.com/ovsprobe/tracer/pkg/filters/packet"

// Config is the flag-mapped configuration the orchestrator consumes,
// populated by cmd/tracer/subcommands/collect's cobra/pflag flags:
// packet filter text, metadata filter text, which collectors to enable,
// and the directory holding the prebuilt object blobs.
type Config struct {
	// BPFDir holds the prebuilt probe_kprobe.o, probe_kretprobe.o,
	// probe_raw_tracepoint.o and shared_maps.o object blobs.
	BPFDir string

	// PacketFilter is the pcap-style expression compiled by
	// pkg/filters/packet; empty means RejectAll (filtering disabled).
	PacketFilter string
	// PacketFilterLayer selects L2 vs L3 packet framing for PacketFilter.
	PacketFilterLayer packet.Layer

	// MetaFilter is the dotted sk_buff expression compiled by
	// pkg/filters/meta; empty means no metadata filtering.
	MetaFilter string

	// Enable lists which collectors to run by name; a name absent from
	// the map is treated as enabled, matching a CLI flag whose
	// zero-value (not passed) means "keep the default on."
	Enable map[string]bool

	// EbpfDebug records the --ebpf-debug flag. It is not passed to the
	// probe builders, so the in-kernel programs' log level does not
	// change with it.
	EbpfDebug bool
}

// Enabled reports whether collector name should run.
func (c *Config) Enabled(name string) bool {
	if c == nil || c.Enable == nil {
		return true
	}
	v, ok := c.Enable[name]
	if !ok {
		return true
	}
	return v
}
