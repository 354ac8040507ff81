// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package probe attaches compiled filters and user hooks to kernel probe
// sites. One concrete builder exists per attach-site kind (function
// entry, function exit, raw tracepoint); map reuse and hook splicing are
// shared as free functions.
package probe

import (
	cebpf "github.com/cilium/ebpf"
	"github.com/sirupsen/logrus"

	"github.com/ovsprobe/tracer/pkg/kernel/symbol"
)

var log = logrus.WithField("subsystem", "probe")

// ProbeConfig is the read-only per-site configuration pushed to the
// kernel.
type ProbeConfig struct {
	// StackTrace enables stack-trace capture at this site.
	StackTrace bool
	// ArgOffsets is the per-argument offset table the in-kernel probe
	// uses to read function/tracepoint arguments.
	ArgOffsets []uint32
}

// Hook is an opaque object-code blob spliced into a tail-call slot at a
// probe.
type Hook struct {
	// Slot is the fixed tail-call index this hook occupies.
	Slot uint32
	// Object is the hook's compiled eBPF program spec; it is loaded, and
	// so verified by the kernel, when the hook is spliced.
	Object *cebpf.ProgramSpec
}

// MapFD names a shared map file descriptor a builder must reuse instead
// of creating a fresh map of the same name.
type MapFD struct {
	Name string
	Map  *cebpf.Map
}

// Builder is the contract every concrete probe builder satisfies.
type Builder interface {
	// Init opens the kind's prebuilt object, reuses mapFDs by name, and
	// splices hooks into their tail-call slots.
	Init(mapFDs []MapFD, hooks []Hook) error
	// Attach binds the loaded object to sym with the given per-site
	// config.
	Attach(sym symbol.Symbol, cfg ProbeConfig) error
	// Detach releases every link and loaded object this builder holds.
	// Detach is idempotent.
	Detach()
}

// tailCallMapName is the well-known name of the PROG_ARRAY every prebuilt
// object exposes for hook splicing.
const tailCallMapName = "hooks"

// Entry-program names each builder locates in its loaded object.
const (
	entryProgKprobe        = "probe_kprobe"
	entryProgRawTracepoint = "probe_raw_tracepoint"
)
