// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package collector

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/ovsprobe/tracer/pkg/errs"
	"github.com/ovsprobe/tracer/pkg/filters/meta"
	"github.com/ovsprobe/tracer/pkg/kernel/btfinfo"
	"github.com/ovsprobe/tracer/pkg/kernel/symbol"
	"github.com/ovsprobe/tracer/pkg/probe"
)

var log = logrus.WithField("subsystem", "collector")

// Kernel is the single entry point for registering probes, shared by
// every collector during init and attached in one pass by the
// orchestrator. The prebuilt object blobs backing each probe kind are
// loaded by name from a BPF directory; their kernel-side code is not
// this repo's concern.
type Kernel struct {
	bpfDir    string
	inspector *btfinfo.Inspector
	registry  *symbol.Registry
	mapFDs    []probe.MapFD

	regs []probeRegistration
}

type probeRegistration struct {
	sym     symbol.Symbol
	cfg     probe.ProbeConfig
	builder probe.Builder
}

// objectFile names the prebuilt blob backing each probe kind, resolved
// under bpfDir.
func objectFile(kind symbol.Kind) string {
	switch kind {
	case symbol.FunctionEntry:
		return "probe_kprobe.o"
	case symbol.FunctionExit:
		return "probe_kretprobe.o"
	case symbol.RawTracepoint:
		return "probe_raw_tracepoint.o"
	default:
		return ""
	}
}

// NewKernel builds a Kernel that resolves symbols through registry, loads
// prebuilt objects from bpfDir, and reuses the given shared map fds
// across every probe it attaches. inspector is the same BTF Inspector
// backing registry, exposed so collectors can share it with the
// Metadata Filter Compiler instead of re-parsing kernel BTF per
// collector.
func NewKernel(bpfDir string, inspector *btfinfo.Inspector, registry *symbol.Registry, mapFDs []probe.MapFD) *Kernel {
	return &Kernel{bpfDir: bpfDir, inspector: inspector, registry: registry, mapFDs: mapFDs}
}

// Inspector returns the BTF Inspector backing this Kernel's symbol
// registry.
func (k *Kernel) Inspector() *btfinfo.Inspector { return k.inspector }

// Register resolves name as kind, loads the matching prebuilt object,
// splices hooks into its tail-call slots, and queues it for a later
// Attach call. Errors here abort collector start.
func (k *Kernel) Register(name string, kind symbol.Kind, cfg probe.ProbeConfig, hooks []probe.Hook) error {
	sym, err := k.registry.Resolve(name, kind)
	if err != nil {
		return err
	}

	object, err := os.ReadFile(filepath.Join(k.bpfDir, objectFile(kind)))
	if err != nil {
		return &errs.AttachError{Msg: "read prebuilt object for " + kind.String(), Cause: err}
	}

	var builder probe.Builder
	switch kind {
	case symbol.FunctionEntry:
		builder = probe.NewFunctionEntryBuilder(object)
	case symbol.FunctionExit:
		builder = probe.NewFunctionExitBuilder(object)
	case symbol.RawTracepoint:
		builder = probe.NewRawTracepointBuilder(object)
	default:
		return &errs.AttachError{Msg: "unknown probe kind for " + name}
	}

	if err := builder.Init(k.mapFDs, hooks); err != nil {
		return err
	}

	k.regs = append(k.regs, probeRegistration{sym: sym, cfg: cfg, builder: builder})
	return nil
}

// Attach binds every registered probe in registration order, pushing
// each site's configuration into config_map first so the in-kernel
// program finds it on its very first hit. On failure it detaches
// everything already bound before returning.
func (k *Kernel) Attach() error {
	for i, r := range k.regs {
		if err := k.writeProbeConfig(r.sym, r.cfg); err != nil {
			k.detachThrough(i - 1)
			return err
		}
		if err := r.builder.Attach(r.sym, r.cfg); err != nil {
			k.detachThrough(i - 1)
			return err
		}
	}
	log.WithField("count", len(k.regs)).Info("attached probes")
	return nil
}

// probeConfigMapName and the value layout below are shared with the
// prebuilt objects: each probe looks its own site up by symbol address.
const probeConfigMapName = "config_map"

// maxArgOffsets is the number of per-argument offset slots in a
// config_map value.
const maxArgOffsets = 8

// packProbeConfig lays out a config_map value: nargs, the stack-trace
// flag, and the fixed-width per-argument offset table.
func packProbeConfig(nargs uint32, cfg probe.ProbeConfig) []byte {
	buf := make([]byte, 4+1+3+4*maxArgOffsets)
	binary.LittleEndian.PutUint32(buf[0:4], nargs)
	if cfg.StackTrace {
		buf[4] = 1
	}
	for i, off := range cfg.ArgOffsets {
		if i >= maxArgOffsets {
			break
		}
		binary.LittleEndian.PutUint32(buf[8+4*i:12+4*i], off)
	}
	return buf
}

func (k *Kernel) writeProbeConfig(sym symbol.Symbol, cfg probe.ProbeConfig) error {
	for _, m := range k.mapFDs {
		if m.Name != probeConfigMapName {
			continue
		}
		if err := m.Map.Put(sym.Addr(), packProbeConfig(sym.NArgs(), cfg)); err != nil {
			return &errs.AttachError{Msg: "write probe config for " + sym.Name(), Cause: err}
		}
		return nil
	}
	return &errs.AttachError{Msg: "shared map " + probeConfigMapName + " not found"}
}

func (k *Kernel) detachThrough(last int) {
	for i := last; i >= 0; i-- {
		k.regs[i].builder.Detach()
	}
}

// Detach releases every attached probe. Idempotent: detaching a builder
// twice is a no-op.
func (k *Kernel) Detach() {
	k.detachThrough(len(k.regs) - 1)
}

// Count reports the number of registered probes, for telemetry.
func (k *Kernel) Count() int { return len(k.regs) }

// writeSharedMap populates one of the shared maps Kernel was built with
// by name, one MetaOp entry per array index. Used by the skb collector
// to load the compiled metadata filter into filter_meta; the map is
// never written again after load.
func (k *Kernel) writeSharedMap(name string, fm meta.FilterMeta) error {
	for _, m := range k.mapFDs {
		if m.Name != name {
			continue
		}
		for i, op := range fm {
			if err := m.Map.Put(uint32(i), op); err != nil {
				return &errs.AttachError{Msg: "populate shared map " + name, Cause: err}
			}
		}
		return nil
	}
	return &errs.AttachError{Msg: "shared map " + name + " not found"}
}
