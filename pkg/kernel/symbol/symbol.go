// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package symbol implements the registry that maps symbolic probe names to
// kernel attach sites: resolved address, argument count and probe kind.
package symbol

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ovsprobe/tracer/pkg/errs"
	"github.com/ovsprobe/tracer/pkg/kernel/btfinfo"
)

var log = logrus.WithField("subsystem", "kernel/symbol")

// Kind classifies a probe attach site.
type Kind int

const (
	// FunctionEntry is a kprobe attached at function entry.
	FunctionEntry Kind = iota
	// FunctionExit is a kretprobe attached at function return.
	FunctionExit
	// RawTracepoint is attached to a kernel static tracepoint.
	RawTracepoint
)

func (k Kind) String() string {
	switch k {
	case FunctionEntry:
		return "kprobe"
	case FunctionExit:
		return "kretprobe"
	case RawTracepoint:
		return "raw_tracepoint"
	default:
		return "unknown"
	}
}

// Symbol is a resolved kernel attach site. Every Symbol returned by the
// Registry has a resolvable address and argument count; it is immutable
// once constructed.
type Symbol struct {
	name  string
	addr  uint64
	kind  Kind
	nargs uint32
}

// Name is the symbolic name as given (for raw tracepoints, the
// "subsystem:event" form; use AttachName for the bare kernel attach name).
func (s Symbol) Name() string { return s.name }

// Addr is the resolved 64-bit kernel address.
func (s Symbol) Addr() uint64 { return s.addr }

// Kind classifies the attach site.
func (s Symbol) Kind() Kind { return s.kind }

// NArgs is the number of arguments the attach site's hooks may read.
func (s Symbol) NArgs() uint32 { return s.nargs }

// AttachName returns the name the kernel attach syscall expects: for raw
// tracepoints this is the bare event name with the "subsystem:" prefix
// stripped; for kprobes it is the symbol name itself.
func (s Symbol) AttachName() string {
	if s.kind != RawTracepoint {
		return s.name
	}
	if idx := strings.IndexByte(s.name, ':'); idx >= 0 {
		return s.name[idx+1:]
	}
	return s.name
}

// Registry resolves symbolic probe names against the BTF Inspector and
// classifies probes by kind. It remembers every Symbol it resolved so a
// probe's recorded address maps back to the name it was registered
// under, tracepoint descriptor addresses included.
type Registry struct {
	inspector *btfinfo.Inspector

	mu       sync.RWMutex
	resolved map[uint64]Symbol
}

// NewRegistry builds a Registry backed by the given BTF Inspector.
func NewRegistry(inspector *btfinfo.Inspector) *Registry {
	return &Registry{inspector: inspector, resolved: make(map[uint64]Symbol)}
}

// Resolve classifies name as kind and resolves its address and argument
// count. Raw tracepoint names are given in "subsystem:event" form.
func (r *Registry) Resolve(name string, kind Kind) (Symbol, error) {
	var addr uint64
	var nargs uint32
	var err error
	if kind == RawTracepoint {
		lookup := name
		if idx := strings.IndexByte(name, ':'); idx >= 0 {
			lookup = name[idx+1:]
		}
		addr, nargs, err = r.inspector.Tracepoint(lookup)
	} else {
		addr, nargs, err = r.inspector.Symbol(name)
	}
	if err != nil {
		log.WithError(err).WithField("symbol", name).Debug("failed to resolve symbol")
		return Symbol{}, &errs.ResolveError{Msg: "symbol " + name + " not found", Cause: errors.WithStack(err)}
	}

	sym := Symbol{name: name, addr: addr, kind: kind, nargs: nargs}
	r.mu.Lock()
	r.resolved[addr] = sym
	r.mu.Unlock()
	return sym, nil
}

// ByAddr resolves a kernel address back to its exact symbol name, used
// to turn a probe's recorded address into a human name. Addresses the
// registry resolved itself win; anything else falls back to an exact
// hit on a kallsyms text symbol.
func (r *Registry) ByAddr(addr uint64) (name string, ok bool) {
	r.mu.RLock()
	sym, found := r.resolved[addr]
	r.mu.RUnlock()
	if found {
		return sym.name, true
	}

	n, off, err := r.inspector.NearestSymbol(addr)
	if err != nil {
		return "", false
	}
	if off != 0 {
		// The symbol address recorded in-kernel is always exact.
		return "", false
	}
	return n, true
}
