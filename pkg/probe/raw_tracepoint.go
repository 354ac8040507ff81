// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package probe

import (
	"bytes"

	cebpf "github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"

	"github.com/ovsprobe/tracer/pkg/errs"
	"github.com/ovsprobe/tracer/pkg/kernel/symbol"
)

// RawTracepointBuilder attaches to a kernel static tracepoint via raw
// cilium/ebpf + link, bypassing ebpf-manager entirely: raw tracepoints
// need no perf-event wrapper, just BPF_RAW_TRACEPOINT_OPEN by name.
type RawTracepointBuilder struct {
	object []byte

	coll     *cebpf.Collection
	entry    *cebpf.Program
	tpLink   link.Link
	attached bool
}

// NewRawTracepointBuilder constructs a RawTracepointBuilder around the
// prebuilt raw-tracepoint object blob.
func NewRawTracepointBuilder(object []byte) *RawTracepointBuilder {
	return &RawTracepointBuilder{object: object}
}

func (b *RawTracepointBuilder) Init(mapFDs []MapFD, hooks []Hook) error {
	spec, err := cebpf.LoadCollectionSpecFromReader(bytes.NewReader(b.object))
	if err != nil {
		return &errs.AttachError{Msg: "parse raw tracepoint object", Cause: err}
	}

	reused, err := reuseMapFDs(mapFDs)
	if err != nil {
		return err
	}
	if err := spec.RewriteMaps(reused); err != nil {
		return &errs.AttachError{Msg: "reuse shared maps", Cause: err}
	}

	coll, err := cebpf.NewCollection(spec)
	if err != nil {
		return &errs.AttachError{Msg: "load raw tracepoint object", Cause: err}
	}
	b.coll = coll

	entry, ok := coll.Programs[entryProgRawTracepoint]
	if !ok {
		return &errs.AttachError{Msg: "entry program " + entryProgRawTracepoint + " not found in loaded object"}
	}
	b.entry = entry

	return spliceHooksCollection(coll, hooks)
}

func (b *RawTracepointBuilder) Attach(sym symbol.Symbol, cfg ProbeConfig) error {
	l, err := link.AttachRawTracepoint(link.RawTracepointOptions{
		Name:    sym.AttachName(),
		Program: b.entry,
	})
	if err != nil {
		return &errs.AttachError{Msg: "attach raw tracepoint " + sym.AttachName(), Cause: err}
	}
	b.tpLink = l

	log.WithField("tracepoint", sym.AttachName()).Debug("attached probe")
	b.attached = true
	return nil
}

func (b *RawTracepointBuilder) Detach() {
	if b.tpLink != nil {
		if err := b.tpLink.Close(); err != nil {
			log.WithError(err).Warn("failed to close raw tracepoint link cleanly")
		}
		b.tpLink = nil
	}
	if b.coll != nil {
		b.coll.Close()
		b.coll = nil
	}
	b.attached = false
}
