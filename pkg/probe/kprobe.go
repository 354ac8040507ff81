// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package probe

import (
	"bytes"

	manager "github.com/DataDog/ebpf-manager"

	"github.com/ovsprobe/tracer/pkg/errs"
	"github.com/ovsprobe/tracer/pkg/kernel/symbol"
)

// managerBuilder is the shared implementation behind FunctionEntryBuilder
// and FunctionExitBuilder: both load their prebuilt object through
// DataDog/ebpf-manager and differ only in whether the object's entry
// program is a kprobe or a kretprobe.
type managerBuilder struct {
	section string // "kprobe" or "kretprobe"
	object  []byte
	mgr     *manager.Manager
	probeID manager.ProbeIdentificationPair

	attached bool
}

func newManagerBuilder(section string, object []byte) *managerBuilder {
	return &managerBuilder{section: section, object: object}
}

func (b *managerBuilder) Init(mapFDs []MapFD, hooks []Hook) error {
	opts, err := managerOptions(mapFDs)
	if err != nil {
		return err
	}

	b.probeID = manager.ProbeIdentificationPair{EBPFFuncName: entryProgKprobe, UID: "tracer"}
	b.mgr = &manager.Manager{
		Probes: []*manager.Probe{
			{ProbeIdentificationPair: b.probeID},
		},
	}

	if err := b.mgr.InitWithOptions(bytes.NewReader(b.object), opts); err != nil {
		return &errs.AttachError{Msg: "load " + b.section + " object", Cause: err}
	}

	return spliceHooksManager(b.mgr, hooks)
}

func (b *managerBuilder) Attach(sym symbol.Symbol, cfg ProbeConfig) error {
	p, ok := b.mgr.GetProbe(b.probeID)
	if !ok {
		return &errs.AttachError{Msg: "entry program " + entryProgKprobe + " not found in loaded object"}
	}

	p.HookFuncName = sym.AttachName()
	if b.section == "kretprobe" {
		p.KProbeMaxActive = kretprobeMaxActive
	}

	if err := p.Attach(); err != nil {
		return &errs.AttachError{Msg: "attach " + b.section + " to " + sym.Name(), Cause: err}
	}

	log.WithFields(map[string]interface{}{
		"symbol": sym.Name(),
		"kind":   b.section,
	}).Debug("attached probe")

	b.attached = true
	return nil
}

func (b *managerBuilder) Detach() {
	if b.mgr == nil {
		return
	}
	if b.attached {
		if p, ok := b.mgr.GetProbe(b.probeID); ok {
			if err := p.Stop(); err != nil {
				log.WithError(err).Warn("failed to stop probe cleanly")
			}
		}
	}
	if err := b.mgr.Stop(manager.CleanAll); err != nil {
		log.WithError(err).Warn("failed to stop manager cleanly")
	}
	b.mgr = nil
	b.attached = false
}

// kretprobeMaxActive bounds concurrent in-flight return probes; matches
// the conservative default used throughout the ebpf-manager ecosystem for
// single-CPU-bound hot paths.
const kretprobeMaxActive = 128

// FunctionEntryBuilder attaches to a function's entry point (a kprobe).
type FunctionEntryBuilder struct {
	*managerBuilder
}

// NewFunctionEntryBuilder constructs a FunctionEntryBuilder around the
// prebuilt kprobe object blob.
func NewFunctionEntryBuilder(object []byte) *FunctionEntryBuilder {
	return &FunctionEntryBuilder{managerBuilder: newManagerBuilder("kprobe", object)}
}

// FunctionExitBuilder attaches to a function's return (a kretprobe).
type FunctionExitBuilder struct {
	*managerBuilder
}

// NewFunctionExitBuilder constructs a FunctionExitBuilder around the
// prebuilt kretprobe object blob.
func NewFunctionExitBuilder(object []byte) *FunctionExitBuilder {
	return &FunctionExitBuilder{managerBuilder: newManagerBuilder("kretprobe", object)}
}
