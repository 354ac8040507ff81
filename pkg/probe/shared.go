// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package probe

import (
	cebpf "github.com/cilium/ebpf"
	manager "github.com/DataDog/ebpf-manager"

	"github.com/ovsprobe/tracer/pkg/errs"
)

// reuseMapFDs builds the name→fd table that makes every map in mapFDs
// resolve to its live descriptor instead of a freshly created one.
// Shared maps must outlive every builder using them.
func reuseMapFDs(mapFDs []MapFD) (map[string]*cebpf.Map, error) {
	out := make(map[string]*cebpf.Map, len(mapFDs))
	for _, m := range mapFDs {
		if m.Map == nil {
			return nil, &errs.AttachError{Msg: "map " + m.Name + " has no live fd to reuse"}
		}
		out[m.Name] = m.Map
	}
	return out, nil
}

// managerOptions translates reused map fds into ebpf-manager's Options
// shape, shared by the two kprobe-kind builders.
func managerOptions(mapFDs []MapFD) (manager.Options, error) {
	editors, err := reuseMapFDs(mapFDs)
	if err != nil {
		return manager.Options{}, err
	}
	return manager.Options{MapEditors: editors}, nil
}

// spliceHooksManager wires hooks into the prebuilt object's tail-call
// slots through an ebpf-manager Manager, used by the two kprobe-kind
// builders.
func spliceHooksManager(m *manager.Manager, hooks []Hook) error {
	progArray, ok, err := m.GetMap(tailCallMapName)
	if err != nil {
		return &errs.AttachError{Msg: "lookup tail-call map", Cause: err}
	}
	if !ok {
		return &errs.AttachError{Msg: "tail-call map " + tailCallMapName + " not found in loaded object"}
	}

	for _, h := range hooks {
		prog, err := cebpf.NewProgram(h.Object)
		if err != nil {
			return &errs.AttachError{Msg: "load hook program", Cause: err}
		}
		defer prog.Close()

		if err := progArray.Put(h.Slot, uint32(prog.FD())); err != nil {
			return &errs.AttachError{Msg: "splice hook into slot", Cause: err}
		}
	}
	return nil
}

// spliceHooksCollection wires hooks into a raw cilium/ebpf collection's
// tail-call slots, used by the raw-tracepoint builder.
func spliceHooksCollection(coll *cebpf.Collection, hooks []Hook) error {
	progArray, ok := coll.Maps[tailCallMapName]
	if !ok {
		return &errs.AttachError{Msg: "tail-call map " + tailCallMapName + " not found in loaded object"}
	}

	for _, h := range hooks {
		prog, err := cebpf.NewProgram(h.Object)
		if err != nil {
			return &errs.AttachError{Msg: "load hook program", Cause: err}
		}
		defer prog.Close()

		if err := progArray.Put(h.Slot, uint32(prog.FD())); err != nil {
			return &errs.AttachError{Msg: "splice hook into slot", Cause: err}
		}
	}
	return nil
}
