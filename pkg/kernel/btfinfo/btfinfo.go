// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package btfinfo resolves kernel type information (BTF) and kernel
// symbol addresses: "what type is this field" for the metadata filter
// compiler, "what address/argument count does this symbol have" for the
// symbol registry and probe builders.
package btfinfo

import (
	"bufio"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cilium/ebpf/btf"
	"github.com/pkg/errors"
)

// Inspector resolves BTF types and kallsyms addresses. It is safe for
// concurrent use; the kernel BTF spec and the kallsyms table are each
// resolved once and memoized.
type Inspector struct {
	kallsymsPath string

	specOnce sync.Once
	spec     *btf.Spec
	specErr  error

	symOnce sync.Once
	symErr  error
	byName  map[string]kallsymEntry
	byAddr  []kallsymEntry // sorted by addr, for nearest-symbol lookup
}

type kallsymEntry struct {
	addr uint64
	name string
}

// NewInspector returns an Inspector reading kernel symbols from
// /proc/kallsyms.
func NewInspector() *Inspector {
	return &Inspector{kallsymsPath: "/proc/kallsyms"}
}

// Spec returns the running kernel's BTF type graph, loading and caching it
// on first use.
func (i *Inspector) Spec() (*btf.Spec, error) {
	i.specOnce.Do(func() {
		i.spec, i.specErr = btf.LoadKernelSpec()
	})
	return i.spec, i.specErr
}

// ResolveStruct locates a struct type by name, e.g. "sk_buff".
func (i *Inspector) ResolveStruct(name string) (*btf.Struct, error) {
	spec, err := i.Spec()
	if err != nil {
		return nil, errors.Wrap(err, "load kernel BTF")
	}

	var target *btf.Struct
	if err := spec.TypeByName(name, &target); err != nil {
		return nil, errors.Wrapf(err, "resolve struct %q", name)
	}
	return target, nil
}

func (i *Inspector) loadKallsyms() {
	i.symOnce.Do(func() {
		f, err := os.Open(i.kallsymsPath)
		if err != nil {
			i.symErr = errors.Wrap(err, "open kallsyms")
			return
		}
		defer f.Close()

		i.byName = make(map[string]kallsymEntry)
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) < 3 {
				continue
			}
			addr, err := strconv.ParseUint(fields[0], 16, 64)
			if err != nil || addr == 0 {
				continue
			}
			name := fields[2]
			entry := kallsymEntry{addr: addr, name: name}
			if _, exists := i.byName[name]; !exists {
				i.byName[name] = entry
			}
			// Only text symbols participate in nearest-symbol lookup;
			// data symbols (tracepoint descriptors among them) are still
			// resolvable by name.
			switch fields[1] {
			case "t", "T", "w", "W":
				i.byAddr = append(i.byAddr, entry)
			}
		}
		if err := scanner.Err(); err != nil {
			i.symErr = errors.Wrap(err, "scan kallsyms")
			return
		}
		sort.Slice(i.byAddr, func(a, b int) bool { return i.byAddr[a].addr < i.byAddr[b].addr })
	})
}

// Symbol resolves a function name to its kernel address and the number
// of arguments its BTF function prototype declares.
func (i *Inspector) Symbol(name string) (addr uint64, nargs uint32, err error) {
	i.loadKallsyms()
	if i.symErr != nil {
		return 0, 0, i.symErr
	}

	entry, ok := i.byName[name]
	if !ok {
		return 0, 0, errors.Errorf("symbol %q not found in kallsyms", name)
	}

	nargs, err = i.funcArgCount(name)
	if err != nil {
		// Every resolved symbol must carry an argument count; surface
		// the failure rather than guessing.
		return 0, 0, errors.Wrapf(err, "resolve argument count for %q", name)
	}

	return entry.addr, nargs, nil
}

// Tracepoint resolves a raw tracepoint's bare event name (for example
// "kfree_skb") to the address of its kernel tracepoint descriptor and
// the number of arguments its probe receives. The descriptor lives
// behind the "__tracepoint_" symbol; the argument count comes from the
// "btf_trace_" typedef's function prototype, minus its leading context
// pointer.
func (i *Inspector) Tracepoint(name string) (addr uint64, nargs uint32, err error) {
	i.loadKallsyms()
	if i.symErr != nil {
		return 0, 0, i.symErr
	}

	entry, ok := i.byName["__tracepoint_"+name]
	if !ok {
		return 0, 0, errors.Errorf("tracepoint %q not found in kallsyms", name)
	}

	spec, err := i.Spec()
	if err != nil {
		return 0, 0, err
	}

	var td *btf.Typedef
	if err := spec.TypeByName("btf_trace_"+name, &td); err != nil {
		return 0, 0, errors.Wrapf(err, "resolve BTF typedef for tracepoint %q", name)
	}
	ptr, ok := td.Type.(*btf.Pointer)
	if !ok {
		return 0, 0, errors.Errorf("tracepoint %q typedef is not a function pointer", name)
	}
	proto, ok := ptr.Target.(*btf.FuncProto)
	if !ok {
		return 0, 0, errors.Errorf("tracepoint %q typedef is not a function pointer", name)
	}
	if len(proto.Params) == 0 {
		return 0, 0, errors.Errorf("tracepoint %q prototype has no context argument", name)
	}

	return entry.addr, uint32(len(proto.Params) - 1), nil
}

func (i *Inspector) funcArgCount(name string) (uint32, error) {
	spec, err := i.Spec()
	if err != nil {
		return 0, err
	}

	var fn *btf.Func
	if err := spec.TypeByName(name, &fn); err != nil {
		return 0, errors.Wrapf(err, "resolve BTF func %q", name)
	}

	proto, ok := fn.Type.(*btf.FuncProto)
	if !ok {
		return 0, errors.Errorf("%q has no function prototype", name)
	}

	return uint32(len(proto.Params)), nil
}

// NearestSymbol resolves addr to the nearest known text symbol at or
// below it, returning the symbol name and the byte offset from its
// start. Used to format stack-trace frames as "symbol+0xoffset".
func (i *Inspector) NearestSymbol(addr uint64) (name string, offset uint64, err error) {
	i.loadKallsyms()
	if i.symErr != nil {
		return "", 0, i.symErr
	}
	if len(i.byAddr) == 0 {
		return "", 0, errors.New("no kernel symbols loaded")
	}

	idx := sort.Search(len(i.byAddr), func(n int) bool { return i.byAddr[n].addr > addr }) - 1
	if idx < 0 {
		return "", 0, errors.Errorf("no symbol at or below %#x", addr)
	}

	entry := i.byAddr[idx]
	return entry.name, addr - entry.addr, nil
}
