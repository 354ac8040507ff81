// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package events

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/ovsprobe/tracer/pkg/errs"
)

// kernelEventLen is the fixed size of a KernelEvent raw section: an
// 8-byte address, a 1-byte probe-kind tag, an 8-byte signed stack-trace
// identifier.
const kernelEventLen = 17

// probe-kind tags emitted by the in-kernel programs.
const (
	probeKindKprobe        = 0
	probeKindKretprobe     = 1
	probeKindRawTracepoint = 2
)

// StackFrame is one resolved program-counter in a KernelEvent's stack
// trace.
type StackFrame struct {
	// Symbol is the nearest symbol at or below the frame's PC.
	Symbol string
	// Offset is the byte distance from Symbol's start; zero means an
	// exact hit.
	Offset uint64
	// Resolved is false when no nearest symbol could be found; the
	// frame is then formatted as a bare address.
	Resolved bool
	// PC is the raw program counter, kept so an unresolved frame can
	// still be formatted and round-tripped.
	PC uint64
}

// String formats the frame as "symbol+0xoffset", or "0xPC" when Symbol
// could not be resolved. A zero Offset prints the bare symbol, with no
// "+0x0" suffix.
func (f StackFrame) String() string {
	if !f.Resolved {
		return fmt.Sprintf("0x%x", f.PC)
	}
	if f.Offset == 0 {
		return f.Symbol
	}
	return fmt.Sprintf("%s+0x%x", f.Symbol, f.Offset)
}

// KernelEvent carries a probe's metadata section: the symbol the probe
// fired at, the probe kind, and (when available) the resolved stack
// trace.
type KernelEvent struct {
	Symbol    string
	ProbeType string
	Stack     []StackFrame
}

func (*KernelEvent) isEvent() {}

func probeKindName(b byte) (string, bool) {
	switch b {
	case probeKindKprobe:
		return "kprobe", true
	case probeKindKretprobe:
		return "kretprobe", true
	case probeKindRawTracepoint:
		return "raw_tracepoint", true
	default:
		return "", false
	}
}

func probeKindByte(name string) (byte, bool) {
	switch name {
	case "kprobe":
		return probeKindKprobe, true
	case "kretprobe":
		return probeKindKretprobe, true
	case "raw_tracepoint":
		return probeKindRawTracepoint, true
	default:
		return 0, false
	}
}

// decodeKernelEvent decodes the fixed 17-byte section: a symbol lookup
// that must succeed, a probe-kind byte that must be one of the three
// known values, and a stack-trace lookup that tolerates a missing entry.
func (d *Decoder) decodeKernelEvent(payload []byte) (*KernelEvent, error) {
	if len(payload) != kernelEventLen {
		return nil, &errs.DecodeError{Msg: "kernel event: expected 17 bytes"}
	}

	addr := binary.LittleEndian.Uint64(payload[0:8])
	name, ok := probeKindName(payload[8])
	if !ok {
		return nil, &errs.DecodeError{Msg: "kernel event: unknown probe-kind byte"}
	}
	stackID := int64(binary.LittleEndian.Uint64(payload[9:17]))

	var symName string
	var found bool
	if d.Symbols != nil {
		symName, found = d.Symbols.ByAddr(addr)
	}
	if !found {
		return nil, &errs.DecodeError{Msg: "kernel event: unknown symbol address"}
	}

	ev := &KernelEvent{Symbol: symName, ProbeType: name}

	if stackID >= 0 && d.Stacks != nil {
		frames, err := d.resolveStack(stackID)
		if err != nil {
			// Stack-map exhaustion is non-fatal: emit no stack trace.
			log.WithError(&errs.TransientDecode{Msg: "stack trace lookup", Cause: err}).Debug("stack trace unavailable")
		} else {
			ev.Stack = frames
		}
	}

	return ev, nil
}

// resolveStack parses the kernel's raw stack-trace bytes as an array of
// host-endian u64 program counters terminated by a zero entry, resolving
// each to "symbol+0xoffset" via nearest-symbol lookup.
func (d *Decoder) resolveStack(id int64) ([]StackFrame, error) {
	raw, err := d.Stacks.Lookup(id)
	if err != nil {
		return nil, err
	}

	var frames []StackFrame
	for off := 0; off+8 <= len(raw); off += 8 {
		pc := binary.LittleEndian.Uint64(raw[off : off+8])
		if pc == 0 {
			break
		}
		frame := StackFrame{PC: pc}
		if d.Frames != nil {
			if name, offset, err := d.Frames.NearestSymbol(pc); err == nil {
				frame.Symbol, frame.Offset, frame.Resolved = name, offset, true
			}
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// encodeKernelEvent builds the raw section bytes decodeKernelEvent
// expects, the inverse operation exercised by the round-trip tests.
func encodeKernelEvent(addr uint64, kind string, stackID int64) ([]byte, error) {
	b, ok := probeKindByte(kind)
	if !ok {
		return nil, &errs.DecodeError{Msg: "unknown probe kind " + kind}
	}
	buf := make([]byte, kernelEventLen)
	binary.LittleEndian.PutUint64(buf[0:8], addr)
	buf[8] = b
	binary.LittleEndian.PutUint64(buf[9:17], uint64(stackID))
	return buf, nil
}

type kernelEventJSON struct {
	EventType string   `json:"event_type"`
	Symbol    string   `json:"symbol"`
	ProbeType string   `json:"probe_type"`
	Stack     []string `json:"stack,omitempty"`
}

// MarshalJSON emits an "event_type":"kernel" object with the resolved
// symbol, probe type, and formatted stack frames.
func (e *KernelEvent) MarshalJSON() ([]byte, error) {
	out := kernelEventJSON{EventType: "kernel", Symbol: e.Symbol, ProbeType: e.ProbeType}
	for _, f := range e.Stack {
		out.Stack = append(out.Stack, f.String())
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON. Stack frames round-trip
// as their formatted text; a frame read back through JSON carries the
// whole "symbol+0xoffset" string in Symbol, since the raw PC cannot be
// recovered from the formatted form.
func (e *KernelEvent) UnmarshalJSON(data []byte) error {
	var in kernelEventJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	e.Symbol = in.Symbol
	e.ProbeType = in.ProbeType
	e.Stack = nil
	for _, s := range in.Stack {
		e.Stack = append(e.Stack, StackFrame{Symbol: s, Resolved: true})
	}
	return nil
}
