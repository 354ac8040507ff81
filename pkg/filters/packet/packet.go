// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package packet compiles pcap-style filter expressions into eBPF
// programs: a pcap front end (google/gopacket/pcap) produces classic BPF,
// golang.org/x/net/bpf disassembles it into typed instructions, and this
// package lowers each one into an equivalent sequence of
// github.com/cilium/ebpf/asm instructions, preserving register semantics.
package packet

import (
	"github.com/cilium/ebpf/asm"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"
	"github.com/sirupsen/logrus"

	"github.com/ovsprobe/tracer/pkg/errs"
)

var log = logrus.WithField("subsystem", "filters/packet")

// Layer is the link-layer a packet filter is compiled against.
type Layer int

const (
	// L3 filters see raw (no link-layer header) packets.
	L3 Layer = iota
	// L2 filters see full Ethernet-framed packets.
	L2
)

func (l Layer) linktype() layers.LinkType {
	switch l {
	case L2:
		return layers.LinkTypeEthernet
	default:
		// DLT_RAW: no link-layer header.
		return layers.LinkType(12)
	}
}

// FilterMaxInsns bounds the compiled program's instruction count; programs
// past this size would be rejected by the in-kernel verifier anyway.
const FilterMaxInsns = 4096

// Program is an ordered sequence of eBPF instructions derived from a
// cBPF program.
type Program asm.Instructions

// Len reports the instruction count.
func (p Program) Len() int { return len(p) }

// RejectAll is the distinguished reject-all program: a single instruction
// zeroing the result register, used when filtering is disabled so the
// in-kernel dispatch path stays uniform.
func RejectAll() Program {
	return Program{asm.Mov.Imm(asm.R0, 0)}
}

// Compile parses filterText as a pcap filter expression against the given
// link layer and lowers it to an eBPF program.
func Compile(filterText string, layer Layer) (Program, error) {
	handle, err := pcap.OpenDead(layer.linktype(), 262144)
	if err != nil {
		return nil, &errs.CompileError{Msg: "open dead capture", Cause: err}
	}
	defer handle.Close()

	cbpf, err := handle.CompileBPFFilter(filterText)
	if err != nil {
		return nil, &errs.CompileError{Msg: "could not compile filter: " + filterText, Cause: err}
	}

	raw := make([]bpf.RawInstruction, 0, len(cbpf))
	for _, ins := range cbpf {
		raw = append(raw, bpf.RawInstruction{
			Op: ins.Code,
			Jt: ins.Jt,
			Jf: ins.Jf,
			K:  ins.K,
		})
	}

	decoded := make([]bpf.Instruction, 0, len(raw))
	for _, r := range raw {
		decoded = append(decoded, r.Disassemble())
	}

	prog, err := lower(decoded)
	if err != nil {
		return nil, err
	}

	if prog.Len() > FilterMaxInsns {
		return nil, &errs.CompileError{Msg: "filter exceeds FILTER_MAX_INSNS"}
	}

	log.WithField("insns", prog.Len()).Debug("compiled packet filter")
	return prog, nil
}
