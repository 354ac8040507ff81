// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package events decodes the raw, typed byte sections a probe emits into
// typed Event values, and defines their JSON encoding.
package events

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"github.com/ovsprobe/tracer/pkg/errs"
)

var log = logrus.WithField("subsystem", "events")

// Event is implemented by every decoded event variant: *KernelEvent and
// *OvsEvent.
type Event interface {
	isEvent()
}

// DataType tags a RawSection's payload shape.
type DataType uint8

// Section tags. These values are shared with the in-kernel programs and
// must stay stable.
const (
	DataTypeKernel DataType = 1

	DataTypeOvsUpcall        DataType = 2
	DataTypeOvsUpcallEnqueue DataType = 3
	DataTypeOvsUpcallReturn  DataType = 4
	DataTypeOvsRecvUpcall    DataType = 5
	DataTypeOvsOperation     DataType = 6
	DataTypeOvsAction        DataType = 7
)

// sectionHeaderLen is the size of a RawSection's header: one data_type
// byte followed by a host-endian uint16 payload length.
const sectionHeaderLen = 3

// RawSection is one typed, length-tagged section of a raw event.
type RawSection struct {
	DataType DataType
	Payload  []byte
}

// SplitSections parses a raw event buffer into its framed sections.
// Framing errors (truncated header, length running past the end of buf)
// are reported as DecodeError; the caller drops the whole raw event.
func SplitSections(buf []byte) ([]RawSection, error) {
	var sections []RawSection
	for len(buf) > 0 {
		if len(buf) < sectionHeaderLen {
			return nil, &errs.DecodeError{Msg: "truncated section header"}
		}
		dt := DataType(buf[0])
		length := binary.LittleEndian.Uint16(buf[1:3])
		buf = buf[sectionHeaderLen:]

		if int(length) > len(buf) {
			return nil, &errs.DecodeError{Msg: "section length exceeds buffer"}
		}
		sections = append(sections, RawSection{DataType: dt, Payload: buf[:length]})
		buf = buf[length:]
	}
	return sections, nil
}

// StackReader looks up a kernel stack-trace map entry by its identifier,
// returning the raw array of 64-bit program counters. Implementations
// must report a missing entry as an error; the decoder treats any error
// here as transient (the stack map can evict under load) rather than
// failing the whole event.
type StackReader interface {
	Lookup(id int64) ([]byte, error)
}

// SymbolResolver resolves an exact kernel address to its symbol name. It
// is satisfied by *symbol.Registry.
type SymbolResolver interface {
	ByAddr(addr uint64) (name string, ok bool)
}

// FrameResolver resolves an address to the nearest symbol at or below
// it, for formatting stack-trace frames. It is satisfied by
// *btfinfo.Inspector.
type FrameResolver interface {
	NearestSymbol(addr uint64) (name string, offset uint64, err error)
}

// Decoder turns raw sections into typed Events. A nil Stacks disables
// stack-trace resolution entirely: KernelEvents decode with no frames,
// never an error.
type Decoder struct {
	Symbols SymbolResolver
	Frames  FrameResolver
	Stacks  StackReader
}

// NewDecoder builds a Decoder wired to the given symbol registry, nearest-
// symbol resolver and stack map reader.
func NewDecoder(symbols SymbolResolver, frames FrameResolver, stacks StackReader) *Decoder {
	return &Decoder{Symbols: symbols, Frames: frames, Stacks: stacks}
}

// Decode parses one raw event's sections into Events, in section order.
// Decoding stops at the first malformed section: the Events decoded from
// the sections before it are returned together with its DecodeError, and
// the sections after it are not decoded. Callers that want "drop the
// whole raw event on any error" should check the returned error and
// discard whatever Events were already produced.
func (d *Decoder) Decode(sections []RawSection) ([]Event, error) {
	events := make([]Event, 0, len(sections))
	for _, s := range sections {
		ev, err := d.decodeOne(s)
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (d *Decoder) decodeOne(s RawSection) (Event, error) {
	switch s.DataType {
	case DataTypeKernel:
		return d.decodeKernelEvent(s.Payload)
	case DataTypeOvsUpcall:
		ev, err := decodeUpcallEvent(s.Payload)
		if err != nil {
			return nil, err
		}
		return &OvsEvent{Upcall: ev}, nil
	case DataTypeOvsUpcallEnqueue:
		ev, err := decodeUpcallEnqueueEvent(s.Payload)
		if err != nil {
			return nil, err
		}
		return &OvsEvent{UpcallEnqueue: ev}, nil
	case DataTypeOvsUpcallReturn:
		ev, err := decodeUpcallReturnEvent(s.Payload)
		if err != nil {
			return nil, err
		}
		return &OvsEvent{UpcallReturn: ev}, nil
	case DataTypeOvsRecvUpcall:
		ev, err := decodeRecvUpcallEvent(s.Payload)
		if err != nil {
			return nil, err
		}
		return &OvsEvent{RecvUpcall: ev}, nil
	case DataTypeOvsOperation:
		ev, err := decodeOperationEvent(s.Payload)
		if err != nil {
			return nil, err
		}
		return &OvsEvent{Operation: ev}, nil
	case DataTypeOvsAction:
		ev, err := decodeActionEvent(s.Payload)
		if err != nil {
			return nil, err
		}
		return &OvsEvent{Action: ev}, nil
	default:
		return nil, &errs.DecodeError{Msg: "unknown section data_type"}
	}
}
