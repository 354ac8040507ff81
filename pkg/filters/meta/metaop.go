// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package meta compiles dotted sk_buff field expressions into
// FilterMeta: a bounded sequence of MetaOp words consumed by a fixed
// in-kernel interpreter. MetaOp is a byte-level overlap of two shapes (a
// Target at index 0, Loads after it) because both are read out of the
// same fixed-size kernel map slot by a single memcpy. We model that
// overlap as a fixed byte buffer with two accessor views rather than a
// tagged Go struct, so every read/write goes through the exact byte
// offsets the in-kernel consumer expects.
package meta

import "encoding/binary"

// Program size limits shared with the in-kernel interpreter.
const (
	MetaOpsMax    = 32
	MetaTargetMax = 32
)

// Primitive width encoded in the low 5 bits of a Load's type byte.
const (
	typeByte  = 1
	typeShort = 2
	typeInt   = 3
	typeLong  = 4
)

const (
	ptrBit  uint8 = 1 << 6
	signBit uint8 = 1 << 7
)

// Comparator values understood by the in-kernel interpreter.
type Cmp uint8

const (
	CmpEq Cmp = 0
	CmpGt Cmp = 1
	CmpLt Cmp = 2
	CmpGe Cmp = 3
	CmpLe Cmp = 4
	CmpNe Cmp = 5
)

func cmpFromOp(op string) (Cmp, bool) {
	switch op {
	case "==":
		return CmpEq, true
	case ">":
		return CmpGt, true
	case "<":
		return CmpLt, true
	case ">=":
		return CmpGe, true
	case "<=":
		return CmpLe, true
	case "!=":
		return CmpNe, true
	default:
		return 0, false
	}
}

// opSize is the padded on-wire size of a MetaOp: the Target shape (32-byte
// md + sz + cmp = 34 bytes) rounded up to an 8-byte boundary, matching the
// kernel struct's align(8) attribute.
const opSize = 40

// MetaOp is a fixed-size packed filter operation word. Entry 0
// of a FilterMeta program is always read through AsTarget; every other
// entry through AsLoad.
type MetaOp [opSize]byte

// Load is the decoded view of a non-zero-index MetaOp entry.
type Load struct {
	// Type low 5 bits: primitive width (typeByte..typeLong). Bit 6: is
	// pointer. Bit 7: is signed.
	Type   uint8
	Nmemb  uint8
	Offt   uint16
	BfSize uint8
	Mask   uint64
}

// Target is the decoded view of MetaOp entry 0.
type Target struct {
	Md  [MetaTargetMax]byte
	Sz  uint8
	Cmp Cmp
}

// AsLoad decodes op as a Load word.
func (op *MetaOp) AsLoad() Load {
	return Load{
		Type:   op[0],
		Nmemb:  op[1],
		Offt:   binary.LittleEndian.Uint16(op[2:4]),
		BfSize: op[4],
		Mask:   binary.LittleEndian.Uint64(op[5:13]),
	}
}

// SetLoad encodes l into op as a Load word.
func (op *MetaOp) SetLoad(l Load) {
	*op = MetaOp{}
	op[0] = l.Type
	op[1] = l.Nmemb
	binary.LittleEndian.PutUint16(op[2:4], l.Offt)
	op[4] = l.BfSize
	binary.LittleEndian.PutUint64(op[5:13], l.Mask)
}

// AsTarget decodes op as a Target word.
func (op *MetaOp) AsTarget() Target {
	var t Target
	copy(t.Md[:], op[0:MetaTargetMax])
	t.Sz = op[MetaTargetMax]
	t.Cmp = Cmp(op[MetaTargetMax+1])
	return t
}

// SetTarget encodes t into op as a Target word.
func (op *MetaOp) SetTarget(t Target) {
	*op = MetaOp{}
	copy(op[0:MetaTargetMax], t.Md[:])
	op[MetaTargetMax] = t.Sz
	op[MetaTargetMax+1] = uint8(t.Cmp)
}

func (l Load) isNum() bool {
	return l.isByte() || l.isShort() || l.isInt() || l.isLong()
}

func (l Load) isByte() bool  { return l.Type&0x1f == typeByte }
func (l Load) isShort() bool { return l.Type&0x1f == typeShort }
func (l Load) isInt() bool   { return l.Type&0x1f == typeInt }
func (l Load) isLong() bool  { return l.Type&0x1f == typeLong }

func (l Load) isPtr() bool    { return l.Type&ptrBit > 0 }
func (l Load) isSigned() bool { return l.Type&signBit > 0 }
func (l Load) isArr() bool    { return l.Nmemb > 0 }

// numericSize returns the byte-width of l's numeric primitive.
func (l Load) numericSize() uint8 {
	switch {
	case l.isByte():
		return 1
	case l.isShort():
		return 2
	case l.isInt():
		return 4
	case l.isLong():
		return 8
	default:
		return 0
	}
}

// FilterMeta is an ordered MetaOp program: entry 0 is a Target, entries
// 1..N are Loads, the final Load describing the terminal leaf field.
type FilterMeta []MetaOp
