// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package meta

import (
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/cilium/ebpf/btf"
	"github.com/sirupsen/logrus"

	"github.com/ovsprobe/tracer/pkg/errs"
)

var log = logrus.WithField("subsystem", "filters/meta")

// lhsNode is one dotted path component with its optional mask suffix.
type lhsNode struct {
	member string
	mask   uint64
}

// rvalKind classifies a parsed rhs token.
type rvalKind int

const (
	rvalDec rvalKind = iota
	rvalHex
	rvalStr
)

type rval struct {
	kind rvalKind
	text string
}

func parseRval(s string) rval {
	if len(s) >= 2 && ((s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'')) {
		return rval{kind: rvalStr, text: s[1 : len(s)-1]}
	}
	if strings.HasPrefix(s, "0x") {
		return rval{kind: rvalHex, text: strings.TrimPrefix(s, "0x")}
	}
	return rval{kind: rvalDec, text: s}
}

func parseMask(el string) (uint64, error) {
	not := false
	if strings.HasPrefix(el, "~") {
		not = true
		el = el[1:]
	}
	hex, ok := strings.CutPrefix(el, "0x")
	if !ok {
		return 0, &errs.ConfigError{Msg: "invalid mask format: " + el}
	}
	num, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return 0, &errs.ConfigError{Msg: "invalid mask hex: " + el, Cause: err}
	}
	if not {
		return ^num, nil
	}
	return num, nil
}

// parseFilter splits filter into its lhs path, comparator and rhs token,
// desugaring a bare lhs into "lhs != 0".
func parseFilter(filter string) ([]lhsNode, Cmp, string, error) {
	toks := strings.Split(filter, " ")

	var lhsStr, opStr, rhsStr string
	switch len(toks) {
	case 3:
		lhsStr, opStr, rhsStr = toks[0], toks[1], toks[2]
	case 1:
		lhsStr, opStr, rhsStr = toks[0], "!=", "0"
	default:
		return nil, 0, "", &errs.ConfigError{Msg: "invalid filter (" + filter + ")"}
	}

	var lhs []lhsNode
	for _, part := range strings.Split(lhsStr, ".") {
		elems := strings.SplitN(part, ":", 2)
		node := lhsNode{member: elems[0]}
		if len(elems) == 2 {
			mask, err := parseMask(elems[1])
			if err != nil {
				return nil, 0, "", err
			}
			node.mask = mask
		}
		lhs = append(lhs, node)
	}

	if len(lhs) <= 1 || lhs[0].member != "sk_buff" {
		return nil, 0, "", &errs.ConfigError{Msg: "invalid lhs (" + lhsStr + ")"}
	}

	cmp, ok := cmpFromOp(opStr)
	if !ok {
		return nil, 0, "", &errs.ConfigError{Msg: "unknown comparison operator (" + opStr + ")"}
	}

	return lhs, cmp, rhsStr, nil
}

// StructResolver locates a named struct in the kernel's type graph. It is
// satisfied by *btfinfo.Inspector.
type StructResolver interface {
	ResolveStruct(name string) (*btf.Struct, error)
}

// Compiler resolves dotted "sk_buff" expressions against kernel type
// information and emits the load/compare program the in-kernel
// interpreter consumes.
type Compiler struct {
	types StructResolver
}

// NewCompiler builds a Compiler backed by the given type resolver.
func NewCompiler(types StructResolver) *Compiler {
	return &Compiler{types: types}
}

// Compile parses expr and returns the corresponding FilterMeta program.
func (c *Compiler) Compile(expr string) (FilterMeta, error) {
	lhs, cmp, rhsTok, err := parseFilter(expr)
	if err != nil {
		return nil, err
	}

	// lhs[0] is "sk_buff"; the walk starts at that struct.
	fields := lhs[1:]

	root, err := c.types.ResolveStruct("sk_buff")
	if err != nil {
		return nil, &errs.ResolveError{Msg: "unable to resolve sk_buff data type", Cause: err}
	}

	var ops []MetaOp
	var termType btf.Type
	curStruct := root
	var offt uint32
	var storedOffset uint32
	var storedBfSize uint32
	var mask uint64

	for pos, field := range fields {
		offset, bfs, next, ok := walkBTFNode(curStruct, field.member, offt)
		if !ok {
			return nil, &errs.ResolveError{Msg: field.member + " not found!"}
		}

		last := pos == len(fields)-1
		if !last {
			ind, walkable, err := nextWalkable(next)
			if err != nil {
				return nil, err
			}

			switch {
			case ind == 1:
				offt = 0
				var op MetaOp
				op.SetLoad(Load{Type: ptrBit, Offt: uint16(offset / 8), Mask: field.mask})
				ops = append(ops, op)
			case ind > 1:
				return nil, &errs.ResolveError{Msg: "pointers of pointers are not supported"}
			default:
				if field.mask != 0 {
					return nil, &errs.ConfigError{Msg: "mask for non-ptr intermediate members is not supported"}
				}
				offt = offset
			}

			switch w := walkable.(type) {
			case *btf.Struct:
				curStruct = w
			case *btf.Union:
				curStruct = structFromUnion(w)
			}
		} else {
			termType = next
			mask = field.mask
		}

		storedOffset = offset
		if bfs != nil {
			storedBfSize = *bfs
		}
	}

	load, err := emitLoad(termType, storedOffset, storedBfSize, mask)
	if err != nil {
		return nil, err
	}
	ops = append(ops, load)

	target, err := emitTarget(ops[len(ops)-1].AsLoad(), parseRval(rhsTok), cmp)
	if err != nil {
		return nil, err
	}

	if len(ops)+1 > MetaOpsMax {
		return nil, &errs.CompileError{Msg: "filter exceeds META_OPS_MAX"}
	}

	full := make(FilterMeta, 0, len(ops)+1)
	full = append(full, target)
	full = append(full, ops...)
	return full, nil
}

// walkBTFNode locates node by name within t (a struct or union), recursing
// into anonymous nested structs/unions and carrying the enclosing bit
// offset.
func walkBTFNode(t *btf.Struct, name string, offset uint32) (newOffset uint32, bitfieldSize *uint32, next btf.Type, ok bool) {
	if t == nil {
		return 0, nil, nil, false
	}

	for _, m := range t.Members {
		if m.Name == name {
			return offset + uint32(m.Offset), bitfieldSizeOf(m), m.Type, true
		}
		if m.Name != "" {
			continue
		}

		// Anonymous member: only structs/unions are walkable transparently.
		switch nested := m.Type.(type) {
		case *btf.Struct:
			if o, bfs, n, found := walkBTFNode(nested, name, offset+uint32(m.Offset)); found {
				return o, bfs, n, true
			}
		case *btf.Union:
			if o, bfs, n, found := walkBTFNode(structFromUnion(nested), name, offset+uint32(m.Offset)); found {
				return o, bfs, n, true
			}
		}
	}

	return 0, nil, nil, false
}

// structFromUnion adapts a btf.Union's members into a synthetic btf.Struct
// so the same walk code can recurse into either.
func structFromUnion(u *btf.Union) *btf.Struct {
	return &btf.Struct{Name: u.Name, Size: u.Size, Members: u.Members}
}

func bitfieldSizeOf(m btf.Member) *uint32 {
	if m.BitfieldSize == 0 {
		return nil
	}
	bfs := uint32(m.BitfieldSize)
	return &bfs
}

// checkOneWalkable reports whether t is itself walkable (a struct/union),
// counting pointer indirections and transparently skipping
// typedef/const/volatile/restrict qualifiers and type tags. BTF decl
// tags annotate declarations, not types; cilium/ebpf keeps them off the
// member type chain, so only type tags can show up here.
func checkOneWalkable(t btf.Type, ind *uint8) (bool, error) {
	switch t.(type) {
	case *btf.Pointer:
		*ind++
	case *btf.Struct, *btf.Union:
		return true, nil
	case *btf.Typedef, *btf.Volatile, *btf.Const, *btf.Restrict, *btf.TypeTag:
	default:
		return false, &errs.ResolveError{Msg: "unexpected type (" + t.TypeName() + ") while walking struct members"}
	}
	return false, nil
}

// nextWalkable returns the pointer-indirection count and the next walkable
// (struct/union) type reachable from t by transparently skipping
// qualifiers and following at most the immediate chain.
func nextWalkable(t btf.Type) (uint8, btf.Type, error) {
	var ind uint8
	walkable, err := checkOneWalkable(t, &ind)
	if err != nil {
		return 0, nil, err
	}
	if walkable {
		return 0, t, nil
	}

	cur := t
	for {
		next, ok := unwrapOne(cur)
		if !ok {
			return 0, nil, &errs.ResolveError{Msg: "failed to retrieve next walkable object."}
		}
		walkable, err := checkOneWalkable(next, &ind)
		if err != nil {
			return 0, nil, err
		}
		if walkable {
			return ind, next, nil
		}
		cur = next
	}
}

// unwrapOne dereferences a single qualifier/pointer/tag layer.
func unwrapOne(t btf.Type) (btf.Type, bool) {
	switch v := t.(type) {
	case *btf.Pointer:
		return v.Target, true
	case *btf.Array:
		return v.Type, true
	case *btf.Typedef:
		return v.Type, true
	case *btf.Volatile:
		return v.Type, true
	case *btf.Const:
		return v.Type, true
	case *btf.Restrict:
		return v.Type, true
	case *btf.TypeTag:
		return v.Type, true
	default:
		return nil, false
	}
}

// emitLoad builds the terminal Load word for typ, classifying its BTF kind
// into a primitive width/pointer/array/bitfield descriptor.
func emitLoad(typ btf.Type, offt, bfs uint32, mask uint64) (MetaOp, error) {
	var l Load
	cur := typ

	for {
		switch v := cur.(type) {
		case *btf.Pointer:
			if l.isPtr() {
				return MetaOp{}, &errs.ResolveError{Msg: "pointers to " + cur.TypeName() + " are not supported."}
			}
			l.Type |= ptrBit
		case *btf.Array:
			if l.isPtr() {
				return MetaOp{}, &errs.ResolveError{Msg: "pointers to " + cur.TypeName() + " are not supported."}
			}
			if v.Nelems > 255 {
				return MetaOp{}, &errs.CompileError{Msg: "array too large"}
			}
			l.Nmemb = uint8(v.Nelems)
		case *btf.Enum:
			if l.isPtr() {
				return MetaOp{}, &errs.ResolveError{Msg: "pointers to " + cur.TypeName() + " are not supported."}
			}
			// 64-bit enums carry Size 8; everything else is int-sized.
			if v.Size == 8 {
				l.Type |= typeLong
			} else {
				l.Type |= typeInt
			}
			if v.Signed {
				l.Type |= signBit
			}
		case *btf.Int:
			if v.Encoding&btf.Signed != 0 {
				l.Type |= signBit
			}
			switch v.Size {
			case 8:
				l.Type |= typeLong
			case 4:
				l.Type |= typeInt
			case 2:
				l.Type |= typeShort
			case 1:
				l.Type |= typeByte
			default:
				return MetaOp{}, &errs.ResolveError{Msg: "unsupported type."}
			}
			if !l.isByte() {
				if l.isArr() {
					return MetaOp{}, &errs.ResolveError{Msg: "array of " + cur.TypeName() + " are not supported."}
				}
				if l.isPtr() {
					return MetaOp{}, &errs.ResolveError{Msg: "pointers to " + cur.TypeName() + " are not supported."}
				}
			}
		case *btf.Typedef, *btf.Volatile, *btf.Const, *btf.Restrict, *btf.TypeTag:
			// Transparent.
		default:
			return MetaOp{}, &errs.ResolveError{Msg: "found unsupported type while emitting operation (" + cur.TypeName() + ")."}
		}

		next, ok := unwrapOne(cur)
		if !ok {
			break
		}
		cur = next
	}

	if mask > 0 {
		if l.isPtr() || (l.isNum() && !l.isSigned()) {
			l.Mask = mask
		} else {
			return MetaOp{}, &errs.ConfigError{Msg: "mask is only supported for pointers and unsigned numeric members."}
		}
	}

	l.BfSize = uint8(bfs)
	l.Offt = uint16(offt)
	if bfs == 0 {
		l.Offt /= 8
	}

	var op MetaOp
	op.SetLoad(l)
	return op, nil
}

// emitTarget builds entry 0 from the terminal Load's classification and
// the parsed rhs token and comparator.
func emitTarget(lmo Load, rv rval, cmp Cmp) (MetaOp, error) {
	var t Target
	var op MetaOp

	switch {
	case lmo.isPtr() || lmo.Nmemb > 0:
		if cmp != CmpEq && cmp != CmpNe {
			return MetaOp{}, &errs.ConfigError{Msg: "wrong comparison operator. Only '==' and '!=' are supported for strings."}
		}
		if rv.kind != rvalStr {
			return MetaOp{}, &errs.ConfigError{Msg: "invalid target value for array or ptr type. Only strings are supported."}
		}
		if len(rv.text) >= len(t.Md) {
			return MetaOp{}, &errs.ConfigError{Msg: "invalid rval size"}
		}
		copy(t.Md[:], rv.text)
		t.Sz = uint8(len(rv.text))

	case lmo.isNum():
		var long uint64
		switch rv.kind {
		case rvalDec:
			if strings.HasPrefix(rv.text, "-") {
				if !lmo.isSigned() {
					return MetaOp{}, &errs.ConfigError{Msg: "invalid target value (value is signed while type is unsigned)"}
				}
				signed, err := strconv.ParseInt(rv.text, 10, 64)
				if err != nil {
					return MetaOp{}, &errs.ConfigError{Msg: "invalid decimal rval", Cause: err}
				}
				long = uint64(signed)
			} else {
				v, err := strconv.ParseUint(rv.text, 10, 64)
				if err != nil {
					return MetaOp{}, &errs.ConfigError{Msg: "invalid decimal rval", Cause: err}
				}
				long = v
			}
		case rvalHex:
			v, err := strconv.ParseUint(rv.text, 16, 64)
			if err != nil {
				return MetaOp{}, &errs.ConfigError{Msg: "invalid hex rval", Cause: err}
			}
			long = v
		default:
			return MetaOp{}, &errs.ConfigError{Msg: "invalid target value (neither decimal nor hex)."}
		}

		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], long)
		sz := lmo.numericSize()
		if sz == 0 {
			return MetaOp{}, &errs.ResolveError{Msg: "unexpected numeric type"}
		}
		copy(t.Md[:], buf[:])
		t.Sz = sz
	}

	t.Cmp = cmp
	op.SetTarget(t)
	log.WithField("cmp", cmp).Debug("compiled metadata filter target")
	return op, nil
}
