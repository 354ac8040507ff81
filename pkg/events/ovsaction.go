// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package events

import (
	"encoding/binary"
	"encoding/json"
	"net"

	"github.com/ovsprobe/tracer/pkg/errs"
)

// OVS conntrack flag bits, a stable kernel ABI.
const (
	CtCommit                    = 1 << 0
	CtForce                     = 1 << 1
	CtIP4                       = 1 << 2
	CtIP6                       = 1 << 3
	CtNat                       = 1 << 4
	CtNatSrc                    = 1 << 5
	CtNatDst                    = 1 << 6
	CtNatRangeMapIPs            = 1 << 7
	CtNatRangeProtoSpecified    = 1 << 8
	CtNatRangeProtoRandom       = 1 << 9
	CtNatRangePersistent        = 1 << 10
	CtNatRangeProtoRandomFully  = 1 << 11
)

// actionKind tags which OvsAction field is populated, both on the wire
// and in JSON's "action" discriminator.
type actionKind uint8

const (
	actionNone actionKind = iota
	actionOutput
	actionUserspace
	actionSet
	actionPushVlan
	actionPopVlan
	actionSample
	actionRecirc
	actionHash
	actionPushMpls
	actionPopMpls
	actionSetMasked
	actionCt
	actionTrunc
	actionPushEth
	actionPopEth
	actionCtClear
	actionPushNsh
	actionPopNsh
	actionMeter
	actionClone
	actionCheckPktLen
	actionAddMpls
	actionDecTtl
	actionDrop
)

var actionNames = map[actionKind]string{
	actionOutput:      "output",
	actionUserspace:   "userspace",
	actionSet:         "set",
	actionPushVlan:    "push_vlan",
	actionPopVlan:     "pop_vlan",
	actionSample:      "sample",
	actionRecirc:      "recirc",
	actionHash:        "hash",
	actionPushMpls:    "push_mpls",
	actionPopMpls:     "pop_mpls",
	actionSetMasked:   "set_masked",
	actionCt:          "ct",
	actionTrunc:       "trunc",
	actionPushEth:     "push_eth",
	actionPopEth:      "pop_eth",
	actionCtClear:     "ct_clear",
	actionPushNsh:     "push_nsh",
	actionPopNsh:      "pop_nsh",
	actionMeter:       "meter",
	actionClone:       "clone",
	actionCheckPktLen: "check_pkt_len",
	actionAddMpls:     "add_mpls",
	actionDecTtl:      "dec_ttl",
	actionDrop:        "drop",
}

func actionKindByName(name string) (actionKind, bool) {
	for k, n := range actionNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

// OvsAction is the discriminated "action" carried by an ActionEvent: a
// sum type with one struct per action that carries arguments. The
// no-argument actions (userspace, set, push_vlan, ... dec_ttl) share
// OvsActionSimple; none of them carries fields yet.
type OvsAction interface {
	ovsActionKind() actionKind
}

// OvsActionOutput is the "output" action: send the packet out a vport.
type OvsActionOutput struct {
	Port uint32
}

func (OvsActionOutput) ovsActionKind() actionKind { return actionOutput }

// OvsActionRecirc is the "recirc" action: resubmit into the pipeline at
// a given recirculation id.
type OvsActionRecirc struct {
	ID uint32
}

func (OvsActionRecirc) ovsActionKind() actionKind { return actionRecirc }

// OvsActionDrop is the "drop" action, carrying the kernel's drop reason
// code.
type OvsActionDrop struct {
	Reason uint32
}

func (OvsActionDrop) ovsActionKind() actionKind { return actionDrop }

// OvsActionSimple is every no-argument action: userspace, set, push_vlan,
// pop_vlan, sample, hash, push_mpls, pop_mpls, set_masked, trunc,
// push_eth, pop_eth, ct_clear, push_nsh, pop_nsh, meter, clone,
// check_pkt_len, add_mpls, dec_ttl.
type OvsActionSimple struct {
	Kind string
}

func (s OvsActionSimple) ovsActionKind() actionKind {
	k, _ := actionKindByName(s.Kind)
	return k
}

// NatDirection is the NAT direction selector on a CT action.
type NatDirection uint8

const (
	NatDirNone NatDirection = iota
	NatDirSrc
	NatDirDst
)

func (d NatDirection) String() string {
	switch d {
	case NatDirSrc:
		return "src"
	case NatDirDst:
		return "dst"
	default:
		return ""
	}
}

// OvsActionCtNat carries a CT action's NAT range, when present.
type OvsActionCtNat struct {
	Dir     NatDirection
	MinAddr net.IP
	MaxAddr net.IP
	MinPort uint16
	MaxPort uint16
}

// OvsActionCt is the "ct" (conntrack) action.
//
// IsHash reads the NAT_RANGE_PROTO_RANDOM bit and IsPersistent the
// NAT_RANGE_PERSISTENT bit. The pairing looks swapped but matches the
// kernel ABI; do not "correct" it.
type OvsActionCt struct {
	Flags  uint32
	ZoneID uint16
	Nat    *OvsActionCtNat
}

func (OvsActionCt) ovsActionKind() actionKind { return actionCt }

func (c OvsActionCt) IsCommit() bool     { return c.Flags&CtCommit != 0 }
func (c OvsActionCt) IsForce() bool      { return c.Flags&CtForce != 0 }
func (c OvsActionCt) IsIPv4() bool       { return c.Flags&CtIP4 != 0 }
func (c OvsActionCt) IsIPv6() bool       { return c.Flags&CtIP6 != 0 }
func (c OvsActionCt) IsPersistent() bool { return c.Flags&CtNatRangePersistent != 0 }
func (c OvsActionCt) IsHash() bool       { return c.Flags&CtNatRangeProtoRandom != 0 }
func (c OvsActionCt) IsRandom() bool     { return c.Flags&CtNatRangeProtoRandomFully != 0 }

// --- wire encoding ---
//
// ActionEvent's raw section: a one-byte action-kind tag, the three
// always-present fields, an optional queue_id, and then the
// variant-specific payload at a fixed trailing offset.

const actionFixedLen = 20 // kind(1) + recirc_id(4) + mru(2) + action_address(8) + queue_id_present(1) + queue_id(4)

func encodeOvsAction(a OvsAction) []byte {
	if a == nil {
		return []byte{byte(actionNone)}
	}

	switch v := a.(type) {
	case OvsActionOutput:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, v.Port)
		return append([]byte{byte(actionOutput)}, buf...)
	case OvsActionRecirc:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, v.ID)
		return append([]byte{byte(actionRecirc)}, buf...)
	case OvsActionDrop:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, v.Reason)
		return append([]byte{byte(actionDrop)}, buf...)
	case OvsActionCt:
		return append([]byte{byte(actionCt)}, encodeCt(v)...)
	case OvsActionSimple:
		k, _ := actionKindByName(v.Kind)
		return []byte{byte(k)}
	default:
		return []byte{byte(actionNone)}
	}
}

func decodeOvsAction(kind actionKind, payload []byte) (OvsAction, error) {
	switch kind {
	case actionNone:
		return nil, nil
	case actionOutput:
		if len(payload) < 4 {
			return nil, &errs.DecodeError{Msg: "ovs action output: short payload"}
		}
		return OvsActionOutput{Port: binary.LittleEndian.Uint32(payload[0:4])}, nil
	case actionRecirc:
		if len(payload) < 4 {
			return nil, &errs.DecodeError{Msg: "ovs action recirc: short payload"}
		}
		return OvsActionRecirc{ID: binary.LittleEndian.Uint32(payload[0:4])}, nil
	case actionDrop:
		if len(payload) < 4 {
			return nil, &errs.DecodeError{Msg: "ovs action drop: short payload"}
		}
		return OvsActionDrop{Reason: binary.LittleEndian.Uint32(payload[0:4])}, nil
	case actionCt:
		return decodeCt(payload)
	default:
		if name, ok := actionNames[kind]; ok {
			return OvsActionSimple{Kind: name}, nil
		}
		return nil, &errs.DecodeError{Msg: "ovs action: unknown action kind"}
	}
}

// encodeCt lays out OvsActionCt as: flags(4) zone_id(2) nat_present(1)
// [dir(1) min_addr_present(1) min_addr(4) max_addr_present(1)
// max_addr(4) min_port(2) max_port(2)].
func encodeCt(c OvsActionCt) []byte {
	buf := make([]byte, 0, 7)
	var flagsBuf [4]byte
	binary.LittleEndian.PutUint32(flagsBuf[:], c.Flags)
	buf = append(buf, flagsBuf[:]...)
	var zoneBuf [2]byte
	binary.LittleEndian.PutUint16(zoneBuf[:], c.ZoneID)
	buf = append(buf, zoneBuf[:]...)

	if c.Nat == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1, byte(c.Nat.Dir))

	appendIP := func(ip net.IP) {
		if ip == nil {
			buf = append(buf, 0, 0, 0, 0, 0)
			return
		}
		v4 := ip.To4()
		if v4 == nil {
			buf = append(buf, 0, 0, 0, 0, 0)
			return
		}
		buf = append(buf, 1)
		buf = append(buf, v4...)
	}
	appendIP(c.Nat.MinAddr)
	appendIP(c.Nat.MaxAddr)

	var portBuf [4]byte
	binary.LittleEndian.PutUint16(portBuf[0:2], c.Nat.MinPort)
	binary.LittleEndian.PutUint16(portBuf[2:4], c.Nat.MaxPort)
	buf = append(buf, portBuf[:]...)
	return buf
}

func decodeCt(payload []byte) (OvsAction, error) {
	if len(payload) < 7 {
		return nil, &errs.DecodeError{Msg: "ovs action ct: short payload"}
	}
	c := OvsActionCt{
		Flags:  binary.LittleEndian.Uint32(payload[0:4]),
		ZoneID: binary.LittleEndian.Uint16(payload[4:6]),
	}
	if payload[6] == 0 {
		return c, nil
	}

	rest := payload[7:]
	if len(rest) < 1+5+5+4 {
		return nil, &errs.DecodeError{Msg: "ovs action ct: short nat payload"}
	}
	nat := &OvsActionCtNat{Dir: NatDirection(rest[0])}
	off := 1

	readIP := func() net.IP {
		present := rest[off]
		off++
		ip := append(net.IP(nil), rest[off:off+4]...)
		off += 4
		if present == 0 {
			return nil
		}
		return net.IP(ip)
	}
	nat.MinAddr = readIP()
	nat.MaxAddr = readIP()
	nat.MinPort = binary.LittleEndian.Uint16(rest[off : off+2])
	off += 2
	nat.MaxPort = binary.LittleEndian.Uint16(rest[off : off+2])
	c.Nat = nat
	return c, nil
}

// --- JSON ---

func marshalOvsAction(a OvsAction, out map[string]interface{}) {
	if a == nil {
		return
	}
	out["action"] = actionNames[a.ovsActionKind()]

	switch v := a.(type) {
	case OvsActionOutput:
		out["port"] = v.Port
	case OvsActionRecirc:
		out["id"] = v.ID
	case OvsActionDrop:
		out["reason"] = v.Reason
	case OvsActionCt:
		out["flags"] = v.Flags
		out["zone_id"] = v.ZoneID
		if v.Nat != nil {
			nat := map[string]interface{}{}
			if v.Nat.Dir != NatDirNone {
				nat["dir"] = v.Nat.Dir.String()
			}
			if v.Nat.MinAddr != nil {
				nat["min_addr"] = v.Nat.MinAddr.String()
			}
			if v.Nat.MaxAddr != nil {
				nat["max_addr"] = v.Nat.MaxAddr.String()
			}
			if v.Nat.MinPort != 0 {
				nat["min_port"] = v.Nat.MinPort
			}
			if v.Nat.MaxPort != 0 {
				nat["max_port"] = v.Nat.MaxPort
			}
			out["nat"] = nat
		}
	}
}

func unmarshalOvsAction(raw map[string]json.RawMessage) (OvsAction, error) {
	kindRaw, ok := raw["action"]
	if !ok {
		return nil, nil
	}
	var name string
	if err := json.Unmarshal(kindRaw, &name); err != nil {
		return nil, &errs.DecodeError{Msg: "ovs action: invalid action tag", Cause: err}
	}
	kind, ok := actionKindByName(name)
	if !ok {
		return nil, &errs.DecodeError{Msg: "ovs action: unknown action " + name}
	}

	switch kind {
	case actionOutput:
		var port struct {
			Port uint32 `json:"port"`
		}
		if err := unmarshalFields(raw, &port); err != nil {
			return nil, err
		}
		return OvsActionOutput{Port: port.Port}, nil
	case actionRecirc:
		var id struct {
			ID uint32 `json:"id"`
		}
		if err := unmarshalFields(raw, &id); err != nil {
			return nil, err
		}
		return OvsActionRecirc{ID: id.ID}, nil
	case actionDrop:
		var reason struct {
			Reason uint32 `json:"reason"`
		}
		if err := unmarshalFields(raw, &reason); err != nil {
			return nil, err
		}
		return OvsActionDrop{Reason: reason.Reason}, nil
	case actionCt:
		var ct struct {
			Flags  uint32 `json:"flags"`
			ZoneID uint16 `json:"zone_id"`
			Nat    *struct {
				Dir     string `json:"dir"`
				MinAddr string `json:"min_addr"`
				MaxAddr string `json:"max_addr"`
				MinPort uint16 `json:"min_port"`
				MaxPort uint16 `json:"max_port"`
			} `json:"nat"`
		}
		if err := unmarshalFields(raw, &ct); err != nil {
			return nil, err
		}
		out := OvsActionCt{Flags: ct.Flags, ZoneID: ct.ZoneID}
		if ct.Nat != nil {
			nat := &OvsActionCtNat{MinPort: ct.Nat.MinPort, MaxPort: ct.Nat.MaxPort}
			switch ct.Nat.Dir {
			case "src":
				nat.Dir = NatDirSrc
			case "dst":
				nat.Dir = NatDirDst
			}
			if ct.Nat.MinAddr != "" {
				nat.MinAddr = net.ParseIP(ct.Nat.MinAddr)
			}
			if ct.Nat.MaxAddr != "" {
				nat.MaxAddr = net.ParseIP(ct.Nat.MaxAddr)
			}
			out.Nat = nat
		}
		return out, nil
	default:
		return OvsActionSimple{Kind: name}, nil
	}
}

// unmarshalFields re-marshals the flattened field map and decodes it into
// v, letting each action payload reuse ordinary struct tags instead of
// hand-rolled field-by-field RawMessage parsing.
func unmarshalFields(raw map[string]json.RawMessage, v interface{}) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
