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

// OvsEvent is a tagged union: exactly one field is set, selecting which
// OVS datapath sub-variant this event carries.
type OvsEvent struct {
	Upcall        *UpcallEvent
	UpcallEnqueue *UpcallEnqueueEvent
	UpcallReturn  *UpcallReturnEvent
	RecvUpcall    *RecvUpcallEvent
	Operation     *OperationEvent
	Action        *ActionEvent
}

func (*OvsEvent) isEvent() {}

// fmtUpcallCmd maps an OVS_PACKET_CMD value to its display suffix.
// Commands 4 and above print an empty suffix.
func fmtUpcallCmd(cmd uint8) string {
	switch cmd {
	case 0:
		return " (unspec)"
	case 1:
		return " (miss)"
	case 2:
		return " (action)"
	case 3:
		return " (exec)"
	default:
		return ""
	}
}

// UpcallEvent is the OVS "upcall" event: the datapath sent a packet to
// userspace for flow resolution.
type UpcallEvent struct {
	Cmd  uint8  `json:"cmd"`
	Port uint32 `json:"port"`
	Cpu  uint32 `json:"cpu"`
}

func decodeUpcallEvent(payload []byte) (*UpcallEvent, error) {
	if len(payload) != 9 {
		return nil, &errs.DecodeError{Msg: "ovs upcall event: expected 9 bytes"}
	}
	return &UpcallEvent{
		Cmd:  payload[0],
		Port: binary.LittleEndian.Uint32(payload[1:5]),
		Cpu:  binary.LittleEndian.Uint32(payload[5:9]),
	}, nil
}

func encodeUpcallEvent(e UpcallEvent) []byte {
	buf := make([]byte, 9)
	buf[0] = e.Cmd
	binary.LittleEndian.PutUint32(buf[1:5], e.Port)
	binary.LittleEndian.PutUint32(buf[5:9], e.Cpu)
	return buf
}

func (e *UpcallEvent) String() string {
	return fmt.Sprintf("upcall%s port %d cpu %d", fmtUpcallCmd(e.Cmd), e.Port, e.Cpu)
}

// UpcallEnqueueEvent indicates a packet fragment enqueued for userspace
// processing.
type UpcallEnqueueEvent struct {
	Ret       int32  `json:"ret"`
	Cmd       uint8  `json:"cmd"`
	Port      uint32 `json:"port"`
	UpcallTs  uint64 `json:"upcall_ts"`
	UpcallCpu uint32 `json:"upcall_cpu"`
	QueueID   uint32 `json:"queue_id"`
}

func decodeUpcallEnqueueEvent(payload []byte) (*UpcallEnqueueEvent, error) {
	if len(payload) != 25 {
		return nil, &errs.DecodeError{Msg: "ovs upcall_enqueue event: expected 25 bytes"}
	}
	return &UpcallEnqueueEvent{
		Ret:       int32(binary.LittleEndian.Uint32(payload[0:4])),
		Cmd:       payload[4],
		Port:      binary.LittleEndian.Uint32(payload[5:9]),
		UpcallTs:  binary.LittleEndian.Uint64(payload[9:17]),
		UpcallCpu: binary.LittleEndian.Uint32(payload[17:21]),
		QueueID:   binary.LittleEndian.Uint32(payload[21:25]),
	}, nil
}

func encodeUpcallEnqueueEvent(e UpcallEnqueueEvent) []byte {
	buf := make([]byte, 25)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(e.Ret))
	buf[4] = e.Cmd
	binary.LittleEndian.PutUint32(buf[5:9], e.Port)
	binary.LittleEndian.PutUint64(buf[9:17], e.UpcallTs)
	binary.LittleEndian.PutUint32(buf[17:21], e.UpcallCpu)
	binary.LittleEndian.PutUint32(buf[21:25], e.QueueID)
	return buf
}

func (e *UpcallEnqueueEvent) String() string {
	return fmt.Sprintf("upcall_enqueue%s (%d) q %d ret %d", fmtUpcallCmd(e.Cmd), e.Port, e.QueueID, e.Ret)
}

// UpcallReturnEvent indicates an upcall has ended.
type UpcallReturnEvent struct {
	UpcallTs  uint64 `json:"upcall_ts"`
	UpcallCpu uint32 `json:"upcall_cpu"`
	Ret       int32  `json:"ret"`
}

func decodeUpcallReturnEvent(payload []byte) (*UpcallReturnEvent, error) {
	if len(payload) != 16 {
		return nil, &errs.DecodeError{Msg: "ovs upcall_return event: expected 16 bytes"}
	}
	return &UpcallReturnEvent{
		UpcallTs:  binary.LittleEndian.Uint64(payload[0:8]),
		UpcallCpu: binary.LittleEndian.Uint32(payload[8:12]),
		Ret:       int32(binary.LittleEndian.Uint32(payload[12:16])),
	}, nil
}

func encodeUpcallReturnEvent(e UpcallReturnEvent) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], e.UpcallTs)
	binary.LittleEndian.PutUint32(buf[8:12], e.UpcallCpu)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(e.Ret))
	return buf
}

// OperationEvent records a flow operation ("exec" or "put") userspace
// executed on an upcalled packet. OpType 0 means "exec", 1 means "put".
type OperationEvent struct {
	OpType   uint8
	QueueID  uint32
	BatchTs  uint64
	BatchIdx uint8
}

func decodeOperationEvent(payload []byte) (*OperationEvent, error) {
	if len(payload) != 14 {
		return nil, &errs.DecodeError{Msg: "ovs flow_operation event: expected 14 bytes"}
	}
	return &OperationEvent{
		OpType:   payload[0],
		QueueID:  binary.LittleEndian.Uint32(payload[1:5]),
		BatchTs:  binary.LittleEndian.Uint64(payload[5:13]),
		BatchIdx: payload[13],
	}, nil
}

func encodeOperationEvent(e OperationEvent) []byte {
	buf := make([]byte, 14)
	buf[0] = e.OpType
	binary.LittleEndian.PutUint32(buf[1:5], e.QueueID)
	binary.LittleEndian.PutUint64(buf[5:13], e.BatchTs)
	buf[13] = e.BatchIdx
	return buf
}

func operationTypeString(t uint8) (string, error) {
	switch t {
	case 0:
		return "exec", nil
	case 1:
		return "put", nil
	default:
		return "", &errs.DecodeError{Msg: "ovs flow_operation event: unknown op_type"}
	}
}

func operationTypeFromString(s string) (uint8, bool) {
	switch s {
	case "exec":
		return 0, true
	case "put":
		return 1, true
	default:
		return 0, false
	}
}

// RecvUpcallEvent indicates userspace received an upcall.
type RecvUpcallEvent struct {
	Type     uint32 `json:"type"`
	PktSize  uint32 `json:"pkt_size"`
	KeySize  uint64 `json:"key_size"`
	QueueID  uint32 `json:"queue_id"`
	BatchTs  uint64 `json:"batch_ts"`
	BatchIdx uint8  `json:"batch_idx"`
}

func decodeRecvUpcallEvent(payload []byte) (*RecvUpcallEvent, error) {
	if len(payload) != 29 {
		return nil, &errs.DecodeError{Msg: "ovs recv_upcall event: expected 29 bytes"}
	}
	return &RecvUpcallEvent{
		Type:     binary.LittleEndian.Uint32(payload[0:4]),
		PktSize:  binary.LittleEndian.Uint32(payload[4:8]),
		KeySize:  binary.LittleEndian.Uint64(payload[8:16]),
		QueueID:  binary.LittleEndian.Uint32(payload[16:20]),
		BatchTs:  binary.LittleEndian.Uint64(payload[20:28]),
		BatchIdx: payload[28],
	}, nil
}

func encodeRecvUpcallEvent(e RecvUpcallEvent) []byte {
	buf := make([]byte, 29)
	binary.LittleEndian.PutUint32(buf[0:4], e.Type)
	binary.LittleEndian.PutUint32(buf[4:8], e.PktSize)
	binary.LittleEndian.PutUint64(buf[8:16], e.KeySize)
	binary.LittleEndian.PutUint32(buf[16:20], e.QueueID)
	binary.LittleEndian.PutUint64(buf[20:28], e.BatchTs)
	buf[28] = e.BatchIdx
	return buf
}

// ActionEvent records the datapath executing an action on a packet.
// QueueID is nil unless the action event came from a tracked upcall.
type ActionEvent struct {
	Action        OvsAction
	RecircID      uint32
	Mru           uint16
	ActionAddress uint64
	QueueID       *uint32
}

func decodeActionEvent(payload []byte) (*ActionEvent, error) {
	if len(payload) < actionFixedLen {
		return nil, &errs.DecodeError{Msg: "ovs action_execute event: short payload"}
	}

	kind := actionKind(payload[0])
	ev := &ActionEvent{
		RecircID:      binary.LittleEndian.Uint32(payload[1:5]),
		Mru:           binary.LittleEndian.Uint16(payload[5:7]),
		ActionAddress: binary.LittleEndian.Uint64(payload[7:15]),
	}
	if payload[15] != 0 {
		q := binary.LittleEndian.Uint32(payload[16:20])
		ev.QueueID = &q
	}

	action, err := decodeOvsAction(kind, payload[actionFixedLen:])
	if err != nil {
		return nil, err
	}
	ev.Action = action
	return ev, nil
}

func encodeActionEvent(e ActionEvent) []byte {
	buf := make([]byte, actionFixedLen)
	buf[0] = byte(actionNone)
	if e.Action != nil {
		buf[0] = byte(e.Action.ovsActionKind())
	}
	binary.LittleEndian.PutUint32(buf[1:5], e.RecircID)
	binary.LittleEndian.PutUint16(buf[5:7], e.Mru)
	binary.LittleEndian.PutUint64(buf[7:15], e.ActionAddress)
	if e.QueueID != nil {
		buf[15] = 1
		binary.LittleEndian.PutUint32(buf[16:20], *e.QueueID)
	}

	if payload := encodeOvsAction(e.Action); len(payload) > 1 {
		buf = append(buf, payload[1:]...)
	}
	return buf
}

// --- JSON envelope ---

// MarshalJSON flattens OvsEvent into a single object: "event_type"
// selects the variant, and (for action_execute) a nested "action" tag
// selects the action sub-variant.
func (e *OvsEvent) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{}

	switch {
	case e.Upcall != nil:
		out["event_type"] = "upcall"
		out["cmd"] = e.Upcall.Cmd
		out["port"] = e.Upcall.Port
		out["cpu"] = e.Upcall.Cpu
	case e.UpcallEnqueue != nil:
		v := e.UpcallEnqueue
		out["event_type"] = "upcall_enqueue"
		out["ret"] = v.Ret
		out["cmd"] = v.Cmd
		out["port"] = v.Port
		out["upcall_ts"] = v.UpcallTs
		out["upcall_cpu"] = v.UpcallCpu
		out["queue_id"] = v.QueueID
	case e.UpcallReturn != nil:
		v := e.UpcallReturn
		out["event_type"] = "upcall_return"
		out["upcall_ts"] = v.UpcallTs
		out["upcall_cpu"] = v.UpcallCpu
		out["ret"] = v.Ret
	case e.RecvUpcall != nil:
		v := e.RecvUpcall
		out["event_type"] = "recv_upcall"
		out["type"] = v.Type
		out["pkt_size"] = v.PktSize
		out["key_size"] = v.KeySize
		out["queue_id"] = v.QueueID
		out["batch_ts"] = v.BatchTs
		out["batch_idx"] = v.BatchIdx
	case e.Operation != nil:
		v := e.Operation
		opStr, err := operationTypeString(v.OpType)
		if err != nil {
			return nil, err
		}
		out["event_type"] = "flow_operation"
		out["op_type"] = opStr
		out["queue_id"] = v.QueueID
		out["batch_ts"] = v.BatchTs
		out["batch_idx"] = v.BatchIdx
	case e.Action != nil:
		v := e.Action
		out["event_type"] = "action_execute"
		marshalOvsAction(v.Action, out)
		out["recirc_id"] = v.RecircID
		out["mru"] = v.Mru
		out["action_address"] = v.ActionAddress
		if v.QueueID != nil {
			out["queue_id"] = *v.QueueID
		}
	default:
		return nil, &errs.DecodeError{Msg: "ovs event: no variant set"}
	}

	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (e *OvsEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var tag struct {
		EventType string `json:"event_type"`
	}
	if err := unmarshalFields(raw, &tag); err != nil {
		return err
	}

	*e = OvsEvent{}
	switch tag.EventType {
	case "upcall":
		var v UpcallEvent
		if err := unmarshalFields(raw, &v); err != nil {
			return err
		}
		e.Upcall = &v
	case "upcall_enqueue":
		var v UpcallEnqueueEvent
		if err := unmarshalFields(raw, &v); err != nil {
			return err
		}
		e.UpcallEnqueue = &v
	case "upcall_return":
		var v UpcallReturnEvent
		if err := unmarshalFields(raw, &v); err != nil {
			return err
		}
		e.UpcallReturn = &v
	case "recv_upcall":
		var v RecvUpcallEvent
		if err := unmarshalFields(raw, &v); err != nil {
			return err
		}
		e.RecvUpcall = &v
	case "flow_operation":
		var in struct {
			OpType   string `json:"op_type"`
			QueueID  uint32 `json:"queue_id"`
			BatchTs  uint64 `json:"batch_ts"`
			BatchIdx uint8  `json:"batch_idx"`
		}
		if err := unmarshalFields(raw, &in); err != nil {
			return err
		}
		opType, ok := operationTypeFromString(in.OpType)
		if !ok {
			return &errs.DecodeError{Msg: "ovs flow_operation event: unknown op_type " + in.OpType}
		}
		e.Operation = &OperationEvent{OpType: opType, QueueID: in.QueueID, BatchTs: in.BatchTs, BatchIdx: in.BatchIdx}
	case "action_execute":
		var in struct {
			RecircID      uint32  `json:"recirc_id"`
			Mru           uint16  `json:"mru"`
			ActionAddress uint64  `json:"action_address"`
			QueueID       *uint32 `json:"queue_id"`
		}
		if err := unmarshalFields(raw, &in); err != nil {
			return err
		}
		action, err := unmarshalOvsAction(raw)
		if err != nil {
			return err
		}
		e.Action = &ActionEvent{Action: action, RecircID: in.RecircID, Mru: in.Mru, ActionAddress: in.ActionAddress, QueueID: in.QueueID}
	default:
		return &errs.DecodeError{Msg: "ovs event: unknown event_type " + tag.EventType}
	}
	return nil
}
