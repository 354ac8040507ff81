// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package events

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSymbols struct {
	byAddr map[uint64]string
}

func (f fakeSymbols) ByAddr(addr uint64) (string, bool) {
	name, ok := f.byAddr[addr]
	return name, ok
}

type fakeFrames struct {
	nearest map[uint64]struct {
		name string
		off  uint64
	}
}

func (f fakeFrames) NearestSymbol(addr uint64) (string, uint64, error) {
	v, ok := f.nearest[addr]
	if !ok {
		return "", 0, assert.AnError
	}
	return v.name, v.off, nil
}

type fakeStacks struct {
	byID map[int64][]byte
}

func (f fakeStacks) Lookup(id int64) ([]byte, error) {
	v, ok := f.byID[id]
	if !ok {
		return nil, assert.AnError
	}
	return v, nil
}

func newTestDecoder() (*Decoder, fakeSymbols) {
	symbols := fakeSymbols{byAddr: map[uint64]string{0xffffffff81000000: "kfree_skb"}}
	frames := fakeFrames{nearest: map[uint64]struct {
		name string
		off  uint64
	}{
		0xffffffff81000010: {name: "kfree_skb", off: 0x10},
	}}
	stacks := fakeStacks{byID: map[int64][]byte{
		1: encodeStackPCs(0xffffffff81000010, 0),
	}}
	return NewDecoder(symbols, frames, stacks), symbols
}

func encodeStackPCs(pcs ...uint64) []byte {
	buf := make([]byte, 0, 8*len(pcs))
	for _, pc := range pcs {
		var b [8]byte
		for i := 0; i < 8; i++ {
			b[i] = byte(pc >> (8 * i))
		}
		buf = append(buf, b[:]...)
	}
	return buf
}

func TestDecodeKernelEventResolvesSymbolAndStack(t *testing.T) {
	d, _ := newTestDecoder()
	raw, err := encodeKernelEvent(0xffffffff81000000, "kprobe", 1)
	require.NoError(t, err)

	ev, err := d.decodeKernelEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, "kfree_skb", ev.Symbol)
	assert.Equal(t, "kprobe", ev.ProbeType)
	require.Len(t, ev.Stack, 1)
	assert.Equal(t, "kfree_skb+0x10", ev.Stack[0].String())
}

func TestDecodeKernelEventUnknownSymbolFails(t *testing.T) {
	d, _ := newTestDecoder()
	raw, err := encodeKernelEvent(0x1, "kprobe", -1)
	require.NoError(t, err)
	_, err = d.decodeKernelEvent(raw)
	require.Error(t, err)
}

func TestDecodeKernelEventUnknownProbeKindFails(t *testing.T) {
	raw := make([]byte, kernelEventLen)
	raw[8] = 0xff
	d := NewDecoder(fakeSymbols{byAddr: map[uint64]string{}}, nil, nil)
	_, err := d.decodeKernelEvent(raw)
	require.Error(t, err)
}

func TestDecodeKernelEventWrongSizeFails(t *testing.T) {
	d, _ := newTestDecoder()
	_, err := d.decodeKernelEvent(make([]byte, 10))
	require.Error(t, err)
}

func TestDecodeKernelEventToleratesStackMapMiss(t *testing.T) {
	d, _ := newTestDecoder()
	raw, err := encodeKernelEvent(0xffffffff81000000, "kprobe", 999)
	require.NoError(t, err)
	ev, err := d.decodeKernelEvent(raw)
	require.NoError(t, err)
	assert.Nil(t, ev.Stack)
}

func TestKernelEventJSONRoundTrip(t *testing.T) {
	ev := &KernelEvent{Symbol: "kfree_skb", ProbeType: "kprobe", Stack: []StackFrame{{Symbol: "kfree_skb", Offset: 0x10, Resolved: true}}}
	b, err := json.Marshal(ev)
	require.NoError(t, err)

	var got KernelEvent
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, ev.Symbol, got.Symbol)
	assert.Equal(t, ev.ProbeType, got.ProbeType)
	require.Len(t, got.Stack, 1)
	assert.Equal(t, "kfree_skb+0x10", got.Stack[0].String())
}

func TestSplitSectionsAndDecodeMultipleEvents(t *testing.T) {
	d, _ := newTestDecoder()

	kernelRaw, err := encodeKernelEvent(0xffffffff81000000, "kprobe", -1)
	require.NoError(t, err)
	upcallRaw := encodeUpcallEvent(UpcallEvent{Cmd: 1, Port: 4195744766, Cpu: 0})

	buf := append(section(DataTypeKernel, kernelRaw), section(DataTypeOvsUpcall, upcallRaw)...)

	sections, err := SplitSections(buf)
	require.NoError(t, err)
	require.Len(t, sections, 2)

	events, err := d.Decode(sections)
	require.NoError(t, err)
	require.Len(t, events, 2)

	ke, ok := events[0].(*KernelEvent)
	require.True(t, ok)
	assert.Equal(t, "kfree_skb", ke.Symbol)

	oe, ok := events[1].(*OvsEvent)
	require.True(t, ok)
	require.NotNil(t, oe.Upcall)
	assert.Equal(t, uint32(4195744766), oe.Upcall.Port)
}

func section(dt DataType, payload []byte) []byte {
	buf := make([]byte, 3+len(payload))
	buf[0] = byte(dt)
	buf[1] = byte(len(payload))
	buf[2] = byte(len(payload) >> 8)
	copy(buf[3:], payload)
	return buf
}

func TestSplitSectionsRejectsTruncatedHeader(t *testing.T) {
	_, err := SplitSections([]byte{1, 2})
	require.Error(t, err)
}

func TestSplitSectionsRejectsOverrunLength(t *testing.T) {
	_, err := SplitSections([]byte{1, 0xff, 0xff})
	require.Error(t, err)
}

// TestOvsEventWireRoundTrip exercises every OVS sub-variant's
// decode(encode(e)) == e invariant.
func TestOvsEventWireRoundTrip(t *testing.T) {
	t.Run("upcall", func(t *testing.T) {
		want := UpcallEvent{Cmd: 1, Port: 4195744766, Cpu: 0}
		got, err := decodeUpcallEvent(encodeUpcallEvent(want))
		require.NoError(t, err)
		assert.Equal(t, want, *got)
	})

	t.Run("upcall_enqueue", func(t *testing.T) {
		want := UpcallEnqueueEvent{Ret: 0, Cmd: 1, Port: 4195744766, UpcallTs: 61096236973661, UpcallCpu: 0, QueueID: 3316322986}
		got, err := decodeUpcallEnqueueEvent(encodeUpcallEnqueueEvent(want))
		require.NoError(t, err)
		assert.Equal(t, want, *got)
	})

	t.Run("upcall_return", func(t *testing.T) {
		want := UpcallReturnEvent{UpcallTs: 61096236973661, UpcallCpu: 0, Ret: 0}
		got, err := decodeUpcallReturnEvent(encodeUpcallReturnEvent(want))
		require.NoError(t, err)
		assert.Equal(t, want, *got)
	})

	t.Run("flow_operation exec", func(t *testing.T) {
		want := OperationEvent{OpType: 0, QueueID: 3316322986, BatchTs: 61096237019698, BatchIdx: 0}
		got, err := decodeOperationEvent(encodeOperationEvent(want))
		require.NoError(t, err)
		assert.Equal(t, want, *got)
	})

	t.Run("recv_upcall", func(t *testing.T) {
		want := RecvUpcallEvent{Type: 1, PktSize: 128, KeySize: 64, QueueID: 9, BatchTs: 1234, BatchIdx: 2}
		got, err := decodeRecvUpcallEvent(encodeRecvUpcallEvent(want))
		require.NoError(t, err)
		assert.Equal(t, want, *got)
	})

	t.Run("action_execute output", func(t *testing.T) {
		q := uint32(1361394472)
		want := ActionEvent{Action: OvsActionOutput{Port: 2}, QueueID: &q}
		got, err := decodeActionEvent(encodeActionEvent(want))
		require.NoError(t, err)
		assert.Equal(t, want, *got)
	})

	t.Run("action_execute drop", func(t *testing.T) {
		want := ActionEvent{Action: OvsActionDrop{Reason: 0}, RecircID: 32}
		got, err := decodeActionEvent(encodeActionEvent(want))
		require.NoError(t, err)
		assert.Equal(t, want, *got)
	})

	t.Run("action_execute ct with nat", func(t *testing.T) {
		want := ActionEvent{
			RecircID: 34,
			Action: OvsActionCt{
				ZoneID: 20,
				Flags:  485,
				Nat: &OvsActionCtNat{
					Dir:     NatDirDst,
					MinAddr: net.ParseIP("10.244.1.3").To4(),
					MaxAddr: net.ParseIP("10.244.1.30").To4(),
					MinPort: 36895,
					MaxPort: 36900,
				},
			},
		}
		got, err := decodeActionEvent(encodeActionEvent(want))
		require.NoError(t, err)
		assert.Equal(t, want, *got)
	})

	t.Run("action_execute simple", func(t *testing.T) {
		want := ActionEvent{Action: OvsActionSimple{Kind: "userspace"}}
		got, err := decodeActionEvent(encodeActionEvent(want))
		require.NoError(t, err)
		assert.Equal(t, want, *got)
	})
}

// TestOvsEventJSONRoundTrip checks that marshaling produces the exact
// documented JSON shape and that unmarshaling is its inverse.
func TestOvsEventJSONRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		json string
		ev   OvsEvent
	}{
		{
			name: "upcall",
			json: `{"cmd":1,"cpu":0,"event_type":"upcall","port":4195744766}`,
			ev:   OvsEvent{Upcall: &UpcallEvent{Cmd: 1, Cpu: 0, Port: 4195744766}},
		},
		{
			name: "action output",
			json: `{"action":"output","action_address":0,"event_type":"action_execute","port":2,"mru":0,"queue_id":1361394472,"recirc_id":0}`,
			ev: OvsEvent{Action: &ActionEvent{
				Action:  OvsActionOutput{Port: 2},
				QueueID: uint32Ptr(1361394472),
			}},
		},
		{
			name: "upcall_enqueue",
			json: `{"cmd":1,"event_type":"upcall_enqueue","queue_id":3316322986,"ret":0,"upcall_cpu":0,"port":4195744766,"upcall_ts":61096236973661}`,
			ev: OvsEvent{UpcallEnqueue: &UpcallEnqueueEvent{
				Ret: 0, Cmd: 1, Port: 4195744766, UpcallTs: 61096236973661, UpcallCpu: 0, QueueID: 3316322986,
			}},
		},
		{
			name: "upcall_return",
			json: `{"event_type":"upcall_return","ret":0,"upcall_cpu":0,"upcall_ts":61096236973661}`,
			ev:   OvsEvent{UpcallReturn: &UpcallReturnEvent{Ret: 0, UpcallTs: 61096236973661, UpcallCpu: 0}},
		},
		{
			name: "flow_operation exec",
			json: `{"batch_idx":0,"batch_ts":61096237019698,"event_type":"flow_operation","op_type":"exec","queue_id":3316322986}`,
			ev:   OvsEvent{Operation: &OperationEvent{OpType: 0, QueueID: 3316322986, BatchTs: 61096237019698, BatchIdx: 0}},
		},
		{
			name: "flow_operation put",
			json: `{"batch_idx":0,"batch_ts":61096237019698,"event_type":"flow_operation","op_type":"put","queue_id":3316322986}`,
			ev:   OvsEvent{Operation: &OperationEvent{OpType: 1, QueueID: 3316322986, BatchTs: 61096237019698, BatchIdx: 0}},
		},
		{
			name: "action ct",
			json: `{"action":"ct","action_address":0,"event_type":"action_execute","flags":485,"mru":0,"nat":{"dir":"dst","max_addr":"10.244.1.30","max_port":36900,"min_addr":"10.244.1.3","min_port":36895},"recirc_id":34,"zone_id":20}`,
			ev: OvsEvent{Action: &ActionEvent{
				RecircID: 34,
				Action: OvsActionCt{
					ZoneID: 20,
					Flags:  485,
					Nat: &OvsActionCtNat{
						Dir:     NatDirDst,
						MinAddr: net.ParseIP("10.244.1.3"),
						MaxAddr: net.ParseIP("10.244.1.30"),
						MinPort: 36895,
						MaxPort: 36900,
					},
				},
			}},
		},
		{
			name: "action drop",
			json: `{"action":"drop","action_address":0,"event_type":"action_execute","mru":0,"reason":0,"recirc_id":32}`,
			ev:   OvsEvent{Action: &ActionEvent{Action: OvsActionDrop{Reason: 0}, RecircID: 32}},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b, err := json.Marshal(&c.ev)
			require.NoError(t, err)

			var gotFromWant, gotFromLiteral map[string]interface{}
			require.NoError(t, json.Unmarshal(b, &gotFromWant))
			require.NoError(t, json.Unmarshal([]byte(c.json), &gotFromLiteral))
			assert.Equal(t, gotFromLiteral, gotFromWant)

			var parsed OvsEvent
			require.NoError(t, json.Unmarshal([]byte(c.json), &parsed))
			assert.Equal(t, c.ev, parsed)
		})
	}
}

func uint32Ptr(v uint32) *uint32 { return &v }

func TestUpcallEventStringKnownAndUnknownCmd(t *testing.T) {
	known := &UpcallEvent{Cmd: 1, Port: 7, Cpu: 2}
	assert.Equal(t, "upcall (miss) port 7 cpu 2", known.String())

	// Commands past the last defined one format with no suffix at all.
	unknown := &UpcallEvent{Cmd: 9, Port: 7, Cpu: 2}
	assert.Equal(t, "upcall port 7 cpu 2", unknown.String())
}
