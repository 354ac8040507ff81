// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package collect

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovsprobe/tracer/cmd/tracer/command"
	"github.com/ovsprobe/tracer/pkg/events"
	"github.com/ovsprobe/tracer/pkg/events/ovsenrich"
)

func TestMakeCollectCommandFlags(t *testing.T) {
	cmd := MakeCollectCommand(&command.GlobalParams{})
	require.NotNil(t, cmd)
	require.Equal(t, "collect", cmd.Use)

	for _, name := range []string{"bpf-dir", "packet-filter", "l2", "meta-filter", "ebpf-debug", "disable", "metrics-addr"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "missing flag %s", name)
	}
}

func TestEmitJSONPassesKernelEventsThrough(t *testing.T) {
	ev := &events.KernelEvent{Symbol: "kfree_skb", ProbeType: "kprobe"}
	b, err := emitJSON(ev, ovsenrich.NewResolver())
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &fields))
	assert.Equal(t, "kernel", fields["event_type"])
	assert.NotContains(t, fields, "iface")
}

func TestEmitJSONLeavesNonOutputActionsAlone(t *testing.T) {
	ev := &events.OvsEvent{Action: &events.ActionEvent{Action: events.OvsActionDrop{Reason: 2}}}
	b, err := emitJSON(ev, ovsenrich.NewResolver())
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &fields))
	assert.Equal(t, "action_execute", fields["event_type"])
	assert.NotContains(t, fields, "iface")
}
