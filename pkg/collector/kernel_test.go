// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package collector

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovsprobe/tracer/pkg/kernel/symbol"
	"github.com/ovsprobe/tracer/pkg/probe"
)

func TestPackProbeConfigLayout(t *testing.T) {
	cfg := probe.ProbeConfig{StackTrace: true, ArgOffsets: []uint32{0, 16}}

	buf := packProbeConfig(2, cfg)
	require.Len(t, buf, 40)

	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(buf[0:4]))
	assert.Equal(t, byte(1), buf[4])
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(buf[8:12]))
	assert.Equal(t, uint32(16), binary.LittleEndian.Uint32(buf[12:16]))
}

func TestPackProbeConfigTruncatesOffsetTable(t *testing.T) {
	offsets := make([]uint32, 12)
	for i := range offsets {
		offsets[i] = uint32(i)
	}
	buf := packProbeConfig(12, probe.ProbeConfig{ArgOffsets: offsets})
	require.Len(t, buf, 40)
	assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(buf[8+4*7:12+4*7]))
}

func TestObjectFilePerKind(t *testing.T) {
	assert.Equal(t, "probe_kprobe.o", objectFile(symbol.FunctionEntry))
	assert.Equal(t, "probe_kretprobe.o", objectFile(symbol.FunctionExit))
	assert.Equal(t, "probe_raw_tracepoint.o", objectFile(symbol.RawTracepoint))
	assert.Equal(t, "", objectFile(symbol.Kind(99)))
}
