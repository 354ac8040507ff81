// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package probe

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/ovsprobe/tracer/cmd/tracer/command"
)

func findSubcommand(parent *cobra.Command, name string) *cobra.Command {
	for _, c := range parent.Commands() {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

func TestMakeProbeCommandStructure(t *testing.T) {
	cmd := MakeProbeCommand(&command.GlobalParams{})
	require.NotNil(t, cmd)
	require.Equal(t, "ebpf", cmd.Use)

	mapCmd := findSubcommand(cmd, "map")
	require.NotNil(t, mapCmd)
	require.NotNil(t, findSubcommand(mapCmd, "list"))
	require.NotNil(t, findSubcommand(mapCmd, "dump"))
}

func TestDumpEmptyMap(t *testing.T) {
	require.NoError(t, rlimit.RemoveMemlock())

	spec := &ebpf.MapSpec{Type: ebpf.Hash, KeySize: 4, ValueSize: 4, MaxEntries: 10}
	m, err := ebpf.NewMapWithOptions(spec, ebpf.MapOptions{})
	require.NoError(t, err)
	defer m.Close()

	info, err := m.Info()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, dumpMapJSON(m, info, &buf, false))

	var entries []mapEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entries))
	require.Len(t, entries, 0)
}

func TestDumpSingleEntryHexFallback(t *testing.T) {
	require.NoError(t, rlimit.RemoveMemlock())

	spec := &ebpf.MapSpec{Type: ebpf.Hash, KeySize: 4, ValueSize: 4, MaxEntries: 10}
	m, err := ebpf.NewMapWithOptions(spec, ebpf.MapOptions{})
	require.NoError(t, err)
	defer m.Close()

	key := []byte{0x01, 0x02, 0x03, 0x04}
	value := []byte{0xaa, 0xbb, 0xcc, 0xdd}
	require.NoError(t, m.Put(key, value))

	info, err := m.Info()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, dumpMapJSON(m, info, &buf, false))

	var entries []mapEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entries))
	require.Len(t, entries, 1)

	keyArray, ok := entries[0].Key.([]interface{})
	require.True(t, ok)
	require.Equal(t, []interface{}{"0x01", "0x02", "0x03", "0x04"}, keyArray)
}

func TestDumpArrayMapReturnsAllSlots(t *testing.T) {
	require.NoError(t, rlimit.RemoveMemlock())

	spec := &ebpf.MapSpec{Type: ebpf.Array, KeySize: 4, ValueSize: 8, MaxEntries: 5}
	m, err := ebpf.NewMapWithOptions(spec, ebpf.MapOptions{})
	require.NoError(t, err)
	defer m.Close()

	index0 := uint32(0)
	require.NoError(t, m.Put(&index0, []byte{0, 1, 2, 3, 4, 5, 6, 7}))

	info, err := m.Info()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, dumpMapJSON(m, info, &buf, false))

	var entries []mapEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entries))
	require.Equal(t, int(spec.MaxEntries), len(entries))
}

func TestDumpPerCPUHashMap(t *testing.T) {
	require.NoError(t, rlimit.RemoveMemlock())

	spec := &ebpf.MapSpec{Type: ebpf.PerCPUHash, KeySize: 4, ValueSize: 8, MaxEntries: 10}
	m, err := ebpf.NewMapWithOptions(spec, ebpf.MapOptions{})
	require.NoError(t, err)
	defer m.Close()

	key := []byte{0xaa, 0xbb, 0xcc, 0xdd}
	values := [][]byte{
		{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
		{0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18},
	}
	require.NoError(t, m.Put(key, values))

	info, err := m.Info()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, dumpMapJSON(m, info, &buf, false))

	var entries []perCPUMapEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entries))
	require.NotEmpty(t, entries)
	require.Greater(t, len(entries[0].Values), 0)
}

func TestFindMapByNameNotFound(t *testing.T) {
	require.NoError(t, rlimit.RemoveMemlock())

	_, _, err := findMapByName("nonexistent_map_name_12345")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")
}

func TestRunMapDumpByIDNotFound(t *testing.T) {
	require.NoError(t, rlimit.RemoveMemlock())

	var buf bytes.Buffer
	err := runMapDumpByID(ebpf.MapID(999999999), &buf, false)
	require.Error(t, err)
}

func TestDumpMapPrettyPrintIsLonger(t *testing.T) {
	require.NoError(t, rlimit.RemoveMemlock())

	spec := &ebpf.MapSpec{Type: ebpf.Hash, KeySize: 4, ValueSize: 4, MaxEntries: 10}
	m, err := ebpf.NewMapWithOptions(spec, ebpf.MapOptions{})
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Put([]byte{1, 2, 3, 4}, []byte{5, 6, 7, 8}))

	info, err := m.Info()
	require.NoError(t, err)

	var pretty, compact bytes.Buffer
	require.NoError(t, dumpMapJSON(m, info, &pretty, true))
	require.NoError(t, dumpMapJSON(m, info, &compact, false))
	require.Greater(t, pretty.Len(), compact.Len())
}
