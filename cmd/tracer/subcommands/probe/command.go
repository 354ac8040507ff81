// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package probe registers the "ebpf" subcommand: low-level inspection
// of the maps the tracer's probes share.
package probe

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/btf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/spf13/cobra"

	"github.com/ovsprobe/tracer/cmd/tracer/command"
	"github.com/ovsprobe/tracer/pkg/probe/maptypes"
)

// mapEntry is one row of a regular (non-PerCPU) map dump.
type mapEntry struct {
	Key   interface{} `json:"key"`
	Value interface{} `json:"value"`
}

// perCPUValue is one per-CPU slot of a PerCPU map entry.
type perCPUValue struct {
	CPU   int         `json:"cpu"`
	Value interface{} `json:"value"`
}

// perCPUMapEntry is one row of a PerCPU map dump.
type perCPUMapEntry struct {
	Key    interface{}   `json:"key"`
	Values []perCPUValue `json:"values"`
}

// MakeProbeCommand builds the "ebpf" subcommand tree: "map list" and
// "map dump".
func MakeProbeCommand(globalParams *command.GlobalParams) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ebpf",
		Short: "Inspect the tracer's loaded eBPF maps",
	}

	mapCmd := &cobra.Command{
		Use:   "map",
		Short: "Inspect loaded maps",
	}

	var pretty bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List every loaded map with its id, name and type",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMapList(cmd.OutOrStdout())
		},
	}

	var dumpID uint32
	var dumpName string
	dumpCmd := &cobra.Command{
		Use:   "dump",
		Short: "Dump a map's contents as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := rlimit.RemoveMemlock(); err != nil {
				return err
			}
			if dumpName != "" {
				return runMapDumpByName(dumpName, cmd.OutOrStdout(), pretty)
			}
			return runMapDumpByID(ebpf.MapID(dumpID), cmd.OutOrStdout(), pretty)
		},
	}
	dumpCmd.Flags().Uint32Var(&dumpID, "id", 0, "dump the map with this kernel map ID")
	dumpCmd.Flags().StringVar(&dumpName, "name", "", "dump the map with this name (overrides --id)")
	dumpCmd.Flags().BoolVar(&pretty, "pretty", false, "pretty-print the JSON output")

	mapCmd.AddCommand(listCmd, dumpCmd)
	cmd.AddCommand(mapCmd)
	return cmd
}

func runMapList(w io.Writer) error {
	if err := rlimit.RemoveMemlock(); err != nil {
		return err
	}

	var id ebpf.MapID
	for {
		next, err := ebpf.MapGetNextID(id)
		if err != nil {
			break
		}
		id = next

		m, err := ebpf.NewMapFromID(id)
		if err != nil {
			continue
		}
		info, err := m.Info()
		if err != nil {
			m.Close()
			continue
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", id, info.Type, info.Name)
		m.Close()
	}
	return nil
}

// findMapByName scans every loaded map for one whose kernel-reported name
// matches name exactly, since the kernel truncates map names to 15 bytes
// and offers no name-indexed lookup syscall.
func findMapByName(name string) (*ebpf.Map, *ebpf.MapInfo, error) {
	var id ebpf.MapID
	for {
		next, err := ebpf.MapGetNextID(id)
		if err != nil {
			return nil, nil, fmt.Errorf("map %q not found", name)
		}
		id = next

		m, err := ebpf.NewMapFromID(id)
		if err != nil {
			continue
		}
		info, err := m.Info()
		if err != nil {
			m.Close()
			continue
		}
		if info.Name == name {
			return m, info, nil
		}
		m.Close()
	}
}

func runMapDumpByID(id ebpf.MapID, w io.Writer, pretty bool) error {
	m, err := ebpf.NewMapFromID(id)
	if err != nil {
		return fmt.Errorf("open map id %d: %w", id, err)
	}
	defer m.Close()

	info, err := m.Info()
	if err != nil {
		return fmt.Errorf("stat map id %d: %w", id, err)
	}
	return dumpMapJSON(m, info, w, pretty)
}

func runMapDumpByName(name string, w io.Writer, pretty bool) error {
	m, info, err := findMapByName(name)
	if err != nil {
		return err
	}
	defer m.Close()
	return dumpMapJSON(m, info, w, pretty)
}

// dumpMapJSON dumps every entry of m as JSON, one mapEntry/perCPUMapEntry
// per key. Keys and values decode structurally when this binary knows the
// map's BTF types (maptypes.Register), otherwise fall back to an array of
// "0x.." byte strings.
func dumpMapJSON(m *ebpf.Map, info *ebpf.MapInfo, w io.Writer, pretty bool) error {
	types, hasBTF := maptypes.Lookup(info.Name)

	perCPU := isPerCPU(info.Type)

	var out interface{}
	if perCPU {
		entries, err := dumpPerCPU(m, types, hasBTF)
		if err != nil {
			return err
		}
		out = entries
	} else {
		entries, err := dumpRegular(m, types, hasBTF)
		if err != nil {
			return err
		}
		out = entries
	}

	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(out)
}

func isPerCPU(t ebpf.MapType) bool {
	switch t {
	case ebpf.PerCPUHash, ebpf.PerCPUArray, ebpf.LRUCPUHash, ebpf.PerCPUCGroupStorage:
		return true
	default:
		return false
	}
}

func dumpRegular(m *ebpf.Map, types maptypes.Types, hasBTF bool) ([]mapEntry, error) {
	entries := make([]mapEntry, 0)
	var key, value []byte
	it := m.Iterate()
	for it.Next(&key, &value) {
		entries = append(entries, mapEntry{
			Key:   decodeField(key, types.Key, hasBTF),
			Value: decodeField(value, types.Value, hasBTF),
		})
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("iterate map: %w", err)
	}
	return entries, nil
}

func dumpPerCPU(m *ebpf.Map, types maptypes.Types, hasBTF bool) ([]perCPUMapEntry, error) {
	entries := make([]perCPUMapEntry, 0)
	var key []byte
	var values [][]byte
	it := m.Iterate()
	for it.Next(&key, &values) {
		entry := perCPUMapEntry{Key: decodeField(key, types.Key, hasBTF)}
		for cpu, v := range values {
			entry.Values = append(entry.Values, perCPUValue{CPU: cpu, Value: decodeField(v, types.Value, hasBTF)})
		}
		entries = append(entries, entry)
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("iterate percpu map: %w", err)
	}
	return entries, nil
}

// decodeField renders raw as a BTF-structured value when t is known,
// otherwise as an array of "0xHH" hex byte strings.
func decodeField(raw []byte, t btf.Type, hasBTF bool) interface{} {
	if hasBTF && t != nil {
		if v, ok := decodeBTFValue(t, raw); ok {
			return v
		}
	}
	return hexBytes(raw)
}

func hexBytes(raw []byte) []string {
	out := make([]string, len(raw))
	for i, b := range raw {
		out[i] = fmt.Sprintf("0x%02x", b)
	}
	return out
}

// decodeBTFValue decodes raw according to t's BTF kind: integers and
// enums as numbers, structs as field maps, arrays as element lists.
// Mirrors the member-walk pkg/filters/meta uses to classify BTF kinds,
// applied here to render values instead of compile filter ops.
func decodeBTFValue(t btf.Type, raw []byte) (interface{}, bool) {
	switch v := t.(type) {
	case *btf.Typedef:
		return decodeBTFValue(v.Type, raw)
	case *btf.Volatile:
		return decodeBTFValue(v.Type, raw)
	case *btf.Const:
		return decodeBTFValue(v.Type, raw)
	case *btf.Restrict:
		return decodeBTFValue(v.Type, raw)
	case *btf.TypeTag:
		return decodeBTFValue(v.Type, raw)

	case *btf.Int:
		return decodeInt(v, raw), true

	case *btf.Enum:
		size := int(v.Size)
		if size == 0 {
			size = 4
		}
		if len(raw) < size {
			return nil, false
		}
		var val uint64
		if size == 8 {
			val = binary.LittleEndian.Uint64(raw)
		} else {
			val = uint64(binary.LittleEndian.Uint32(raw))
		}
		for _, e := range v.Values {
			if e.Value == val {
				return e.Name, true
			}
		}
		return val, true

	case *btf.Struct:
		fields := make(map[string]interface{}, len(v.Members))
		for _, m := range v.Members {
			byteOff := uint32(m.Offset) / 8
			if uint32(len(raw)) < byteOff {
				continue
			}
			size := memberByteSize(m.Type)
			end := byteOff + size
			if uint32(len(raw)) < end {
				end = uint32(len(raw))
			}
			if val, ok := decodeBTFValue(m.Type, raw[byteOff:end]); ok {
				fields[m.Name] = val
			} else {
				fields[m.Name] = hexBytes(raw[byteOff:end])
			}
		}
		return fields, true

	case *btf.Array:
		elemSize := memberByteSize(v.Type)
		if elemSize == 0 {
			return nil, false
		}
		out := make([]interface{}, 0, v.Nelems)
		for i := uint32(0); i < v.Nelems; i++ {
			start := i * elemSize
			end := start + elemSize
			if end > uint32(len(raw)) {
				break
			}
			val, ok := decodeBTFValue(v.Type, raw[start:end])
			if !ok {
				val = hexBytes(raw[start:end])
			}
			out = append(out, val)
		}
		return out, true

	default:
		return nil, false
	}
}

func decodeInt(v *btf.Int, raw []byte) interface{} {
	if int(v.Size) > len(raw) {
		return hexBytes(raw)
	}
	switch v.Size {
	case 1:
		if v.Encoding&btf.Signed != 0 {
			return int8(raw[0])
		}
		return raw[0]
	case 2:
		u := binary.LittleEndian.Uint16(raw)
		if v.Encoding&btf.Signed != 0 {
			return int16(u)
		}
		return u
	case 4:
		u := binary.LittleEndian.Uint32(raw)
		if v.Encoding&btf.Signed != 0 {
			return int32(u)
		}
		return u
	case 8:
		u := binary.LittleEndian.Uint64(raw)
		if v.Encoding&btf.Signed != 0 {
			return int64(u)
		}
		return u
	default:
		return hexBytes(raw)
	}
}

// memberByteSize returns t's size in bytes, unwrapping qualifiers and
// typedefs and computing array sizes recursively.
func memberByteSize(t btf.Type) uint32 {
	switch v := t.(type) {
	case *btf.Int:
		return v.Size
	case *btf.Struct:
		return v.Size
	case *btf.Union:
		return v.Size
	case *btf.Enum:
		return v.Size
	case *btf.Pointer:
		return 8
	case *btf.Array:
		return v.Nelems * memberByteSize(v.Type)
	case *btf.Typedef:
		return memberByteSize(v.Type)
	case *btf.Volatile:
		return memberByteSize(v.Type)
	case *btf.Const:
		return memberByteSize(v.Type)
	case *btf.Restrict:
		return memberByteSize(v.Type)
	case *btf.TypeTag:
		return memberByteSize(v.Type)
	default:
		return 0
	}
}
