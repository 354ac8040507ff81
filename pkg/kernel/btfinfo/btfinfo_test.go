// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package btfinfo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakeKallsyms = `0000000000000000 A fixed_percpu_data
ffffffff81000000 T _stext
ffffffff81000100 T kfree_skb
ffffffff81000200 t consume_skb
ffffffff82000000 D __tracepoint_kfree_skb
ffffffff83000000 T _etext
`

func newTestInspector(t *testing.T) *Inspector {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kallsyms")
	require.NoError(t, os.WriteFile(path, []byte(fakeKallsyms), 0o644))
	return &Inspector{kallsymsPath: path}
}

func TestNearestSymbolExactHit(t *testing.T) {
	i := newTestInspector(t)
	name, off, err := i.NearestSymbol(0xffffffff81000100)
	require.NoError(t, err)
	assert.Equal(t, "kfree_skb", name)
	assert.Equal(t, uint64(0), off)
}

func TestNearestSymbolWithOffset(t *testing.T) {
	i := newTestInspector(t)
	name, off, err := i.NearestSymbol(0xffffffff81000110)
	require.NoError(t, err)
	assert.Equal(t, "kfree_skb", name)
	assert.Equal(t, uint64(0x10), off)
}

func TestNearestSymbolBelowLowestFails(t *testing.T) {
	i := newTestInspector(t)
	_, _, err := i.NearestSymbol(0x100)
	require.Error(t, err)
}

func TestNearestSymbolSkipsDataSymbols(t *testing.T) {
	// An address inside the data symbol's range must resolve to the
	// preceding text symbol, not to the tracepoint descriptor.
	i := newTestInspector(t)
	name, _, err := i.NearestSymbol(0xffffffff82000010)
	require.NoError(t, err)
	assert.Equal(t, "consume_skb", name)
}

func TestDataSymbolsResolvableByName(t *testing.T) {
	i := newTestInspector(t)
	i.loadKallsyms()
	require.NoError(t, i.symErr)
	entry, ok := i.byName["__tracepoint_kfree_skb"]
	require.True(t, ok)
	assert.Equal(t, uint64(0xffffffff82000000), entry.addr)
}

func TestMissingKallsymsSurfacesError(t *testing.T) {
	i := &Inspector{kallsymsPath: filepath.Join(t.TempDir(), "missing")}
	_, _, err := i.NearestSymbol(0x1000)
	require.Error(t, err)
}
