// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package packet

import (
	"testing"

	"github.com/cilium/ebpf/asm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/bpf"
)

func TestRejectAllIsSingleZeroingInstruction(t *testing.T) {
	prog := RejectAll()
	require.Equal(t, 1, prog.Len())
	assert.Equal(t, asm.Mov.Imm(asm.R0, 0), prog[0])
}

func TestLowerRetA(t *testing.T) {
	prog, err := lower([]bpf.Instruction{bpf.RetA{}})
	require.NoError(t, err)
	assert.Equal(t, 1, prog.Len())
}

func TestLowerUnconditionalJumpLowersToOneInstruction(t *testing.T) {
	prog, err := lower([]bpf.Instruction{
		bpf.Jump{Skip: 0},
		bpf.RetA{},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, prog.Len())
}

func TestLowerJumpIfFallthroughOmitsExtraJump(t *testing.T) {
	prog, err := lower([]bpf.Instruction{
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 1, SkipTrue: 1, SkipFalse: 0},
		bpf.RetConstant{Val: 0},
		bpf.RetConstant{Val: 1},
	})
	require.NoError(t, err)
	// 1 (cond jump) + 2 (first ret) + 2 (second ret) = 5.
	assert.Equal(t, 5, prog.Len())
}

func TestLowerJumpIfBothBranchesEmitsExtraJump(t *testing.T) {
	prog, err := lower([]bpf.Instruction{
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 1, SkipTrue: 1, SkipFalse: 1},
		bpf.RetConstant{Val: 0},
		bpf.RetConstant{Val: 1},
		bpf.RetConstant{Val: 2},
	})
	require.NoError(t, err)
	// 2 (cond jump + unconditional) + 2 + 2 + 2 = 8.
	assert.Equal(t, 8, prog.Len())
}

func TestLowerLoadAbsoluteByteSkipsByteSwap(t *testing.T) {
	prog, err := lower([]bpf.Instruction{
		bpf.LoadAbsolute{Off: 0, Size: 1},
		bpf.RetA{},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, prog.Len())
}

func TestLowerLoadAbsoluteWordIncludesByteSwap(t *testing.T) {
	prog, err := lower([]bpf.Instruction{
		bpf.LoadAbsolute{Off: 0, Size: 4},
		bpf.RetA{},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, prog.Len())
}

func TestLowerRejectsPacketExtensions(t *testing.T) {
	_, err := lower([]bpf.Instruction{
		bpf.LoadExtension{Num: bpf.ExtLen},
	})
	require.Error(t, err)
}

func TestLowerRejectsUnrecognizedInstruction(t *testing.T) {
	_, err := lower([]bpf.Instruction{
		bpf.RawInstruction{Op: 0xffff},
	})
	require.Error(t, err)
}

func TestScratchRoundTrip(t *testing.T) {
	prog, err := lower([]bpf.Instruction{
		bpf.StoreScratch{Src: bpf.RegA, N: 0},
		bpf.LoadScratch{Dst: bpf.RegA, N: 0},
		bpf.RetA{},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, prog.Len())
}

func TestLowerJumpBitsNotSetSwapsBranches(t *testing.T) {
	// Bits-not-set with only a true skip still needs two instructions
	// after the branch swap: the conditional jump to the fallthrough and
	// an unconditional jump to the original true target.
	prog, err := lower([]bpf.Instruction{
		bpf.JumpIf{Cond: bpf.JumpBitsNotSet, Val: 0x80, SkipTrue: 1, SkipFalse: 0},
		bpf.RetConstant{Val: 0},
		bpf.RetConstant{Val: 1},
	})
	require.NoError(t, err)
	// 2 (swapped cond jump + unconditional) + 2 + 2 = 6.
	assert.Equal(t, 6, prog.Len())
}
