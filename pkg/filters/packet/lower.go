// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package packet

import (
	"fmt"

	"github.com/cilium/ebpf/asm"
	"golang.org/x/net/bpf"

	"github.com/ovsprobe/tracer/pkg/errs"
)

// Register convention: the classic BPF accumulator (A)
// maps onto asm.R0, the index register (X) onto asm.R1, and the packet
// data base pointer onto the fixed context register asm.R6 — the same
// assignment the Linux kernel's own classic-to-extended BPF JIT uses at
// the instruction-translation level.
const (
	regA    = asm.R0
	regX    = asm.R1
	regPkt  = asm.R6
	regTemp = asm.R2
)

func label(origIdx int) string { return fmt.Sprintf("L%d", origIdx) }

// instrSize reports how many eBPF instructions ins lowers to. It must be
// a pure function of ins alone: lower() depends on sizes being knowable
// before any instruction is actually emitted, so forward jump targets can
// be labeled ahead of time.
func instrSize(ins bpf.Instruction) (int, error) {
	switch v := ins.(type) {
	case bpf.LoadConstant, bpf.LoadScratch, bpf.StoreScratch, bpf.ALUOpConstant,
		bpf.ALUOpX, bpf.TXA, bpf.TAX, bpf.RetA:
		return 1, nil
	case bpf.LoadAbsolute:
		if v.Size == 1 {
			return 1, nil
		}
		return 2, nil
	case bpf.LoadIndirect:
		n := 2 // mov temp=pkt; add temp+=X
		if v.Off != 0 {
			n++
		}
		n++ // the load itself
		if v.Size != 1 {
			n++ // byte-swap
		}
		return n, nil
	case bpf.LoadMemShift:
		return 4, nil
	case bpf.NegateA:
		return 3, nil
	case bpf.RetConstant:
		return 2, nil
	case bpf.Jump:
		return 1, nil
	case bpf.JumpIf:
		return condJumpSize(v.Cond, v.SkipTrue, v.SkipFalse), nil
	case bpf.JumpIfX:
		return condJumpSize(v.Cond, v.SkipTrue, v.SkipFalse), nil
	case bpf.LoadExtension:
		return 0, &errs.CompileError{Msg: "packet extensions are not supported by this compiler"}
	default:
		return 0, &errs.CompileError{Msg: fmt.Sprintf("unsupported cBPF instruction %#v", ins)}
	}
}

func aluOp(op bpf.ALUOp) (asm.ALUOp, error) {
	switch op {
	case bpf.ALUOpAdd:
		return asm.Add, nil
	case bpf.ALUOpSub:
		return asm.Sub, nil
	case bpf.ALUOpMul:
		return asm.Mul, nil
	case bpf.ALUOpDiv:
		return asm.Div, nil
	case bpf.ALUOpOr:
		return asm.Or, nil
	case bpf.ALUOpAnd:
		return asm.And, nil
	case bpf.ALUOpShiftLeft:
		return asm.Lsh, nil
	case bpf.ALUOpShiftRight:
		return asm.Rsh, nil
	case bpf.ALUOpMod:
		return asm.Mod, nil
	case bpf.ALUOpXor:
		return asm.Xor, nil
	default:
		return 0, &errs.CompileError{Msg: "unsupported ALU operator"}
	}
}

// condJumpSize reports how many eBPF instructions a conditional jump
// lowers to. After branch swapping for JumpBitsNotSet, the false branch
// falls through (no unconditional jump needed) only when its post-swap
// skip count is zero.
func condJumpSize(cond bpf.JumpTest, skipTrue, skipFalse uint8) int {
	if cond == bpf.JumpBitsNotSet {
		skipTrue, skipFalse = skipFalse, skipTrue
	}
	if skipFalse != 0 {
		return 2
	}
	return 1
}

// jumpOp maps a cBPF comparator to its eBPF equivalent. invert reports
// whether the true/false branches must be swapped (classic BPF's
// JumpBitsNotSet has no direct eBPF counterpart: JSet alone only tests
// "bits set").
func jumpOp(cond bpf.JumpTest) (op asm.JumpOp, invert bool, err error) {
	switch cond {
	case bpf.JumpEqual:
		return asm.JEq, false, nil
	case bpf.JumpNotEqual:
		return asm.JNE, false, nil
	case bpf.JumpGreaterThan:
		return asm.JGT, false, nil
	case bpf.JumpLessThan:
		return asm.JLT, false, nil
	case bpf.JumpGreaterOrEqual:
		return asm.JGE, false, nil
	case bpf.JumpLessOrEqual:
		return asm.JLE, false, nil
	case bpf.JumpBitsSet:
		return asm.JSet, false, nil
	case bpf.JumpBitsNotSet:
		return asm.JSet, true, nil
	default:
		return 0, false, &errs.CompileError{Msg: "unsupported jump comparator"}
	}
}

func bpfSize(n int) (asm.Size, error) {
	switch n {
	case 1:
		return asm.Byte, nil
	case 2:
		return asm.Half, nil
	case 4:
		return asm.Word, nil
	default:
		return 0, &errs.CompileError{Msg: "unsupported load size"}
	}
}

// lower translates a disassembled cBPF program into an eBPF one,
// preserving jump semantics via a forward-computed label table rather
// than hand-patched byte offsets.
func lower(prog []bpf.Instruction) (Program, error) {
	out := make(Program, 0, len(prog)*2)

	for origIdx, ins := range prog {
		block, err := lowerOne(ins, origIdx, len(prog))
		if err != nil {
			return nil, err
		}
		if len(block) == 0 {
			return nil, &errs.CompileError{Msg: "internal error: empty translation block"}
		}

		block[0] = block[0].Sym(label(origIdx))
		out = append(out, block...)

		n, err := instrSize(ins)
		if err != nil {
			return nil, err
		}
		if n != len(block) {
			return nil, &errs.CompileError{Msg: fmt.Sprintf("internal error: size mismatch at insn %d", origIdx)}
		}
	}

	if needsExitLabel(prog) {
		out = append(out, asm.Return().Sym("Lexit"))
	}

	return out, nil
}

// needsExitLabel reports whether any jump in prog targets one past the
// last instruction, which real pcap output never does but a defensive
// compiler should still handle rather than emit a dangling label.
func needsExitLabel(prog []bpf.Instruction) bool {
	n := len(prog)
	for idx, ins := range prog {
		switch v := ins.(type) {
		case bpf.Jump:
			if idx+1+int(v.Skip) >= n {
				return true
			}
		case bpf.JumpIf:
			if idx+1+int(v.SkipTrue) >= n || idx+1+int(v.SkipFalse) >= n {
				return true
			}
		case bpf.JumpIfX:
			if idx+1+int(v.SkipTrue) >= n || idx+1+int(v.SkipFalse) >= n {
				return true
			}
		}
	}
	return false
}

func lowerOne(ins bpf.Instruction, origIdx, progLen int) ([]asm.Instruction, error) {
	switch v := ins.(type) {
	case bpf.LoadConstant:
		return []asm.Instruction{asm.Mov.Imm(asmReg(v.Dst), int32(v.Val))}, nil

	case bpf.LoadScratch:
		return []asm.Instruction{asm.LoadMem(asmReg(v.Dst), asm.R10, scratchOffset(v.N), asm.Word)}, nil

	case bpf.StoreScratch:
		return []asm.Instruction{asm.StoreMem(asm.R10, scratchOffset(v.N), asmReg(v.Src), asm.Word)}, nil

	case bpf.LoadAbsolute:
		size, err := bpfSize(v.Size)
		if err != nil {
			return nil, err
		}
		insns := []asm.Instruction{asm.LoadMem(regA, regPkt, int16(v.Off), size)}
		if v.Size != 1 {
			insns = append(insns, asm.HostTo(asm.BE, regA, size))
		}
		return insns, nil

	case bpf.LoadIndirect:
		size, err := bpfSize(v.Size)
		if err != nil {
			return nil, err
		}
		insns := []asm.Instruction{
			asm.Mov.Reg(regTemp, regPkt),
			asm.Add.Reg(regTemp, regX),
		}
		if v.Off != 0 {
			insns = append(insns, asm.Add.Imm(regTemp, int32(v.Off)))
		}
		insns = append(insns, asm.LoadMem(regA, regTemp, 0, size))
		if v.Size != 1 {
			insns = append(insns, asm.HostTo(asm.BE, regA, size))
		}
		return insns, nil

	case bpf.LoadMemShift:
		return []asm.Instruction{
			asm.LoadMem(regTemp, regPkt, int16(v.Off), asm.Byte),
			asm.And.Imm(regTemp, 0xf),
			asm.Lsh.Imm(regTemp, 2),
			asm.Mov.Reg(regX, regTemp),
		}, nil

	case bpf.ALUOpConstant:
		op, err := aluOp(v.Op)
		if err != nil {
			return nil, err
		}
		return []asm.Instruction{op.Imm(regA, int32(v.Val))}, nil

	case bpf.ALUOpX:
		op, err := aluOp(v.Op)
		if err != nil {
			return nil, err
		}
		return []asm.Instruction{op.Reg(regA, regX)}, nil

	case bpf.NegateA:
		return []asm.Instruction{
			asm.Mov.Imm(regTemp, 0),
			asm.Sub.Reg(regTemp, regA),
			asm.Mov.Reg(regA, regTemp),
		}, nil

	case bpf.Jump:
		target := origIdx + 1 + int(v.Skip)
		return []asm.Instruction{asm.Ja.Label(jumpLabel(target, progLen))}, nil

	case bpf.JumpIf:
		op, invert, err := jumpOp(v.Cond)
		if err != nil {
			return nil, err
		}
		skipTrue, skipFalse := v.SkipTrue, v.SkipFalse
		if invert {
			skipTrue, skipFalse = skipFalse, skipTrue
		}
		trueIdx := origIdx + 1 + int(skipTrue)
		falseIdx := origIdx + 1 + int(skipFalse)
		insns := []asm.Instruction{op.Imm(regA, int32(v.Val), jumpLabel(trueIdx, progLen))}
		if skipFalse != 0 {
			insns = append(insns, asm.Ja.Label(jumpLabel(falseIdx, progLen)))
		}
		return insns, nil

	case bpf.JumpIfX:
		op, invert, err := jumpOp(v.Cond)
		if err != nil {
			return nil, err
		}
		skipTrue, skipFalse := v.SkipTrue, v.SkipFalse
		if invert {
			skipTrue, skipFalse = skipFalse, skipTrue
		}
		trueIdx := origIdx + 1 + int(skipTrue)
		falseIdx := origIdx + 1 + int(skipFalse)
		insns := []asm.Instruction{op.Reg(regA, regX, jumpLabel(trueIdx, progLen))}
		if skipFalse != 0 {
			insns = append(insns, asm.Ja.Label(jumpLabel(falseIdx, progLen)))
		}
		return insns, nil

	case bpf.RetA:
		return []asm.Instruction{asm.Return()}, nil

	case bpf.RetConstant:
		return []asm.Instruction{asm.Mov.Imm(regA, int32(v.Val)), asm.Return()}, nil

	case bpf.TXA:
		return []asm.Instruction{asm.Mov.Reg(regA, regX)}, nil

	case bpf.TAX:
		return []asm.Instruction{asm.Mov.Reg(regX, regA)}, nil

	case bpf.LoadExtension:
		return nil, &errs.CompileError{Msg: "packet extensions are not supported by this compiler"}

	default:
		return nil, &errs.CompileError{Msg: fmt.Sprintf("unsupported cBPF instruction %#v", ins)}
	}
}

// jumpLabel resolves a jump target that may point one past the last
// instruction (falling off the end) to the synthetic exit label; lower
// appends a trailing instruction carrying it when needed.
func jumpLabel(target, progLen int) string {
	if target >= progLen {
		return "Lexit"
	}
	return label(target)
}

func asmReg(r bpf.Register) asm.Register {
	if r == bpf.RegX {
		return regX
	}
	return regA
}

// scratchOffset maps one of cBPF's 16 scratch memory words onto a stack
// slot relative to the eBPF frame pointer.
func scratchOffset(n int) int16 {
	return int16(-8 * (n + 1))
}
