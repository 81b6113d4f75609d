// Copyright 2020 The godbi Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package decoder is the facade the rest of this module uses to decode x86-64
// machine code. It wraps golang.org/x/arch/x86/x86asm, the same decoder used
// throughout the examples this module was grounded on, and exposes exactly
// the surface spec.md §4.2 asks for: iclass/iform/length/operand info plus
// Intel-syntax pretty-printing. The decoder is pure — it never touches a
// tracee; callers hand it a byte slice read from wherever they like.
package decoder

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Mode is the processor mode bytes are decoded in. This module only
// supports x86-64, so it is always Mode64.
const Mode64 = 64

// Inst is a decoded instruction together with the address it was decoded
// from, needed to resolve PC-relative fields and format branch targets.
type Inst struct {
	raw x86asm.Inst
	pc  uint64
}

// Decode decodes the instruction at the head of code, which was read from
// address pc. It returns an error wrapping x86asm's decode error for any
// byte sequence it cannot parse; callers treat that as terminal for the
// translation request in progress (spec.md §7).
func Decode(code []byte, pc uint64) (Inst, error) {
	raw, err := x86asm.Decode(code, Mode64)
	if err != nil {
		return Inst{}, fmt.Errorf("decoder: %w", err)
	}
	return Inst{raw: raw, pc: pc}, nil
}

// Len is the encoded length of the instruction in bytes.
func (in Inst) Len() int { return in.raw.Len }

// PC is the address the instruction was decoded from.
func (in Inst) PC() uint64 { return in.pc }

// Iclass is the opcode mnemonic (x86asm's Op), e.g. x86asm.JE, x86asm.CALL.
func (in Inst) Iclass() x86asm.Op { return in.raw.Op }

// Iform is a finer-grained form identifier than Iclass: the mnemonic plus a
// summary of its operand shape, analogous to XED's iform. x86asm does not
// distinguish iform from iclass as finely as XED; we approximate it with the
// operand-type signature, which is what the branch-prediction tables in
// internal/term key off of.
func (in Inst) Iform() string {
	sig := make([]byte, 0, 4)
	for _, a := range in.raw.Args {
		if a == nil {
			break
		}
		switch a.(type) {
		case x86asm.Reg:
			sig = append(sig, 'r')
		case x86asm.Mem:
			sig = append(sig, 'm')
		case x86asm.Imm:
			sig = append(sig, 'i')
		case x86asm.Rel:
			sig = append(sig, 'j')
		default:
			sig = append(sig, '?')
		}
	}
	return in.raw.Op.String() + "/" + string(sig)
}

// NMemOps reports how many memory operands the instruction has (0 or 1 on
// x86, since only one operand may address memory).
func (in Inst) NMemOps() int {
	for _, a := range in.raw.Args {
		if _, ok := a.(x86asm.Mem); ok {
			return 1
		}
	}
	return 0
}

// Mem returns the instruction's memory operand, if it has one.
func (in Inst) Mem() (x86asm.Mem, bool) {
	for _, a := range in.raw.Args {
		if m, ok := a.(x86asm.Mem); ok {
			return m, true
		}
	}
	return x86asm.Mem{}, false
}

// IsRIPRelative reports whether the instruction addresses memory relative to
// the instruction pointer, and the byte offset/width of the displacement
// field that must be rewritten on relocation (PCRelOff/PCRel in x86asm's
// terms — the same field serves RIP-relative memory operands and relative
// branch displacements).
func (in Inst) IsRIPRelative() (offset, width int, ok bool) {
	m, hasMem := in.Mem()
	if !hasMem || m.Base != x86asm.RIP || in.raw.PCRel == 0 {
		return 0, 0, false
	}
	return in.raw.PCRelOff, in.raw.PCRel, true
}

// RelBranchTarget returns the absolute address a relative branch (JMP/Jcc/
// CALL) targets, plus the byte offset/width of the relative displacement
// within the encoding.
func (in Inst) RelBranchTarget() (target uint64, offset, width int, ok bool) {
	for _, a := range in.raw.Args {
		if a == nil {
			break
		}
		if r, isRel := a.(x86asm.Rel); isRel {
			target := int64(in.pc) + int64(in.raw.Len) + int64(r)
			return uint64(target), in.raw.PCRelOff, in.raw.PCRel, true
		}
	}
	return 0, 0, 0, false
}

// RegArgs returns the register operands of the instruction, in x86asm's
// Intel argument order.
func (in Inst) RegArgs() []x86asm.Reg {
	var regs []x86asm.Reg
	for _, a := range in.raw.Args {
		if a == nil {
			break
		}
		if r, ok := a.(x86asm.Reg); ok {
			regs = append(regs, r)
		}
	}
	return regs
}

func (in Inst) IsCondJump() bool {
	switch in.raw.Op {
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JE,
		x86asm.JECXZ, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE,
		x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JRCXZ,
		x86asm.JS, x86asm.LOOP:
		return true
	default:
		return false
	}
}

func (in Inst) IsJump() bool   { return in.raw.Op == x86asm.JMP || in.IsCondJump() }
func (in Inst) IsCall() bool   { return in.raw.Op == x86asm.CALL }
func (in Inst) IsRet() bool    { return in.raw.Op == x86asm.RET }
func (in Inst) IsSyscall() bool {
	return in.raw.Op == x86asm.SYSCALL || in.raw.Op == x86asm.SYSENTER
}

// IsIndirect reports whether a jump/call's target is computed through a
// register or memory operand rather than encoded as a relative displacement.
func (in Inst) IsIndirect() bool {
	if !in.IsJump() && !in.IsCall() {
		return false
	}
	for _, a := range in.raw.Args {
		if a == nil {
			break
		}
		switch a.(type) {
		case x86asm.Reg, x86asm.Mem:
			return true
		}
	}
	return false
}

// IsBlockTerminator reports whether decoding must stop after this
// instruction, per spec.md §4.4: Jcc, JMP, CALL, RET. Syscalls are
// deliberately excluded — they are bracketed with breakpoints but do not end
// the block.
func (in Inst) IsBlockTerminator() bool {
	return in.IsJump() || in.IsCall() || in.IsRet()
}

func (in Inst) HasLock() bool {
	for _, p := range in.raw.Prefix {
		if p == x86asm.PrefixLOCK {
			return true
		}
	}
	return false
}

func (in Inst) IsRTM() bool {
	return in.raw.Op == x86asm.XBEGIN || in.raw.Op == x86asm.XEND
}

func (in Inst) IsRDTSC() bool { return in.raw.Op == x86asm.RDTSC }

// IntelString pretty-prints the instruction in Intel syntax, as spec.md
// §4.2 requires.
func (in Inst) IntelString() string {
	return x86asm.IntelSyntax(in.raw, in.pc, nil)
}

func (in Inst) GNUString() string {
	return x86asm.GNUSyntax(in.raw, in.pc, nil)
}
