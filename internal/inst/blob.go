// Copyright 2020 The godbi Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package inst implements the mutable, rewrite-able instruction model
// described in spec.md §3 ("Instruction blob") and §4.3: a fixed-capacity
// byte buffer plus a decoded descriptor that supports relocation (moving the
// instruction to a new PC while preserving its meaning) and retargeting
// (redirecting a direct branch's destination).
package inst

import (
	"encoding/binary"
	"fmt"

	"github.com/nmosier/godbi/internal/decoder"
	"golang.org/x/arch/x86/x86asm"
)

// MaxLen is the largest encoded length of any x86-64 instruction.
const MaxLen = 16

// Blob is one rewrite-able instruction. Its PC may be in original tracee
// address space or in block-pool address space, depending on where it
// currently lives.
type Blob struct {
	pc   uint64
	buf  [MaxLen]byte
	n    int
	dec  decoder.Inst
	good bool
}

// NewFromBytes decodes a blob from raw bytes captured at pc. code must
// contain at least one full instruction at its head; trailing bytes are
// ignored.
func NewFromBytes(code []byte, pc uint64) (*Blob, error) {
	dec, err := decoder.Decode(code, pc)
	if err != nil {
		return &Blob{pc: pc, good: false}, err
	}
	b := &Blob{pc: pc, dec: dec, n: dec.Len(), good: true}
	copy(b.buf[:b.n], code[:b.n])
	return b, nil
}

// Good reports whether the blob decoded successfully. A !Good blob carries
// no valid bytes and must not be emitted; block.Translator aborts block
// creation when it sees one (spec.md §4.4, §7).
func (b *Blob) Good() bool { return b.good }

// PC is the blob's current address.
func (b *Blob) PC() uint64 { return b.pc }

// Size is the blob's current encoded length, which may grow when
// RelocateTo widens a short conditional branch.
func (b *Blob) Size() int { return b.n }

// Data is the blob's current raw bytes.
func (b *Blob) Data() []byte { return b.buf[:b.n] }

func (b *Blob) Decoded() decoder.Inst { return b.dec }

// jmpRel8, jccRel8 and their rel32 widenings, by first opcode byte.
const (
	jmpRel8Op  = 0xEB
	jccRel8Lo  = 0x70
	jccRel8Hi  = 0x7F
	twoByteEsc = 0x0F
	jccRel32Lo = 0x80 // second byte of 0F 8x
)

// RelocateTo adjusts every PC-relative encoding in the blob so that, from
// its new address, the instruction retains its original meaning: RIP-
// relative memory displacements and relative branch targets are recomputed.
// Per spec.md §4.3, an 8-bit conditional branch (7x rb) is always widened
// to the 32-bit form (0F 8x rd), whether or not the new displacement would
// still fit in 8 bits; the caller is responsible for having reserved enough
// room (inst.MaxLen covers the widened form).
func (b *Blob) RelocateTo(newPC uint64) error {
	if !b.good {
		return fmt.Errorf("inst: cannot relocate a bad blob")
	}

	target, hasBranch, err := b.branchTarget()
	if err != nil {
		return err
	}

	if hasBranch && b.n == 2 && b.buf[0] >= jccRel8Lo && b.buf[0] <= jccRel8Hi {
		b.widenJccRel8ToRel32()
	}

	b.pc = newPC
	redecoded, err := decoder.Decode(b.buf[:b.n], newPC)
	if err != nil {
		return fmt.Errorf("inst: redecode after relocate: %w", err)
	}
	b.dec = redecoded

	if hasBranch {
		return b.retargetBranch(target)
	}
	if off, width, ok := b.dec.IsRIPRelative(); ok {
		rel := int64(target) - (int64(b.pc) + int64(b.n))
		return b.patchRel(off, width, uint64(rel))
	}
	return nil
}

// branchTarget resolves the absolute address a relative branch/RIP-relative
// operand in the blob currently points at, before relocation changes pc.
func (b *Blob) branchTarget() (target uint64, isBranch bool, err error) {
	if t, _, _, ok := b.dec.RelBranchTarget(); ok {
		return t, true, nil
	}
	if off, width, ok := b.dec.IsRIPRelative(); ok {
		disp := readSigned(b.buf[off:off+width], width)
		return uint64(int64(b.pc) + int64(b.n) + disp), false, nil
	}
	return 0, false, nil
}

func (b *Blob) widenJccRel8ToRel32() {
	cc := b.buf[0] - jccRel8Lo
	var widened [6]byte
	widened[0] = twoByteEsc
	widened[1] = jccRel32Lo + cc
	copy(b.buf[:6], widened[:])
	b.n = 6
}

// retarget rewrites the blob so a direct branch targets dst, without
// changing which kind of branch it is. Used both by RelocateTo (to keep the
// same logical target after widening/moving) and by Retarget (to redirect
// at a new destination, e.g. a terminator resolving its cache).
func (b *Blob) retargetBranch(dst uint64) error {
	var off, width int
	switch {
	case b.n == 2 && (b.buf[0] == jmpRel8Op || (b.buf[0] >= jccRel8Lo && b.buf[0] <= jccRel8Hi)):
		off, width = 1, 1
	case b.n == 5 && b.buf[0] == 0xE8: // call rel32
		off, width = 1, 4
	case b.n == 5 && b.buf[0] == 0xE9: // jmp rel32
		off, width = 1, 4
	case b.n == 6 && b.buf[0] == twoByteEsc && b.buf[1] >= jccRel32Lo && b.buf[1] <= jccRel32Lo+0x0F:
		off, width = 2, 4
	default:
		return fmt.Errorf("inst: retargetBranch: unrecognized branch encoding %x", b.buf[:b.n])
	}
	rel := int64(dst) - (int64(b.pc) + int64(b.n))
	return b.patchRel(off, width, uint64(rel))
}

func (b *Blob) patchRel(off, width int, val uint64) error {
	if off+width > b.n {
		return fmt.Errorf("inst: patchRel out of range")
	}
	switch width {
	case 1:
		b.buf[off] = byte(int8(val))
	case 2:
		binary.LittleEndian.PutUint16(b.buf[off:], uint16(int16(val)))
	case 4:
		binary.LittleEndian.PutUint32(b.buf[off:], uint32(int32(val)))
	default:
		return fmt.Errorf("inst: patchRel unsupported width %d", width)
	}
	redecoded, err := decoder.Decode(b.buf[:b.n], b.pc)
	if err != nil {
		return fmt.Errorf("inst: redecode after patchRel: %w", err)
	}
	b.dec = redecoded
	return nil
}

// Retarget rewrites a direct branch or a RIP-relative memory operand to
// point at newDst, leaving the instruction's address unchanged.
func (b *Blob) Retarget(newDst uint64) error {
	if t, _, _, ok := b.dec.RelBranchTarget(); ok {
		_ = t
		return b.retargetBranch(newDst)
	}
	if off, width, ok := b.dec.IsRIPRelative(); ok {
		rel := int64(newDst) - (int64(b.pc) + int64(b.n))
		return b.patchRel(off, width, uint64(rel))
	}
	return fmt.Errorf("inst: Retarget: instruction has no direct target")
}

// CallToJmp converts a near CALL into the equivalent near JMP, used when a
// terminator determines the call's return address will never be consumed
// (e.g. tail-call-like rewriting is out of scope here, but direct-call
// terminators reuse this to build their jump-to-callee body).
func (b *Blob) CallToJmp() error {
	if b.n == 5 && b.buf[0] == 0xE8 { // call rel32 -> jmp rel32
		b.buf[0] = 0xE9
	} else if b.dec.IsIndirect() && b.dec.IsCall() {
		// FF /2 (indirect call) -> FF /4 (indirect jmp): same opcode byte,
		// only the ModR/M reg-field extension differs.
		if err := b.setIndirectModRMExt(4); err != nil {
			return err
		}
	} else {
		return fmt.Errorf("inst: CallToJmp: unrecognized call encoding")
	}
	redecoded, err := decoder.Decode(b.buf[:b.n], b.pc)
	if err != nil {
		return err
	}
	b.dec = redecoded
	return nil
}

// setIndirectModRMExt rewrites the ModR/M extension field of an FF-opcode
// indirect call/jmp instruction, whose ModR/M byte always immediately
// follows the 0xFF opcode byte (plus any prefix bytes already skipped by
// the caller, since x86-64 call/jmp never need a REX.R/X/B-sensitive form
// here beyond the rex prefix itself, which precedes 0xFF).
func (b *Blob) setIndirectModRMExt(ext uint8) error {
	off := 0
	for off < b.n && isPrefixOrREX(b.buf[off]) {
		off++
	}
	if off+1 >= b.n || b.buf[off] != 0xFF {
		return fmt.Errorf("inst: setIndirectModRMExt: not an FF-opcode form")
	}
	return b.ModRMSetReg(ext, off+1)
}

func isPrefixOrREX(by byte) bool {
	switch by {
	case 0xF0, 0xF2, 0xF3, 0x2E, 0x36, 0x3E, 0x26, 0x64, 0x65, 0x66, 0x67:
		return true
	}
	return by&0xF0 == 0x40
}

// ModRMSetReg overwrites the reg field of the ModR/M byte (bits 5:3), used
// to retask an indirect call's ModR/M-encoded /2 extension into a /4 (jmp)
// extension when converting indirect calls to indirect jumps.
func (b *Blob) ModRMSetReg(reg uint8, modrmOffset int) error {
	if modrmOffset >= b.n {
		return fmt.Errorf("inst: ModRMSetReg: offset out of range")
	}
	b.buf[modrmOffset] = (b.buf[modrmOffset] &^ 0x38) | ((reg & 0x7) << 3)
	redecoded, err := decoder.Decode(b.buf[:b.n], b.pc)
	if err != nil {
		return err
	}
	b.dec = redecoded
	return nil
}

func readSigned(buf []byte, width int) int64 {
	switch width {
	case 1:
		return int64(int8(buf[0]))
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(buf)))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(buf)))
	default:
		return 0
	}
}

// Reg is re-exported for callers that need to inspect register operands
// without importing x86asm directly.
type Reg = x86asm.Reg
