// Copyright 2020 The godbi Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package asmutil assembles fixed-layout x86-64 trampolines for
// internal/term using github.com/twitchyliquid64/golang-asm, the same
// native-codegen library the teacher's AMD64 backend
// (exec/internal/compile/backend_amd64.go) used to emit WASM-to-native
// sequences. Terminators need the identical capability — hand-build a
// short instruction sequence and get back its machine code — to splice
// indirect-jump caches, Return Stack Buffer probes, and direct-branch
// stubs into the code pool.
package asmutil

import (
	"fmt"

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"
)

// Builder wraps asm.Builder with the handful of instruction shapes
// internal/term needs: register-register/immediate moves, memory loads
// and stores, compares, and jumps, expressed without repeating the
// obj.Prog boilerplate at every call site.
type Builder struct {
	b *asm.Builder
}

// New allocates a fresh builder with room for n instructions, mirroring
// the teacher's "pre-allocate N instruction objects" sizing comment.
func New(n int) (*Builder, error) {
	b, err := asm.NewBuilder("amd64", n)
	if err != nil {
		return nil, fmt.Errorf("asmutil: %w", err)
	}
	return &Builder{b: b}, nil
}

func (b *Builder) prog() *obj.Prog { return b.b.NewProg() }

// MovRegReg emits `mov dst, src`.
func (b *Builder) MovRegReg(dst, src int16) {
	p := b.prog()
	p.As = x86.AMOVQ
	p.From.Type, p.From.Reg = obj.TYPE_REG, src
	p.To.Type, p.To.Reg = obj.TYPE_REG, dst
	b.b.AddInstruction(p)
}

// MovRegImm emits `mov dst, $imm`.
func (b *Builder) MovRegImm(dst int16, imm int64) {
	p := b.prog()
	p.As = x86.AMOVQ
	p.From.Type, p.From.Offset = obj.TYPE_CONST, imm
	p.To.Type, p.To.Reg = obj.TYPE_REG, dst
	b.b.AddInstruction(p)
}

// MovLoad emits `mov dst, [base+disp]`.
func (b *Builder) MovLoad(dst, base int16, disp int64) {
	p := b.prog()
	p.As = x86.AMOVQ
	p.From.Type, p.From.Reg, p.From.Offset = obj.TYPE_MEM, base, disp
	p.To.Type, p.To.Reg = obj.TYPE_REG, dst
	b.b.AddInstruction(p)
}

// MovStore emits `mov [base+disp], src`.
func (b *Builder) MovStore(base int16, disp int64, src int16) {
	p := b.prog()
	p.As = x86.AMOVQ
	p.From.Type, p.From.Reg = obj.TYPE_REG, src
	p.To.Type, p.To.Reg, p.To.Offset = obj.TYPE_MEM, base, disp
	b.b.AddInstruction(p)
}

// LeaIndexed emits `lea dst, [base + index*scale]`.
func (b *Builder) LeaIndexed(dst, base, index int16, scale int16) {
	p := b.prog()
	p.As = x86.ALEAQ
	p.From.Type, p.From.Reg, p.From.Scale, p.From.Index = obj.TYPE_MEM, base, scale, index
	p.To.Type, p.To.Reg = obj.TYPE_REG, dst
	b.b.AddInstruction(p)
}

// CmpRegMem emits `cmp reg, [base+disp]`.
func (b *Builder) CmpRegMem(reg, base int16, disp int64) {
	p := b.prog()
	p.As = x86.ACMPQ
	p.From.Type, p.From.Reg = obj.TYPE_REG, reg
	p.To.Type, p.To.Reg, p.To.Offset = obj.TYPE_MEM, base, disp
	b.b.AddInstruction(p)
}

// JmpReg emits `jmp reg`, an indirect jump through a register — the way
// every terminator variant ultimately dispatches into the next block.
func (b *Builder) JmpReg(reg int16) {
	p := b.prog()
	p.As = obj.AJMP
	p.To.Type, p.To.Reg = obj.TYPE_REG, reg
	b.b.AddInstruction(p)
}

// PushReg / PopReg emit `push reg` / `pop reg`, used by the Return Stack
// Buffer trampoline to stash and recover a scratch register.
func (b *Builder) PushReg(reg int16) {
	p := b.prog()
	p.As = x86.APUSHQ
	p.From.Type, p.From.Reg = obj.TYPE_REG, reg
	b.b.AddInstruction(p)
}

func (b *Builder) PopReg(reg int16) {
	p := b.prog()
	p.As = x86.APOPQ
	p.To.Type, p.To.Reg = obj.TYPE_REG, reg
	b.b.AddInstruction(p)
}

// Assemble returns the finished machine code.
func (b *Builder) Assemble() []byte {
	return b.b.Assemble()
}

// Registers re-exported for callers building trampolines, named after the
// x86-64 GP registers the terminator package addresses by role.
const (
	RAX = x86.REG_AX
	RBX = x86.REG_BX
	RCX = x86.REG_CX
	RDX = x86.REG_DX
	RSI = x86.REG_SI
	RDI = x86.REG_DI
	RSP = x86.REG_SP
	RBP = x86.REG_BP
	R10 = x86.REG_R10
	R11 = x86.REG_R11
	R12 = x86.REG_R12
	R13 = x86.REG_R13
)
