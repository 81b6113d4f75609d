// Copyright 2020 The godbi Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package block translates original tracee code into instrumented blocks
// living in the code pool, per spec.md §2 ("Block pool") and §4.3-§4.4.
// A Translator decodes one original instruction at a time, relocating and
// rewriting each into the pool, bracketing syscalls with breakpoints, and
// stopping at the first block terminator (Jcc/JMP/CALL/RET), which it
// hands off to internal/term to finish.
package block

import (
	"fmt"

	"github.com/nmosier/godbi/internal/inst"
	"github.com/nmosier/godbi/internal/tracee"
	"github.com/nmosier/godbi/internal/usermem"
)

// Pool is the append-only arena of translated code, host-side mirror of
// the tracee-resident CodePool mapping (spec.md §2).
type Pool struct {
	tracee *tracee.Tracee
	code   *usermem.CodePool
	cursor uint64
}

func NewPool(t *tracee.Tracee, code *usermem.CodePool) *Pool {
	return &Pool{tracee: t, code: code, cursor: code.Base()}
}

// Peek returns the address the next write will land at.
func (p *Pool) Peek() uint64 { return p.cursor }

// WriteBlob appends b's current bytes at the pool cursor and advances it.
func (p *Pool) WriteBlob(b *inst.Blob) (uint64, error) {
	addr := p.cursor
	if err := p.tracee.WriteMem(addr, b.Data()); err != nil {
		return 0, fmt.Errorf("block: pool write at %#x: %w", addr, err)
	}
	p.cursor += uint64(len(b.Data()))
	return addr, nil
}

// WriteRaw appends raw bytes (a terminator trampoline's assembled code).
func (p *Pool) WriteRaw(data []byte) (uint64, error) {
	addr := p.cursor
	if err := p.tracee.WriteMem(addr, data); err != nil {
		return 0, fmt.Errorf("block: pool raw write at %#x: %w", addr, err)
	}
	p.cursor += uint64(len(data))
	return addr, nil
}

// Block is one translated unit: the original address it was decoded from,
// its pool address, and the list of instrumented instructions making up
// its body (the terminator, appended last, is tracked separately by
// internal/term/internal/patch once built).
type Block struct {
	OrigAddr uint64
	PoolAddr uint64
	Insts    []*inst.Blob
}

// BkptSite marks an offset within the translated body where a breakpoint
// (0xCC) must be spliced in — used to bracket syscalls so the patcher can
// intercept them before and after they execute (spec.md §4.4, §4.8).
// InstIdx indexes into the insts slice Translate returns; the original
// address is dead by the time the tracee runs translated code, so callers
// must resolve InstIdx against the relocated body (insts[InstIdx].PC(),
// plus Size() for the post site) after Relocate has run.
type BkptSite struct {
	InstIdx int
	Pre     bool // true for the pre-syscall site, false for post
}

// Translator decodes a run of original instructions starting at origAddr,
// stopping at (and including) the first block terminator.
type Translator struct {
	Read func(addr uint64, n int) ([]byte, error)
}

// Translate decodes instructions from origAddr until it reaches a block
// terminator (spec.md §4.4: Jcc, JMP, CALL, RET end a block; SYSCALL does
// not). It returns the decoded instruction list and the list of syscall
// bracket sites discovered along the way; the terminating instruction
// itself is the last element of insts and is left un-relocated for
// internal/term to consume.
func (tr *Translator) Translate(origAddr uint64) (insts []*inst.Blob, bkpts []BkptSite, err error) {
	addr := origAddr
	for {
		code, rerr := tr.Read(addr, inst.MaxLen)
		if rerr != nil {
			return nil, nil, fmt.Errorf("block: translate: read at %#x: %w", addr, rerr)
		}
		b, derr := inst.NewFromBytes(code, addr)
		if derr != nil || !b.Good() {
			return nil, nil, fmt.Errorf("block: translate: decode at %#x: %w", addr, derr)
		}
		dec := b.Decoded()

		if dec.IsSyscall() {
			idx := len(insts)
			insts = append(insts, b)
			bkpts = append(bkpts, BkptSite{InstIdx: idx, Pre: true})
			bkpts = append(bkpts, BkptSite{InstIdx: idx, Pre: false})
			addr += uint64(b.Size())
			continue
		}

		insts = append(insts, b)

		if dec.IsBlockTerminator() {
			return insts, bkpts, nil
		}
		addr += uint64(b.Size())
	}
}

// Relocate walks insts, assigning each a fresh address starting at base
// and rewriting any PC-relative encoding to match, returning the first
// free address after the block body (where the terminator trampoline
// itself will be appended by internal/term).
func Relocate(insts []*inst.Blob, base uint64) (next uint64, err error) {
	addr := base
	for _, b := range insts {
		if err := b.RelocateTo(addr); err != nil {
			return 0, fmt.Errorf("block: relocate %#x -> %#x: %w", b.PC(), addr, err)
		}
		addr += uint64(b.Size())
	}
	return addr, nil
}
