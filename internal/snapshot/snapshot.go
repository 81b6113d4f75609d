// Copyright 2020 The godbi Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package snapshot implements the page-granular memory snapshot and the
// combined register+memory State used to compare the two dual-execution
// tracees at a sequence point, per spec.md §3 ("Snapshot", "State") and
// §4.9. A Snapshot is a sparse map from page base address to a private
// 4KiB copy of that page's bytes; State additionally carries the general
// and floating-point register file.
package snapshot

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/nmosier/godbi/internal/pageset"
	"github.com/nmosier/godbi/internal/tracee"
)

const pageSize = pageset.PageSize

// Snapshot is a sparse collection of page-sized byte buffers.
type Snapshot struct {
	pages map[uint64]*[pageSize]byte
}

func New() *Snapshot {
	return &Snapshot{pages: make(map[uint64]*[pageSize]byte)}
}

// Capture reads addr's containing page from t into the snapshot.
func (s *Snapshot) Capture(t *tracee.Tracee, addr uint64) error {
	base := pageset.PageAddr(addr)
	var buf [pageSize]byte
	if err := t.ReadMem(base, buf[:]); err != nil {
		return fmt.Errorf("snapshot: capture %#x: %w", base, err)
	}
	s.pages[base] = &buf
	return nil
}

// Restore writes every captured page back into t.
func (s *Snapshot) Restore(t *tracee.Tracee) error {
	for base, buf := range s.pages {
		if err := t.WriteMem(base, buf[:]); err != nil {
			return fmt.Errorf("snapshot: restore %#x: %w", base, err)
		}
	}
	return nil
}

// Page returns the captured bytes for the page containing addr, if any.
func (s *Snapshot) Page(addr uint64) (*[pageSize]byte, bool) {
	buf, ok := s.pages[pageset.PageAddr(addr)]
	return buf, ok
}

func (s *Snapshot) Pages() map[uint64]*[pageSize]byte { return s.pages }

// Xor computes the bytewise XOR of two snapshots' overlapping pages,
// producing a taint mask: a 1 bit at any byte position means the two
// tracees' copies of that byte diverged (spec.md §4.9 "compare").
func Xor(a, b *Snapshot) *Snapshot {
	out := New()
	for base, pa := range a.pages {
		pb, ok := b.pages[base]
		if !ok {
			continue
		}
		var buf [pageSize]byte
		for i := range buf {
			buf[i] = pa[i] ^ pb[i]
		}
		out.pages[base] = &buf
	}
	return out
}

// Or accumulates src's bits into dst in place, extending a running taint
// mask across multiple rounds (spec.md §4.9 "extend taint").
func (dst *Snapshot) Or(src *Snapshot) {
	for base, sp := range src.pages {
		dp, ok := dst.pages[base]
		if !ok {
			var buf [pageSize]byte
			dp = &buf
			dst.pages[base] = dp
		}
		for i := range dp {
			dp[i] |= sp[i]
		}
	}
}

// XorInPlace XORs src's bits into dst in place, used to fold accumulated
// taint into a pre-state snapshot before it is restored into a tracee for
// the next subround (spec.md §4.9/§4.10 "update_taint_state"). Like Or,
// this never aliases dst's pages with src's.
func (dst *Snapshot) XorInPlace(src *Snapshot) {
	for base, sp := range src.pages {
		dp, ok := dst.pages[base]
		if !ok {
			var buf [pageSize]byte
			dp = &buf
			dst.pages[base] = dp
		}
		for i := range dp {
			dp[i] ^= sp[i]
		}
	}
}

// Clone returns a deep copy of s: mutating the copy's pages never affects
// s's, unlike a plain struct copy, which would share the same page buffers.
func (s *Snapshot) Clone() *Snapshot {
	out := New()
	for base, buf := range s.pages {
		cp := *buf
		out.pages[base] = &cp
	}
	return out
}

// Similar reports whether two snapshots agree on every byte of every page
// they both cover, masking out any byte whose corresponding taint bit in
// mask (if given) is set. A nil mask requires exact equality.
func Similar(a, b, mask *Snapshot) bool {
	for base, pa := range a.pages {
		pb, ok := b.pages[base]
		if !ok {
			continue
		}
		var pm *[pageSize]byte
		if mask != nil {
			pm, _ = mask.pages[base]
		}
		for i := range pa {
			if pm != nil && pm[i] != 0 {
				continue
			}
			if pa[i] != pb[i] {
				return false
			}
		}
	}
	return true
}

// State is a full dual-execution comparison point: general-purpose and
// floating-point registers plus every tracked page.
type State struct {
	GPRegs unix.PtraceRegs
	FPRegs tracee.FPRegs
	Mem    *Snapshot
}

func NewState() *State {
	return &State{Mem: New()}
}

// Save captures t's current registers and every page named by addrs.
func Save(t *tracee.Tracee, addrs []uint64) (*State, error) {
	gp, err := t.GetGPRegs()
	if err != nil {
		return nil, err
	}
	fp, err := t.GetFPRegs()
	if err != nil {
		return nil, err
	}
	st := &State{GPRegs: *gp, FPRegs: *fp, Mem: New()}
	for _, addr := range addrs {
		if err := st.Mem.Capture(t, addr); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// Clone returns a deep copy of st: GPRegs/FPRegs copy by value, and Mem is
// deep-copied so the clone can be mutated (e.g. folding in taint) without
// corrupting st.
func (st *State) Clone() *State {
	return &State{GPRegs: st.GPRegs, FPRegs: st.FPRegs, Mem: st.Mem.Clone()}
}

// Restore writes the state's registers and pages back into t.
func (st *State) Restore(t *tracee.Tracee) error {
	t.SetGPRegs(st.GPRegs)
	t.SetFPRegs(st.FPRegs)
	return st.Mem.Restore(t)
}

// XorRegs XORs the 64-bit general-purpose registers of two states,
// producing a register taint mask analogous to Xor for memory. Only the
// integer registers that the original memcheck compares are included:
// the caller-/callee-saved GPRs and rflags, per spec.md §4.9.
func XorRegs(a, b unix.PtraceRegs) unix.PtraceRegs {
	return unix.PtraceRegs{
		Rax: a.Rax ^ b.Rax, Rbx: a.Rbx ^ b.Rbx, Rcx: a.Rcx ^ b.Rcx,
		Rdx: a.Rdx ^ b.Rdx, Rsi: a.Rsi ^ b.Rsi, Rdi: a.Rdi ^ b.Rdi,
		Rbp: a.Rbp ^ b.Rbp, Rsp: a.Rsp ^ b.Rsp,
		R8: a.R8 ^ b.R8, R9: a.R9 ^ b.R9, R10: a.R10 ^ b.R10, R11: a.R11 ^ b.R11,
		R12: a.R12 ^ b.R12, R13: a.R13 ^ b.R13, R14: a.R14 ^ b.R14, R15: a.R15 ^ b.R15,
		Eflags: a.Eflags ^ b.Eflags,
	}
}
