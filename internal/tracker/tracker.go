// Copyright 2020 The godbi Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tracker implements the instrumentation trackers MemCheck splices
// into translated blocks: the stack tracker (fills newly-allocated stack
// slots with the round's poison byte), the call/ret tracker, and the Jcc
// tracker's running checksum of branch outcomes, per original_source's
// memcheck.hh Tracker/Filler/StackTracker/CallTracker/JccTracker classes
// and spec.md §4.8-§4.9.
package tracker

import (
	"fmt"
	"hash/crc32"

	"github.com/nmosier/godbi/internal/tracee"
	"golang.org/x/sys/unix"
)

// Filler is the poison byte a tracker fills freshly-touched memory with;
// the two dual-execution tracees run with complementary fillers (0x00 and
// 0xFF) so a read of uninitialized memory visibly diverges between them.
type Filler struct {
	fill byte
}

func NewFiller(fill byte) Filler { return Filler{fill: fill} }
func (f *Filler) Fill() byte     { return f.fill }
func (f *Filler) SetFill(v byte) { f.fill = v }

// StackTracker fills the region between the old and new stack pointer
// after an instruction moves %rsp down, so that newly-allocated stack
// slots start out poisoned instead of holding stale data from a previous
// call frame. cmd/memcheck arms it on every non-PUSH instruction whose
// first register operand is %rsp (e.g. sub rsp); pushes are not tracked,
// and a call's pushed return slot is filled by CallTracker.
type StackTracker struct {
	Filler
	pending map[uint64]uint64 // breakpoint addr -> sp before the decrement
}

func NewStackTracker(fill byte) *StackTracker {
	return &StackTracker{Filler: NewFiller(fill), pending: make(map[uint64]uint64)}
}

// Pre records the stack pointer before a sp-decrementing instruction runs;
// the caller supplies the breakpoint address its Post hook will be called
// from so the two can be paired.
func (s *StackTracker) Pre(bkptAddr uint64, spBefore uint64) {
	s.pending[bkptAddr] = spBefore
}

// Post fills [newSP, spBefore) with the current poison byte, the region a
// push/sub just made part of the live stack.
func (s *StackTracker) Post(t *tracee.Tracee, bkptAddr uint64, newSP uint64) error {
	spBefore, ok := s.pending[bkptAddr]
	if !ok {
		return fmt.Errorf("tracker: stack tracker: no pending entry for bkpt %#x", bkptAddr)
	}
	delete(s.pending, bkptAddr)
	if newSP >= spBefore {
		return nil
	}
	return t.Fill(s.fill, newSP, int(spBefore-newSP))
}

// CallTracker fills the 8 bytes a CALL instruction pushes (the return
// address slot, from the callee's point of view indistinguishable from any
// other freshly-allocated stack data) and counts call depth. OnRet, which
// lowers the count, has no caller outside the tests, so during a run Depth
// only grows.
type CallTracker struct {
	Filler
	depth int
}

func NewCallTracker(fill byte) *CallTracker {
	return &CallTracker{Filler: NewFiller(fill)}
}

func (c *CallTracker) OnCall(t *tracee.Tracee, newSP uint64) error {
	c.depth++
	return t.Fill(c.fill, newSP, 8)
}

func (c *CallTracker) OnRet() {
	if c.depth > 0 {
		c.depth--
	}
}

func (c *CallTracker) Depth() int { return c.depth }

// JccTracker accumulates a running checksum of every conditional branch's
// taken/not-taken outcome observed during a round, used to detect control
// flow that itself depends on uninitialized data: if the two
// dual-execution tracees' checksums disagree, some Jcc took a different
// arm under the 0x00 fill than under the 0xFF fill (spec.md §4.9 "checksum
// compare").
type JccTracker struct {
	cksum uint32
	list  []Outcome
}

// Outcome records one observed branch decision, kept for diagnostics when
// a round's checksums disagree.
type Outcome struct {
	Addr  uint64
	Taken bool
}

func NewJccTracker() *JccTracker {
	return &JccTracker{}
}

// Record folds one branch outcome into the running checksum and appends
// it to the outcome list.
func (j *JccTracker) Record(addr uint64, taken bool) {
	j.list = append(j.list, Outcome{Addr: addr, Taken: taken})
	var buf [9]byte
	n := 0
	for i := 0; i < 8; i++ {
		buf[n] = byte(addr >> (8 * i))
		n++
	}
	if taken {
		buf[n] = 1
	} else {
		buf[n] = 0
	}
	n++
	j.cksum = crc32.Update(j.cksum, crc32.IEEETable, buf[:n])
}

func (j *JccTracker) Checksum() uint32    { return j.cksum }
func (j *JccTracker) Outcomes() []Outcome { return j.list }

func (j *JccTracker) Reset() {
	j.cksum = 0
	j.list = nil
}

// SyscallArgs holds a syscall's argument registers and, once SetReturn is
// called, its return value (spec.md §4.1, original_source's SyscallArgs).
// Nothing in this module constructs one outside the tests: cmd/memcheck's
// syscall breakpoints read the registers directly, and internal/syschk
// does not take a SyscallArgs.
type SyscallArgs struct {
	regs unix.PtraceRegs
	rv   uint64
}

func NewSyscallArgs(regs unix.PtraceRegs) *SyscallArgs {
	return &SyscallArgs{regs: regs}
}

func (s *SyscallArgs) No() uint64 { return s.regs.Rax }

// Arg returns the n'th syscall argument (0-indexed), following the Linux
// x86-64 syscall ABI: rdi, rsi, rdx, r10, r8, r9.
func (s *SyscallArgs) Arg(n int) (uint64, error) {
	switch n {
	case 0:
		return s.regs.Rdi, nil
	case 1:
		return s.regs.Rsi, nil
	case 2:
		return s.regs.Rdx, nil
	case 3:
		return s.regs.R10, nil
	case 4:
		return s.regs.R8, nil
	case 5:
		return s.regs.R9, nil
	default:
		return 0, fmt.Errorf("tracker: syscall arg index %d out of range", n)
	}
}

func (s *SyscallArgs) SetReturn(rv uint64) { s.rv = rv }
func (s *SyscallArgs) Return() uint64      { return s.rv }
