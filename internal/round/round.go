// Copyright 2020 The godbi Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package round drives the MemCheck dual-execution algorithm itself: it
// owns the fill byte each tracee runs with, forks the primary tracee into
// SubroundCount copies at the start of a round, lets each run to the next
// sequence point, captures its State, and compares the captured states to
// derive a taint mask — bytes that differ between copies are bytes whose
// value depended on uninitialized memory. Grounded on original_source's
// memcheck.hh/.cc (Memcheck::advance_round / check_round / update_taint_state)
// and spec.md §4.9-§4.10.
package round

import (
	"fmt"

	"github.com/nmosier/godbi/internal/config"
	"github.com/nmosier/godbi/internal/pageset"
	"github.com/nmosier/godbi/internal/snapshot"
	"github.com/nmosier/godbi/internal/tracee"
	"github.com/nmosier/godbi/internal/tracker"
)

// SubroundCount is the number of differently-filled copies compared per
// round. Two is sufficient to catch any single-bit-pattern dependency on
// uninitialized memory, matching the original's SUBROUNDS constant.
const SubroundCount = 2

// Fills are the poison bytes each subround's tracee copy is filled with.
var Fills = [SubroundCount]byte{0x00, 0xFF}

// SequencePoint identifies what triggered the current comparison: a
// syscall, a LOCK-prefixed instruction, an RTM region, an RDTSC, or a
// shared-page write fault (spec.md §2 "Sequence point").
type SequencePoint struct {
	Kind string
	Addr uint64
}

// Round holds everything that persists across sequence points within one
// round of comparison: the primary and subround tracees, the running
// taint state, and the trackers whose checksums must also agree.
type Round struct {
	cfg     *config.Config
	primary *tracee.Tracee
	subs    [SubroundCount]*tracee.Tracee
	pages   *pageset.Set

	preState   *snapshot.State
	postStates [SubroundCount]*snapshot.State
	jccCksums  [SubroundCount]uint32

	taint *snapshot.State

	// stackTrackers and callTrackers are per-subround: each subround's
	// tracee runs with its own fixed Fills[i] poison byte for its whole
	// lifetime (spec.md §4.10's "only per-thread divergence injected"), so
	// each needs its own tracker rather than one shared pair mutated
	// in place.
	stackTrackers [SubroundCount]*tracker.StackTracker
	callTrackers  [SubroundCount]*tracker.CallTracker
	jccTracker    *tracker.JccTracker

	subroundIdx int
}

func New(cfg *config.Config, primary *tracee.Tracee, pages *pageset.Set) *Round {
	r := &Round{
		cfg:        cfg,
		primary:    primary,
		pages:      pages,
		taint:      snapshot.NewState(),
		jccTracker: tracker.NewJccTracker(),
	}
	for i := 0; i < SubroundCount; i++ {
		r.stackTrackers[i] = tracker.NewStackTracker(Fills[i])
		r.callTrackers[i] = tracker.NewCallTracker(Fills[i])
	}
	return r
}

// trackedAddrs collects every tracked page's base address, the set of
// pages save_state captures.
func (r *Round) trackedAddrs() []uint64 {
	infos := r.pages.All()
	addrs := make([]uint64, len(infos))
	for i, info := range infos {
		addrs[i] = info.Addr
	}
	return addrs
}

// Start begins a round: it snapshots the primary's pre-state, forks it
// into SubroundCount-1 additional copies (the primary itself serves as
// subround 0), and clears the taint state, per spec.md §4.10 start_round.
// It writes no fill bytes; each subround's fill is applied by its
// StackTracker/CallTracker breakpoint handlers.
func (r *Round) Start() error {
	addrs := r.trackedAddrs()
	pre, err := snapshot.Save(r.primary, addrs)
	if err != nil {
		return fmt.Errorf("round: Start: save pre-state: %w", err)
	}
	r.preState = pre

	r.subs[0] = r.primary
	for i := 1; i < SubroundCount; i++ {
		child, err := r.primary.Fork()
		if err != nil {
			return fmt.Errorf("round: Start: fork subround %d: %w", i, err)
		}
		r.subs[i] = child
	}

	r.taint = snapshot.NewState()
	r.subroundIdx = 0
	return nil
}

// trackerIndex reports which subround t is currently running, matched by
// pid: the stack/call trackers are keyed per-subround, not per-tracee
// identity, since a subround's tracee is stable for the round's duration.
func (r *Round) trackerIndex(t *tracee.Tracee) int {
	for i, s := range r.subs {
		if s != nil && s.Pid() == t.Pid() {
			return i
		}
	}
	return 0
}

// Advance is called at each sequence point, once the tracee currently
// being stepped (subs[subroundIdx]) has reached it: it saves that
// subround's post-state. While subrounds remain, it restores the pre-state
// (XORed with the accumulated taint) into that same tracee for the next leg
// and returns done=false; once every subround has reported in, it compares
// them via checkRound and returns the mask with done=true, restoring
// nothing (spec.md §4.9 advance_round).
func (r *Round) Advance(seq SequencePoint) (taintedNow *snapshot.State, done bool, err error) {
	t := r.subs[r.subroundIdx]
	addrs := r.trackedAddrs()
	post, err := snapshot.Save(t, addrs)
	if err != nil {
		return nil, false, fmt.Errorf("round: Advance: save post-state: %w", err)
	}
	r.postStates[r.subroundIdx] = post
	r.jccCksums[r.subroundIdx] = r.jccTracker.Checksum()

	r.subroundIdx++
	if r.subroundIdx < SubroundCount {
		restored := r.preState.Clone()
		restored.Mem.XorInPlace(r.taint.Mem)
		if err := restored.Restore(t); err != nil {
			return nil, false, err
		}
		r.jccTracker.Reset()
		return nil, false, nil
	}

	mask, err := r.checkRound(seq)
	if err != nil {
		return nil, false, err
	}
	r.subroundIdx = 0
	r.jccTracker.Reset()
	return mask, true, nil
}

// checkRound computes the taint mask across every subround's post-state,
// folds it into the running taint, and reports (via the returned error, if
// AbortOnTaint is set) whether any Jcc checksum diverged, which signals
// that control flow itself depended on uninitialized memory (spec.md
// §4.9 check_round).
func (r *Round) checkRound(seq SequencePoint) (*snapshot.State, error) {
	first := r.postStates[0]
	mask := snapshot.NewState()
	for i := 1; i < SubroundCount; i++ {
		mask.Mem.Or(snapshot.Xor(first.Mem, r.postStates[i].Mem))
		regXor := snapshot.XorRegs(first.GPRegs, r.postStates[i].GPRegs)
		mask.GPRegs = snapshot.XorRegs(mask.GPRegs, regXor)
	}
	r.taint.Mem.Or(mask.Mem)

	for i := 1; i < SubroundCount; i++ {
		if r.jccCksums[i] != r.jccCksums[0] {
			msg := fmt.Sprintf("round: control-flow divergence at sequence point %s@%#x: jcc checksum %#x != %#x",
				seq.Kind, seq.Addr, r.jccCksums[0], r.jccCksums[i])
			if r.cfg != nil && r.cfg.AbortOnTaint {
				return mask, fmt.Errorf("%s", msg)
			}
			if r.cfg != nil && r.cfg.Logger != nil {
				r.cfg.Logger.Println(msg)
			}
		}
	}

	if r.cfg != nil && !isZero(mask) {
		msg := fmt.Sprintf("round: uninitialized-memory use detected at sequence point %s@%#x", seq.Kind, seq.Addr)
		if r.cfg.AbortOnTaint {
			return mask, fmt.Errorf("%s", msg)
		}
		if r.cfg.Logger != nil {
			r.cfg.Logger.Println(msg)
		}
	}

	return mask, nil
}

func isZero(st *snapshot.State) bool {
	for _, page := range st.Mem.Pages() {
		for _, b := range page {
			if b != 0 {
				return false
			}
		}
	}
	return st.GPRegs.Rax == 0 && st.GPRegs.Rbx == 0 && st.GPRegs.Rcx == 0 && st.GPRegs.Rdx == 0 &&
		st.GPRegs.Rsi == 0 && st.GPRegs.Rdi == 0 && st.GPRegs.Eflags == 0
}

// StackTrackerFor and CallTrackerFor expose the per-subround tracker t is
// currently running under, so breakpoint handlers fill with the right
// poison byte for whichever tracee hit them. JccTracker is shared since
// subrounds run sequentially and Reset between legs.
func (r *Round) StackTrackerFor(t *tracee.Tracee) *tracker.StackTracker {
	return r.stackTrackers[r.trackerIndex(t)]
}
func (r *Round) CallTrackerFor(t *tracee.Tracee) *tracker.CallTracker {
	return r.callTrackers[r.trackerIndex(t)]
}
func (r *Round) JccTracker() *tracker.JccTracker { return r.jccTracker }

// Subtracee returns the tracee currently running subround idx.
func (r *Round) Subtracee(idx int) *tracee.Tracee { return r.subs[idx] }

// End tears down every subround tracee but the primary, restoring it to
// sole ownership of the tracked pages for the next round.
func (r *Round) End() error {
	for i := 1; i < SubroundCount; i++ {
		if r.subs[i] == nil {
			continue
		}
		if err := r.subs[i].Close(); err != nil {
			return err
		}
		r.subs[i] = nil
	}
	for _, info := range r.pages.All() {
		info.Reset()
	}
	return nil
}
