// Copyright 2020 The godbi Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pageset tracks the protection tier of each tracked page in the
// tracee, implementing the SHARED/RDONLY/RDWR_LOCKED/RDWR_UNLOCKED state
// machine from spec.md §3 ("Page info") and §4.7. MemCheck starts every
// tracked page SHARED and lazily upgrades it to a private, writable copy
// only once the tracee actually writes to it, so that the common
// read-mostly case never pays for a snapshot.
package pageset

import "fmt"

// PageSize is the x86-64 page granularity this module operates at.
const PageSize = 4096

// Tier is one state in the lazy-snapshot protection state machine.
type Tier int

const (
	// Shared pages are mapped PROT_READ|PROT_WRITE and identical between
	// the two forked tracees; no snapshot exists yet.
	Shared Tier = iota
	// RDOnly pages have been downgraded to PROT_READ so the next write
	// faults and triggers the RDWR_LOCKED transition.
	RDOnly
	// RDWRLocked pages have a private copy-on-write snapshot taken but
	// are still mprotect'd PROT_READ until the owning tracee's write
	// actually retires, at which point they become RDWRUnlocked.
	RDWRLocked
	// RDWRUnlocked pages are private, writable, and diverging per-tracee;
	// they are compared and merged at the next sequence point.
	RDWRUnlocked
)

func (t Tier) String() string {
	switch t {
	case Shared:
		return "shared"
	case RDOnly:
		return "rdonly"
	case RDWRLocked:
		return "rdwr_locked"
	case RDWRUnlocked:
		return "rdwr_unlocked"
	default:
		return "invalid"
	}
}

// PageAddr truncates addr to its containing page's base address.
func PageAddr(addr uint64) uint64 { return addr &^ (PageSize - 1) }

// Info is one page's tier and usage bookkeeping.
type Info struct {
	Addr uint64
	Tier Tier
}

// Set is the collection of tracked pages and their tiers, keyed by page
// base address.
type Set struct {
	pages map[uint64]*Info
}

func New() *Set {
	return &Set{pages: make(map[uint64]*Info)}
}

// Track registers a page as Shared if it is not already tracked. It is a
// no-op for a page that is already tracked, since re-tracking must never
// regress an already-upgraded tier.
func (s *Set) Track(addr uint64) *Info {
	base := PageAddr(addr)
	if info, ok := s.pages[base]; ok {
		return info
	}
	info := &Info{Addr: base, Tier: Shared}
	s.pages[base] = info
	return info
}

func (s *Set) Lookup(addr uint64) (*Info, bool) {
	info, ok := s.pages[PageAddr(addr)]
	return info, ok
}

func (s *Set) Untrack(addr uint64) {
	delete(s.pages, PageAddr(addr))
}

// All returns every tracked page's Info, in no particular order.
func (s *Set) All() []*Info {
	out := make([]*Info, 0, len(s.pages))
	for _, info := range s.pages {
		out = append(out, info)
	}
	return out
}

// Downgrade transitions a page from Shared to RDOnly, the step taken
// before the primary tracee forks so the first write after the fork can
// be caught with a SIGSEGV.
func (info *Info) Downgrade() error {
	if info.Tier != Shared {
		return fmt.Errorf("pageset: page %#x: Downgrade requires shared, have %s", info.Addr, info.Tier)
	}
	info.Tier = RDOnly
	return nil
}

// Lock transitions RDOnly -> RDWRLocked: a private snapshot has been taken
// in response to a write fault, but the faulting write has not yet been
// allowed to retire.
func (info *Info) Lock() error {
	if info.Tier != RDOnly {
		return fmt.Errorf("pageset: page %#x: Lock requires rdonly, have %s", info.Addr, info.Tier)
	}
	info.Tier = RDWRLocked
	return nil
}

// Unlock transitions RDWRLocked -> RDWRUnlocked once the faulting write
// has been allowed to retire with the page now PROT_READ|PROT_WRITE.
func (info *Info) Unlock() error {
	if info.Tier != RDWRLocked {
		return fmt.Errorf("pageset: page %#x: Unlock requires rdwr_locked, have %s", info.Addr, info.Tier)
	}
	info.Tier = RDWRUnlocked
	return nil
}

// Reset returns a page to Shared at the end of a round, once its private
// copies have been compared, merged, and the underlying mapping restored
// to a single shared page.
func (info *Info) Reset() {
	info.Tier = Shared
}

// NeedsSnapshot reports whether the page currently has tracee-private
// content that must be captured by internal/snapshot before the round
// ends.
func (info *Info) NeedsSnapshot() bool {
	return info.Tier == RDWRLocked || info.Tier == RDWRUnlocked
}
