// Copyright 2020 The godbi Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pageset_test

import (
	"testing"

	"github.com/nmosier/godbi/internal/pageset"
)

func TestPageAddr(t *testing.T) {
	cases := []struct {
		addr uint64
		want uint64
	}{
		{0x1000, 0x1000},
		{0x1001, 0x1000},
		{0x1fff, 0x1000},
		{0x2000, 0x2000},
	}
	for _, c := range cases {
		if got := pageset.PageAddr(c.addr); got != c.want {
			t.Errorf("PageAddr(%#x) = %#x, want %#x", c.addr, got, c.want)
		}
	}
}

func TestSetTrackIsIdempotent(t *testing.T) {
	s := pageset.New()
	info := s.Track(0x4000)
	if err := info.Downgrade(); err != nil {
		t.Fatalf("Downgrade: %v", err)
	}
	again := s.Track(0x4000)
	if again.Tier != pageset.RDOnly {
		t.Fatalf("re-Track regressed tier to %s, want rdonly", again.Tier)
	}
}

func TestTierTransitions(t *testing.T) {
	info := pageset.New().Track(0x8000)
	if info.Tier != pageset.Shared {
		t.Fatalf("new page tier = %s, want shared", info.Tier)
	}
	if err := info.Lock(); err == nil {
		t.Fatal("Lock from shared should fail")
	}
	if err := info.Downgrade(); err != nil {
		t.Fatalf("Downgrade: %v", err)
	}
	if err := info.Downgrade(); err == nil {
		t.Fatal("second Downgrade should fail")
	}
	if err := info.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if !info.NeedsSnapshot() {
		t.Fatal("rdwr_locked page should need a snapshot")
	}
	if err := info.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if !info.NeedsSnapshot() {
		t.Fatal("rdwr_unlocked page should still need a snapshot")
	}
	info.Reset()
	if info.Tier != pageset.Shared {
		t.Fatalf("Reset tier = %s, want shared", info.Tier)
	}
	if info.NeedsSnapshot() {
		t.Fatal("shared page should not need a snapshot")
	}
}

func TestSetLookupUntrack(t *testing.T) {
	s := pageset.New()
	s.Track(0x1000)
	if _, ok := s.Lookup(0x1050); !ok {
		t.Fatal("Lookup should find the page containing 0x1050")
	}
	s.Untrack(0x1000)
	if _, ok := s.Lookup(0x1000); ok {
		t.Fatal("Lookup should not find an untracked page")
	}
}
