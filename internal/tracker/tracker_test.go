// Copyright 2020 The godbi Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tracker_test

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/nmosier/godbi/internal/tracker"
)

func TestJccTrackerChecksumDeterministic(t *testing.T) {
	a := tracker.NewJccTracker()
	b := tracker.NewJccTracker()

	outcomes := []struct {
		addr  uint64
		taken bool
	}{
		{0x1000, true},
		{0x1010, false},
		{0x1020, true},
	}
	for _, o := range outcomes {
		a.Record(o.addr, o.taken)
		b.Record(o.addr, o.taken)
	}
	if a.Checksum() != b.Checksum() {
		t.Fatalf("identical outcome sequences produced different checksums: %#x != %#x", a.Checksum(), b.Checksum())
	}
	if a.Checksum() == 0 {
		t.Fatal("non-empty outcome sequence should not checksum to zero")
	}
}

func TestJccTrackerDivergesOnDifferentOutcome(t *testing.T) {
	a := tracker.NewJccTracker()
	b := tracker.NewJccTracker()
	a.Record(0x1000, true)
	b.Record(0x1000, false)
	if a.Checksum() == b.Checksum() {
		t.Fatal("a taken and a not-taken branch at the same address should diverge")
	}
}

func TestJccTrackerReset(t *testing.T) {
	j := tracker.NewJccTracker()
	j.Record(0x1000, true)
	j.Reset()
	if j.Checksum() != 0 {
		t.Fatalf("Checksum after Reset = %#x, want 0", j.Checksum())
	}
	if len(j.Outcomes()) != 0 {
		t.Fatal("Outcomes after Reset should be empty")
	}
}

func TestCallTrackerDepth(t *testing.T) {
	c := tracker.NewCallTracker(0x00)
	if c.Depth() != 0 {
		t.Fatalf("initial depth = %d, want 0", c.Depth())
	}
	c.OnRet() // underflow must not go negative
	if c.Depth() != 0 {
		t.Fatalf("depth after spurious OnRet = %d, want 0", c.Depth())
	}
}

func TestSyscallArgsRegisterMapping(t *testing.T) {
	regs := unix.PtraceRegs{Rax: 1, Rdi: 10, Rsi: 20, Rdx: 30, R10: 40, R8: 50, R9: 60}
	s := tracker.NewSyscallArgs(regs)
	if s.No() != 1 {
		t.Fatalf("No() = %d, want 1", s.No())
	}
	want := []uint64{10, 20, 30, 40, 50, 60}
	for i, w := range want {
		got, err := s.Arg(i)
		if err != nil {
			t.Fatalf("Arg(%d): %v", i, err)
		}
		if got != w {
			t.Fatalf("Arg(%d) = %d, want %d", i, got, w)
		}
	}
	if _, err := s.Arg(6); err == nil {
		t.Fatal("Arg(6) should be out of range")
	}
}

func TestSyscallArgsReturn(t *testing.T) {
	s := tracker.NewSyscallArgs(unix.PtraceRegs{})
	s.SetReturn(42)
	if s.Return() != 42 {
		t.Fatalf("Return() = %d, want 42", s.Return())
	}
}
