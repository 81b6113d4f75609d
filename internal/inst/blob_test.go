// Copyright 2020 The godbi Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package inst_test

import (
	"testing"

	"github.com/nmosier/godbi/internal/inst"
)

func TestNewFromBytesRet(t *testing.T) {
	b, err := inst.NewFromBytes([]byte{0xc3}, 0x1000)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	if !b.Good() {
		t.Fatal("valid RET should decode as Good")
	}
	if b.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", b.Size())
	}
	if !b.Decoded().IsRet() {
		t.Fatal("expected a RET")
	}
}

func TestRelocateToDirectJump(t *testing.T) {
	// jmp rel32 at 0x1000, targeting 0x2000 (rel = 0x2000 - 0x1005 = 0xFFB)
	b, err := inst.NewFromBytes([]byte{0xe9, 0xfb, 0x0f, 0x00, 0x00}, 0x1000)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	orig, _, _, ok := b.Decoded().RelBranchTarget()
	if !ok || orig != 0x2000 {
		t.Fatalf("original target = %#x, ok=%v, want 0x2000", orig, ok)
	}

	if err := b.RelocateTo(0x5000); err != nil {
		t.Fatalf("RelocateTo: %v", err)
	}
	if b.PC() != 0x5000 {
		t.Fatalf("PC() = %#x, want 0x5000", b.PC())
	}
	newTarget, _, _, ok := b.Decoded().RelBranchTarget()
	if !ok || newTarget != 0x2000 {
		t.Fatalf("target after relocate = %#x, ok=%v, want 0x2000 (unchanged)", newTarget, ok)
	}
}

func TestRetarget(t *testing.T) {
	b, err := inst.NewFromBytes([]byte{0xe9, 0x00, 0x00, 0x00, 0x00}, 0x1000)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	if err := b.Retarget(0x9000); err != nil {
		t.Fatalf("Retarget: %v", err)
	}
	target, _, _, ok := b.Decoded().RelBranchTarget()
	if !ok || target != 0x9000 {
		t.Fatalf("target after Retarget = %#x, ok=%v, want 0x9000", target, ok)
	}
}

func TestRelocateWidensShortJcc(t *testing.T) {
	// je +2 at 0x1000 -> targets 0x1004.
	b, err := inst.NewFromBytes([]byte{0x74, 0x02}, 0x1000)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	if b.Size() != 2 {
		t.Fatalf("Size() = %d, want 2 before widening", b.Size())
	}
	if err := b.RelocateTo(0x500000); err != nil {
		t.Fatalf("RelocateTo: %v", err)
	}
	if b.Size() != 6 {
		t.Fatalf("Size() after widening = %d, want 6 (0F 8x rel32)", b.Size())
	}
	target, _, _, ok := b.Decoded().RelBranchTarget()
	if !ok || target != 0x1004 {
		t.Fatalf("target after widen+relocate = %#x, ok=%v, want 0x1004 (unchanged)", target, ok)
	}
}

func TestCallToJmp(t *testing.T) {
	b, err := inst.NewFromBytes([]byte{0xe8, 0x00, 0x00, 0x00, 0x00}, 0x1000)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	if !b.Decoded().IsCall() {
		t.Fatal("expected a CALL")
	}
	if err := b.CallToJmp(); err != nil {
		t.Fatalf("CallToJmp: %v", err)
	}
	if !b.Decoded().IsJump() || b.Decoded().IsCall() {
		t.Fatal("after CallToJmp the blob should decode as a JMP, not a CALL")
	}
}
