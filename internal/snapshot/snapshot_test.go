// Copyright 2020 The godbi Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package snapshot_test

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/nmosier/godbi/internal/snapshot"
)

func pageOf(t *testing.T, s *snapshot.Snapshot, addr uint64) *[4096]byte {
	t.Helper()
	buf, ok := s.Page(addr)
	if !ok {
		t.Fatalf("no page captured at %#x", addr)
	}
	return buf
}

func withPage(s *snapshot.Snapshot, addr uint64, fill byte) {
	var buf [4096]byte
	for i := range buf {
		buf[i] = fill
	}
	s.Pages()[addr] = &buf
}

func TestXor(t *testing.T) {
	a := snapshot.New()
	b := snapshot.New()
	withPage(a, 0x1000, 0x00)
	withPage(b, 0x1000, 0xff)

	x := snapshot.Xor(a, b)
	buf := pageOf(t, x, 0x1000)
	for i, v := range buf {
		if v != 0xff {
			t.Fatalf("byte %d = %#x, want 0xff", i, v)
		}
	}
}

func TestXorIgnoresNonOverlappingPages(t *testing.T) {
	a := snapshot.New()
	b := snapshot.New()
	withPage(a, 0x1000, 0x11)
	withPage(b, 0x2000, 0x22)

	x := snapshot.Xor(a, b)
	if _, ok := x.Page(0x1000); ok {
		t.Fatal("Xor should drop pages absent from b")
	}
	if _, ok := x.Page(0x2000); ok {
		t.Fatal("Xor should drop pages absent from a")
	}
}

func TestOrAccumulates(t *testing.T) {
	dst := snapshot.New()
	withPage(dst, 0x1000, 0x0f)

	src := snapshot.New()
	withPage(src, 0x1000, 0xf0)

	dst.Or(src)
	buf := pageOf(t, dst, 0x1000)
	for i, v := range buf {
		if v != 0xff {
			t.Fatalf("byte %d = %#x, want 0xff after Or", i, v)
		}
	}
}

func TestSimilarRespectsMask(t *testing.T) {
	a := snapshot.New()
	b := snapshot.New()
	withPage(a, 0x1000, 0x00)
	withPage(b, 0x1000, 0x00)
	buf, _ := b.Page(0x1000)
	buf[10] = 0x7f

	if snapshot.Similar(a, b, nil) {
		t.Fatal("Similar with nil mask should require exact equality")
	}

	mask := snapshot.New()
	withPage(mask, 0x1000, 0x00)
	mbuf, _ := mask.Page(0x1000)
	mbuf[10] = 0xff

	if !snapshot.Similar(a, b, mask) {
		t.Fatal("Similar should ignore a masked-out byte")
	}
}

func TestXorRegs(t *testing.T) {
	a := unix.PtraceRegs{Rax: 0x00, Rbx: 0xff}
	b := unix.PtraceRegs{Rax: 0xff, Rbx: 0xff}
	x := snapshot.XorRegs(a, b)
	if x.Rax != 0xff {
		t.Fatalf("Rax xor = %#x, want 0xff", x.Rax)
	}
	if x.Rbx != 0 {
		t.Fatalf("Rbx xor = %#x, want 0", x.Rbx)
	}
}
