// Copyright 2020 The godbi Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package maps

import "testing"

func TestParseLine(t *testing.T) {
	line := "7f1234560000-7f1234580000 r-xp 00001000 08:01 131074 /lib/x86_64-linux-gnu/libc.so.6"
	m, err := parseLine(line)
	if err != nil {
		t.Fatalf("parseLine: %v", err)
	}
	if m.Begin != 0x7f1234560000 || m.End != 0x7f1234580000 {
		t.Fatalf("range = [%#x, %#x), want [0x7f1234560000, 0x7f1234580000)", m.Begin, m.End)
	}
	if !m.Read || m.Write || !m.Exec {
		t.Fatalf("perms = r=%v w=%v x=%v, want r-x", m.Read, m.Write, m.Exec)
	}
	if m.Shared {
		t.Fatal("p (private) mapping parsed as shared")
	}
	if m.Offset != 0x1000 {
		t.Fatalf("offset = %#x, want 0x1000", m.Offset)
	}
	if m.Path != "/lib/x86_64-linux-gnu/libc.so.6" {
		t.Fatalf("path = %q", m.Path)
	}
}

func TestParseLineAnonymous(t *testing.T) {
	line := "7ffd12340000-7ffd12361000 rw-p 00000000 00:00 0"
	m, err := parseLine(line)
	if err != nil {
		t.Fatalf("parseLine: %v", err)
	}
	if m.Path != "" {
		t.Fatalf("anonymous mapping path = %q, want empty", m.Path)
	}
	if m.Size() != 0x21000 {
		t.Fatalf("Size() = %#x, want 0x21000", m.Size())
	}
}

func TestParseLineMalformed(t *testing.T) {
	if _, err := parseLine("garbage"); err == nil {
		t.Fatal("expected an error for a malformed line")
	}
}

func TestMapContains(t *testing.T) {
	m := Map{Begin: 0x1000, End: 0x2000}
	if !m.Contains(0x1000) || !m.Contains(0x1fff) {
		t.Fatal("Contains should include [Begin, End)")
	}
	if m.Contains(0x2000) {
		t.Fatal("Contains should exclude End")
	}
}

func TestFindByPath(t *testing.T) {
	ms := []Map{
		{Path: "/lib/libc.so.6"},
		{Path: "[vdso]"},
		{Path: "[heap]"},
	}
	if m, ok := FindByPath(ms, "vdso"); !ok || m.Path != "[vdso]" {
		t.Fatalf("FindByPath(vdso) = (%+v, %v)", m, ok)
	}
	if _, ok := FindByPath(ms, "nonexistent"); ok {
		t.Fatal("FindByPath should miss on an absent substring")
	}
}
