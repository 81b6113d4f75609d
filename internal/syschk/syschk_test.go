// Copyright 2020 The godbi Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package syschk_test

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/nmosier/godbi/internal/syschk"
)

func TestLookupKnown(t *testing.T) {
	spec, ok := syschk.Lookup(unix.SYS_READ)
	if !ok {
		t.Fatal("expected read to be in the table")
	}
	if spec.Name != "read" {
		t.Fatalf("Name = %q, want read", spec.Name)
	}
	if len(spec.Args) != 3 {
		t.Fatalf("len(Args) = %d, want 3", len(spec.Args))
	}
	buf := spec.Args[1]
	if buf.Role != syschk.RoleWritePtr {
		t.Fatalf("read's buf arg role = %v, want RoleWritePtr", buf.Role)
	}
	if buf.Size.FromArg != 3 {
		t.Fatalf("read's buf arg FromArg = %d, want 3 (count)", buf.Size.FromArg)
	}
}

func TestLookupUnknown(t *testing.T) {
	if _, ok := syschk.Lookup(uintptr(0x7fffffff)); ok {
		t.Fatal("expected a bogus syscall number to miss")
	}
}

func TestWriteVsReadRoles(t *testing.T) {
	write, ok := syschk.Lookup(unix.SYS_WRITE)
	if !ok {
		t.Fatal("expected write to be in the table")
	}
	if write.Args[1].Role != syschk.RoleReadPtr {
		t.Fatalf("write's buf arg role = %v, want RoleReadPtr", write.Args[1].Role)
	}
}

func TestOpenPathnameIsNulTerminated(t *testing.T) {
	open, ok := syschk.Lookup(unix.SYS_OPEN)
	if !ok {
		t.Fatal("expected open to be in the table")
	}
	if !open.Args[0].Size.NulTerm {
		t.Fatal("open's filename arg should be NUL-terminated")
	}
}
