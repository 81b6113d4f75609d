// Copyright 2020 The godbi Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package usermem manages tracee-resident memory regions: the code pool,
// the pointer pool, and the scratch page of per-tracee variables, per
// spec.md §4.6's block_pool_size/ptr_pool_size/rsb_size/tmp_size constants
// (original_source src/dbi/patch.hh). RSBSize is declared here, but no
// region of that size is mapped: the RSB's slot is allocated from the code
// pool by internal/term. Regions are established once in the primary tracee via
// a remote mmap and are thereafter replicated into the secondary tracee by
// the kernel's copy-on-write fork semantics (spec.md §5).
package usermem

import (
	"fmt"

	"github.com/nmosier/godbi/internal/tracee"
	"golang.org/x/sys/unix"
)

// Default region sizes, taken from the original source's Patcher constants.
const (
	BlockPoolSize = 0x100000
	PtrPoolSize   = 0x30000
	RSBSize       = 0x1000
	ScratchSize   = 0x1000
)

// Region is a single contiguous allocation inside the tracee's address
// space, bump-allocated from a fixed-size mmap'd block.
type Region struct {
	base uint64
	size uint64
	used uint64
}

func newRegion(t *tracee.Tracee, size uint64, prot int) (*Region, error) {
	base, err := t.Mmap(0, size, prot, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS, -1, 0)
	if err != nil {
		return nil, fmt.Errorf("usermem: mapping region of size %#x: %w", size, err)
	}
	return &Region{base: base, size: size}, nil
}

func (r *Region) Base() uint64 { return r.base }
func (r *Region) Remaining() uint64 { return r.size - r.used }

// Alloc bump-allocates n bytes, 16-byte aligned, from the region.
func (r *Region) Alloc(n uint64) (uint64, error) {
	aligned := (r.used + 15) &^ 15
	if aligned+n > r.size {
		return 0, fmt.Errorf("usermem: region exhausted: need %d, have %d", n, r.size-aligned)
	}
	addr := r.base + aligned
	r.used = aligned + n
	return addr, nil
}

// CodePool is the append-only arena of translated instructions, backed by a
// single RWX mapping (spec.md §2 "Block pool").
type CodePool struct {
	*Region
}

func NewCodePool(t *tracee.Tracee) (*CodePool, error) {
	r, err := newRegion(t, BlockPoolSize, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC)
	if err != nil {
		return nil, err
	}
	return &CodePool{Region: r}, nil
}

// PointerPool is a region of 8-byte cells holding materialized 64-bit
// addresses, loadable via register-indirect addressing. No command in this
// module creates one: inst.Blob.RelocateTo re-encodes RIP-relative
// displacements in place instead of spilling the target into this pool.
type PointerPool struct {
	*Region
}

func NewPointerPool(t *tracee.Tracee) (*PointerPool, error) {
	r, err := newRegion(t, PtrPoolSize, unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		return nil, err
	}
	return &PointerPool{Region: r}, nil
}

// AllocPointer reserves an 8-byte cell initialized to val and returns its
// address.
func (p *PointerPool) AllocPointer(t *tracee.Tracee, val uint64) (uint64, error) {
	addr, err := p.Alloc(8)
	if err != nil {
		return 0, err
	}
	var buf [8]byte
	putU64(buf[:], val)
	if err := t.WriteMem(addr, buf[:]); err != nil {
		return 0, err
	}
	return addr, nil
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// Scratch is the tracee-resident page of well-known scratch variables:
// tmp_rsp, fill_ptr, jcc_cksum_ptr, prev_sp_ptr (spec.md §5 "Shared
// resources"). Each tracee gets its own copy via fork COW, so its layout is
// fixed and known at translation time.
type Scratch struct {
	*Region
	TmpRSP      uint64
	FillPtr     uint64
	JccCksumPtr uint64
	PrevSPPtr   uint64
}

func NewScratch(t *tracee.Tracee) (*Scratch, error) {
	r, err := newRegion(t, ScratchSize, unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		return nil, err
	}
	s := &Scratch{Region: r}
	var addrErr error
	alloc := func() uint64 {
		a, err := r.Alloc(8)
		if err != nil && addrErr == nil {
			addrErr = err
		}
		return a
	}
	s.TmpRSP = alloc()
	s.FillPtr = alloc()
	s.JccCksumPtr = alloc()
	s.PrevSPPtr = alloc()
	if addrErr != nil {
		return nil, addrErr
	}
	return s, nil
}

// SetFill writes the per-tracee fill byte scratch cell. Nothing in this
// module reads the cell (no in-core stack-fill sequence is built), and no
// command calls NewScratch.
func (s *Scratch) SetFill(t *tracee.Tracee, fill byte) error {
	return t.WriteMem(s.FillPtr, []byte{fill})
}
