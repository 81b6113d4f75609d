// Copyright 2020 The godbi Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package term

import "encoding/binary"

// RSB is the Return Stack Buffer: a single tracee-resident 16-byte slot (8
// bytes predicted original return address, 8 bytes its translated pool
// destination) that the Ret trampoline compares against directly, in-core,
// avoiding a breakpoint round-trip on the common case of a call returning
// straight back to its own call site (spec.md §3 "Return Stack Buffer",
// §4.5). A host-side map keeps every pair Push has recorded, readable
// through Lookup; Ret's miss path does not consult it and resolves through
// Context.Lookup instead.
type RSB struct {
	entries map[uint64]uint64
	slot    uint64
}

// NewRSB allocates the tracee-resident comparison slot from pool and
// returns an RSB bound to it.
func NewRSB(pool PoolWriter) (*RSB, error) {
	slot, err := pool.WriteRaw(make([]byte, 16))
	if err != nil {
		return nil, err
	}
	return &RSB{entries: make(map[uint64]uint64), slot: slot}, nil
}

// Slot is the tracee address of the RSB's (orig, dst) comparison slot.
func (r *RSB) Slot() uint64 { return r.slot }

// Push records that a call from this call site returns to retOrig,
// translated to retDst, both in the host-side map (for Ret's miss path) and
// the tracee-resident slot (for Ret's fast in-core compare).
func (r *RSB) Push(ctx *Context, retOrig, retDst uint64) error {
	r.entries[retOrig] = retDst
	var entry [16]byte
	binary.LittleEndian.PutUint64(entry[0:8], retOrig)
	binary.LittleEndian.PutUint64(entry[8:16], retDst)
	return ctx.WriteMem(r.slot, entry[:])
}

// Lookup returns the translated return address for a call site, if known.
func (r *RSB) Lookup(retOrig uint64) (uint64, bool) {
	dst, ok := r.entries[retOrig]
	return dst, ok
}
