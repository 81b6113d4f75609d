// Copyright 2020 The godbi Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package term

import "testing"

func TestParsePredictionMode(t *testing.T) {
	cases := []struct {
		in   string
		want PredictionMode
	}{
		{"iclass", PredictIclass},
		{"iform", PredictIform},
		{"dir", PredictDirection},
		{"last_iclass", PredictLastIclass},
		{"", PredictNone},
		{"bogus", PredictNone},
	}
	for _, c := range cases {
		if got := ParsePredictionMode(c.in); got != c.want {
			t.Errorf("ParsePredictionMode(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestPredictTakenDirection(t *testing.T) {
	if predictTaken("JNE", dirForward, PredictNone) {
		t.Error("PredictNone should never bias taken")
	}
	if !predictTaken("JNE", dirBackward, PredictDirection) {
		t.Error("PredictDirection should bias a backward branch as taken")
	}
	if predictTaken("JNE", dirForward, PredictDirection) {
		t.Error("PredictDirection should not bias a forward branch as taken")
	}
}

func TestPredictTakenLastIclass(t *testing.T) {
	defer func() { lastIclassBias = map[string]bool{} }()
	lastIclassBias = map[string]bool{"JE": true}
	if !predictTaken("JE", dirForward, PredictLastIclass) {
		t.Error("PredictLastIclass should follow the recorded bias for this iclass")
	}
	if predictTaken("JNE", dirForward, PredictLastIclass) {
		t.Error("PredictLastIclass should default to not-taken for an unseen iclass")
	}
}

// fakePool is a minimal in-memory PoolWriter for exercising RSB/terminator
// construction without a real tracee.
type fakePool struct {
	base uint64
	buf  []byte
}

func newFakePool(base uint64) *fakePool { return &fakePool{base: base} }

func (p *fakePool) WriteRaw(data []byte) (uint64, error) {
	addr := p.base + uint64(len(p.buf))
	p.buf = append(p.buf, data...)
	return addr, nil
}

func (p *fakePool) Peek() uint64 { return p.base + uint64(len(p.buf)) }

func TestRSBPushLookup(t *testing.T) {
	pool := newFakePool(0x10000)
	rsb, err := NewRSB(pool)
	if err != nil {
		t.Fatalf("NewRSB: %v", err)
	}
	if _, ok := rsb.Lookup(0x1000); ok {
		t.Fatal("empty RSB should not resolve any address")
	}

	var written []byte
	ctx := &Context{WriteMem: func(addr uint64, data []byte) error {
		if addr != rsb.Slot() {
			t.Fatalf("WriteMem addr = %#x, want slot %#x", addr, rsb.Slot())
		}
		written = append([]byte(nil), data...)
		return nil
	}}

	if err := rsb.Push(ctx, 0x1000, 0x2000); err != nil {
		t.Fatalf("Push: %v", err)
	}
	dst, ok := rsb.Lookup(0x1000)
	if !ok || dst != 0x2000 {
		t.Fatalf("Lookup(0x1000) = (%#x, %v), want (0x2000, true)", dst, ok)
	}
	if len(written) != 16 {
		t.Fatalf("Push wrote %d bytes to the tracee slot, want 16", len(written))
	}
}
