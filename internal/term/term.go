// Copyright 2020 The godbi Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package term implements the terminator state machines that splice
// control flow between translated blocks, per spec.md §3 ("Terminators")
// and §4.4: DirJmp, DirJcc (with branch prediction), IndJmp<N> (an inline
// direct-mapped cache), Ret (backed by a Return Stack Buffer), DirCall and
// IndCall. Every terminator is a short sequence of machine code, built with
// internal/asmutil, appended to the block pool right after its block's
// body; unresolved destinations are routed through a breakpoint that the
// patcher intercepts and a terminator-specific handler resolves.
package term

import (
	"encoding/binary"
	"fmt"

	"github.com/nmosier/godbi/internal/asmutil"
	"github.com/nmosier/godbi/internal/inst"
	"github.com/nmosier/godbi/internal/tracee"
)

// LookupBlock resolves an original address to its translated block's pool
// address, translating it on demand if necessary. ProbeBlock does the
// same but returns ok=false instead of translating.
type (
	LookupBlock   func(orig uint64) (uint64, error)
	ProbeBlock    func(orig uint64) (uint64, bool)
	BkptHandler   func(t *tracee.Tracee, bkptAddr uint64) error
	RegisterBkpt  func(addr uint64, h BkptHandler)
	UnregisterFn  func(addr uint64)
)

// Context bundles the collaborators every terminator constructor needs,
// mirroring the parameter list original_source's Terminator::Create takes.
type Context struct {
	Pool     PoolWriter
	Lookup   LookupBlock
	Probe    ProbeBlock
	Register RegisterBkpt
	RSB      *RSB

	// WriteMem pokes raw bytes into the tracee's address space, used to
	// keep IndJmp's cache table and the RSB's slot up to date in-tracee.
	WriteMem func(addr uint64, data []byte) error

	// OnCall, when set, fires once a call terminator's return-address push
	// has executed, with the tracee's post-push stack pointer, letting the
	// caller poison the freshly pushed return slot (spec.md §4.8 call/ret
	// tracker).
	OnCall func(tr *tracee.Tracee, newSP uint64) error

	// OnJcc, when set, fires once per executed conditional branch with its
	// original address and whether it was taken, feeding the Jcc outcome
	// checksum (spec.md §4.9 "checksum compare").
	OnJcc func(origBranch uint64, taken bool)
}

// PoolWriter is the subset of block.Pool a terminator needs: appending raw
// bytes and learning where they land.
type PoolWriter interface {
	WriteRaw(data []byte) (uint64, error)
	Peek() uint64
}

// Terminator is the common contract every variant below satisfies. Addr is
// the pool address where its trampoline begins; OrigBranch is the address
// of the branch instruction it replaces, used for logging and for
// round-trip lookups (e.g. the stack tracker keyed by call site).
type Terminator interface {
	Addr() uint64
	OrigBranch() uint64
}

type base struct {
	addr       uint64
	origBranch uint64
}

func (b *base) Addr() uint64       { return b.addr }
func (b *base) OrigBranch() uint64 { return b.origBranch }

// DirJmp splices a direct, unconditional jump: `jmp rel32` to the target
// block, resolved eagerly via Lookup since an unconditional jump's target
// is always known at translation time (spec.md §4.4).
type DirJmp struct {
	base
}

func NewDirJmp(ctx *Context, jmp *inst.Blob, origBranch uint64) (*DirJmp, error) {
	dstOrig, _, _, ok := jmp.Decoded().RelBranchTarget()
	if !ok {
		return nil, fmt.Errorf("term: DirJmp: not a direct branch")
	}
	dstPool, err := ctx.Lookup(dstOrig)
	if err != nil {
		return nil, err
	}
	addr := ctx.Pool.Peek()
	if err := jmp.RelocateTo(addr); err != nil {
		return nil, err
	}
	if err := jmp.Retarget(dstPool); err != nil {
		return nil, err
	}
	if _, err := ctx.Pool.WriteRaw(jmp.Data()); err != nil {
		return nil, err
	}
	return &DirJmp{base{addr: addr, origBranch: origBranch}}, nil
}

// PredictionMode selects how DirJcc biases the two arms of a conditional
// branch towards whichever the tracee is more likely to take next,
// avoiding an extra breakpoint round-trip on the common path (spec.md §6
// "--prediction-mode").
type PredictionMode int

const (
	PredictNone PredictionMode = iota
	PredictIclass
	PredictIform
	PredictDirection
	PredictLastIclass
)

// ParsePredictionMode maps a config.Config.Prediction string value (as
// set by the -prediction-mode flag) to the enum this package dispatches
// on internally.
func ParsePredictionMode(s string) PredictionMode {
	switch s {
	case "iclass":
		return PredictIclass
	case "iform":
		return PredictIform
	case "dir":
		return PredictDirection
	case "last_iclass":
		return PredictLastIclass
	default:
		return PredictNone
	}
}

// direction classifies a conditional branch as forward- or
// backward-pointing, the input to PredictDirection (loops predict taken).
type direction int

const (
	dirForward direction = iota
	dirBackward
)

// DirJcc splices a conditional branch: the relocated branch jumps to a
// "taken" breakpoint stub and falls through to a "not-taken" breakpoint
// stub. Which arm's destination is resolved eagerly at construction (the
// "bias") is chosen by the configured PredictionMode; the other is
// translated on its stub's first hit. Both arms stay breakpoints: a
// resolved arm is not patched into a direct jump, so every executed
// branch traps once.
type DirJcc struct {
	base
	iclass   string
	dir      direction
	mode     PredictionMode
	jccBkpt  uint64
	fallBkpt uint64
}

// lastIclassBias is shared mutable prediction state across every DirJcc
// instance, mirroring the original's static `last_decision` string: the
// PredictLastIclass mode biases toward whichever outcome the most recent
// branch of the same iclass took.
var lastIclassBias = map[string]bool{}

func NewDirJcc(ctx *Context, jcc *inst.Blob, fallthruOrig uint64, mode PredictionMode) (*DirJcc, error) {
	dstOrig, _, _, ok := jcc.Decoded().RelBranchTarget()
	if !ok {
		return nil, fmt.Errorf("term: DirJcc: not a conditional branch")
	}
	iclass := jcc.Decoded().Iclass().String()
	dir := dirForward
	if dstOrig < jcc.PC() {
		dir = dirBackward
	}

	biasTaken := predictTaken(iclass, dir, mode)

	addr := ctx.Pool.Peek()
	t := &DirJcc{base: base{addr: addr, origBranch: jcc.PC()}, iclass: iclass, dir: dir, mode: mode}

	// The real conditional branch is always retained, retargeted at a local
	// "taken" stub; its own fallthrough (not-taken) lands on the "fallBkpt"
	// stub right after it. Both stubs record the outcome with the Jcc
	// tracker before resuming, so the checksum sees every decision (spec.md
	// §4.9 "checksum compare"); biasTaken only decides which side's
	// destination is resolved eagerly at construction instead of lazily on
	// its stub's first hit (spec.md §6 "--prediction-mode").
	if err := jcc.RelocateTo(addr); err != nil {
		return nil, err
	}
	notTakenAddr := addr + uint64(jcc.Size())
	takenAddr := notTakenAddr + 1
	if err := jcc.Retarget(takenAddr); err != nil {
		return nil, err
	}

	var body []byte
	body = append(body, jcc.Data()...)
	t.fallBkpt = notTakenAddr
	body = append(body, 0xCC)
	t.jccBkpt = takenAddr
	body = append(body, 0xCC)

	var eagerTaken, eagerFall uint64
	if biasTaken {
		d, err := ctx.Lookup(dstOrig)
		if err != nil {
			return nil, err
		}
		eagerTaken = d
	} else {
		d, err := ctx.Lookup(fallthruOrig)
		if err != nil {
			return nil, err
		}
		eagerFall = d
	}

	ctx.Register(t.jccBkpt, func(tr *tracee.Tracee, bkptAddr uint64) error {
		if ctx.OnJcc != nil {
			ctx.OnJcc(t.origBranch, true)
		}
		if mode == PredictLastIclass {
			lastIclassBias[iclass] = true
		}
		if eagerTaken != 0 {
			return resumeAt(tr, eagerTaken)
		}
		dst, err := ctx.Lookup(dstOrig)
		if err != nil {
			return err
		}
		return resumeAt(tr, dst)
	})
	ctx.Register(t.fallBkpt, func(tr *tracee.Tracee, bkptAddr uint64) error {
		if ctx.OnJcc != nil {
			ctx.OnJcc(t.origBranch, false)
		}
		if mode == PredictLastIclass {
			lastIclassBias[iclass] = false
		}
		if eagerFall != 0 {
			return resumeAt(tr, eagerFall)
		}
		dst, err := ctx.Lookup(fallthruOrig)
		if err != nil {
			return err
		}
		return resumeAt(tr, dst)
	})

	if _, err := ctx.Pool.WriteRaw(body); err != nil {
		return nil, err
	}
	if mode == PredictLastIclass {
		lastIclassBias[iclass] = biasTaken
	}
	return t, nil
}

func predictTaken(iclass string, dir direction, mode PredictionMode) bool {
	switch mode {
	case PredictNone:
		return false
	case PredictDirection:
		return dir == dirBackward // loop-like backward branches predict taken
	case PredictLastIclass:
		return lastIclassBias[iclass]
	case PredictIclass, PredictIform:
		// Without collected profile data these degrade to the direction
		// heuristic, which is the same fallback the original's
		// get_bias_iclass/get_bias_iform used absent prior samples.
		return dir == dirBackward
	default:
		return false
	}
}

func jmpRel32To(dst, fromAddr uint64) ([]byte, error) {
	b, err := inst.NewFromBytes([]byte{0xE9, 0, 0, 0, 0}, fromAddr)
	if err != nil {
		return nil, err
	}
	if err := b.Retarget(dst); err != nil {
		return nil, err
	}
	return b.Data(), nil
}

// jeRel32To builds a `je rel32` (0F 84) targeting dst from fromAddr, used by
// IndJmp and Ret to branch to an already-resolved cache hit without
// involving golang-asm's own branch-linking machinery — it reuses inst.Blob's
// existing branch-retargeting logic instead, the same convention jmpRel32To
// above follows.
func jeRel32To(dst, fromAddr uint64) ([]byte, error) {
	b, err := inst.NewFromBytes([]byte{0x0F, 0x84, 0, 0, 0, 0}, fromAddr)
	if err != nil {
		return nil, err
	}
	if err := b.Retarget(dst); err != nil {
		return nil, err
	}
	return b.Data(), nil
}

// resumeAt sets the tracee's PC directly, used by breakpoint handlers that
// resolve to an already-known address instead of emitting a jump.
func resumeAt(t *tracee.Tracee, addr uint64) error {
	t.SetPC(addr)
	return nil
}

// IndJmp is an indirect jump terminator backed by an N-entry inline
// direct-mapped cache, held as a tracee-resident table of (orig, dst)
// 16-byte pairs: each cache line's real `cmp rax, [table+i*16]; je hit_i`
// tests the runtime target against a previously-seen original address and,
// on a hit, jumps straight to the matching translated block; a miss falls
// through to a breakpoint that looks the target up (translating if needed)
// and evicts a line to make room for it (spec.md §4.4 "IndJmp<N>").
type IndJmp struct {
	base
	n       int
	table   uint64 // tracee address of the n*16-byte (orig, dst) table
	evictAt int
}

func NewIndJmp(ctx *Context, jmp *inst.Blob, cacheLen int) (*IndJmp, error) {
	table, err := ctx.Pool.WriteRaw(make([]byte, cacheLen*16))
	if err != nil {
		return nil, err
	}

	addr := ctx.Pool.Peek()
	t := &IndJmp{base: base{addr: addr, origBranch: jmp.PC()}, n: cacheLen, table: table}

	bld, err := asmutil.New(1)
	if err != nil {
		return nil, err
	}
	bld.MovRegImm(asmutil.R11, int64(table))
	body := bld.Assemble()

	jePos := make([]int, cacheLen)
	for i := 0; i < cacheLen; i++ {
		cb, err := asmutil.New(1)
		if err != nil {
			return nil, err
		}
		cb.CmpRegMem(asmutil.RAX, asmutil.R11, int64(i*16))
		body = append(body, cb.Assemble()...)

		jePos[i] = len(body)
		body = append(body, make([]byte, 6)...) // je hit_i, patched below
	}

	bkptOff := len(body)
	body = append(body, 0xCC)
	ctx.Register(addr+uint64(bkptOff), func(tr *tracee.Tracee, bkptAddr uint64) error {
		return t.handleMiss(ctx, tr)
	})

	hitAddr := make([]uint64, cacheLen)
	for i := 0; i < cacheLen; i++ {
		hitAddr[i] = addr + uint64(len(body))
		hb, err := asmutil.New(2)
		if err != nil {
			return nil, err
		}
		hb.MovLoad(asmutil.R10, asmutil.R11, int64(i*16+8))
		hb.JmpReg(asmutil.R10)
		body = append(body, hb.Assemble()...)
	}

	for i := 0; i < cacheLen; i++ {
		je, err := jeRel32To(hitAddr[i], addr+uint64(jePos[i]))
		if err != nil {
			return nil, err
		}
		copy(body[jePos[i]:jePos[i]+6], je)
	}

	if _, err := ctx.Pool.WriteRaw(body); err != nil {
		return nil, err
	}
	return t, nil
}

// handleMiss resolves the tracee's current %rax (the indirect target
// computed by the replaced jmp), installs it as the next cache line
// (round-robin eviction, matching the original's eviction_index) by writing
// it into the tracee-resident table, and transfers control there.
func (t *IndJmp) handleMiss(ctx *Context, tr *tracee.Tracee) error {
	regs, err := tr.GetGPRegs()
	if err != nil {
		return err
	}
	target := regs.Rax
	dst, err := ctx.Lookup(target)
	if err != nil {
		return err
	}
	var entry [16]byte
	binary.LittleEndian.PutUint64(entry[0:8], target)
	binary.LittleEndian.PutUint64(entry[8:16], dst)
	if err := ctx.WriteMem(t.table+uint64(t.evictAt*16), entry[:]); err != nil {
		return err
	}
	t.evictAt = (t.evictAt + 1) % t.n
	tr.SetPC(dst)
	return nil
}

// Ret terminates a block ending in a RET by consulting the Return Stack
// Buffer (spec.md §3 "Return Stack Buffer"): the real return address popped
// off the stack is compared, in-core, against the RSB's single tracee-
// resident (orig, dst) slot; a match jumps straight to the cached
// translated return point, and a mismatch falls back to a breakpoint that
// performs a full lookup (spec.md §4.5).
type Ret struct {
	base
}

func NewRet(ctx *Context, ret *inst.Blob) (*Ret, error) {
	addr := ctx.Pool.Peek()
	t := &Ret{base{addr: addr, origBranch: ret.PC()}}

	bld, err := asmutil.New(3)
	if err != nil {
		return nil, err
	}
	bld.PopReg(asmutil.RAX)                          // the real return address the call pushed
	bld.MovRegImm(asmutil.R11, int64(ctx.RSB.Slot())) // RSB slot base
	bld.CmpRegMem(asmutil.RAX, asmutil.R11, 0)        // rax == predicted orig?
	body := bld.Assemble()

	jePos := len(body)
	body = append(body, make([]byte, 6)...) // je hit, patched below

	bkptOff := len(body)
	body = append(body, 0xCC)
	ctx.Register(addr+uint64(bkptOff), func(tr *tracee.Tracee, bkptAddr uint64) error {
		return t.handleMiss(ctx, tr)
	})

	hitAddr := addr + uint64(len(body))
	hb, err := asmutil.New(2)
	if err != nil {
		return nil, err
	}
	hb.MovLoad(asmutil.R10, asmutil.R11, 8) // predicted pool destination
	hb.JmpReg(asmutil.R10)
	body = append(body, hb.Assemble()...)

	je, err := jeRel32To(hitAddr, addr+uint64(jePos))
	if err != nil {
		return nil, err
	}
	copy(body[jePos:jePos+6], je)

	if _, err := ctx.Pool.WriteRaw(body); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Ret) handleMiss(ctx *Context, tr *tracee.Tracee) error {
	regs, err := tr.GetGPRegs()
	if err != nil {
		return err
	}
	dst, err := ctx.Lookup(regs.Rax)
	if err != nil {
		return err
	}
	tr.SetPC(dst)
	return nil
}

// DirCall and IndCall splice a call: both push the real original return
// address, optionally record the call with OnCall, then jump (DirCall:
// directly, resolved eagerly since the callee is a fixed target; IndCall:
// through a breakpoint that resolves the callee, which varies every call)
// to the callee's translated block. The translated return pair is written
// to the RSB once, when the terminator is built, not each time the call
// executes, so the RSB slot holds the pair of the most recently built call
// terminator.
type DirCall struct {
	base
}

func NewDirCall(ctx *Context, call *inst.Blob, retOrig uint64) (*DirCall, error) {
	dstOrig, _, _, ok := call.Decoded().RelBranchTarget()
	if !ok {
		return nil, fmt.Errorf("term: DirCall: not a direct call")
	}
	calleeDst, err := ctx.Lookup(dstOrig)
	if err != nil {
		return nil, err
	}
	retDst, err := ctx.Lookup(retOrig)
	if err != nil {
		return nil, err
	}

	addr := ctx.Pool.Peek()
	if err := ctx.RSB.Push(ctx, retOrig, retDst); err != nil {
		return nil, err
	}

	bld, err := asmutil.New(2)
	if err != nil {
		return nil, err
	}
	bld.MovRegImm(asmutil.R10, int64(retOrig)) // real return address the matching Ret expects
	bld.PushReg(asmutil.R10)
	body := bld.Assemble()

	if ctx.OnCall != nil {
		onCallOff := len(body)
		body = append(body, 0xCC)
		ctx.Register(addr+uint64(onCallOff), func(tr *tracee.Tracee, bkptAddr uint64) error {
			sp, err := tr.GetSP()
			if err != nil {
				return err
			}
			return ctx.OnCall(tr, sp)
		})
	}

	jmpBytes, err := jmpRel32To(calleeDst, addr+uint64(len(body)))
	if err != nil {
		return nil, err
	}
	body = append(body, jmpBytes...)

	if _, err := ctx.Pool.WriteRaw(body); err != nil {
		return nil, err
	}
	return &DirCall{base{addr: addr, origBranch: call.PC()}}, nil
}

type IndCall struct {
	base
}

func NewIndCall(ctx *Context, call *inst.Blob, retOrig uint64) (*IndCall, error) {
	retDst, err := ctx.Lookup(retOrig)
	if err != nil {
		return nil, err
	}
	addr := ctx.Pool.Peek()
	if err := ctx.RSB.Push(ctx, retOrig, retDst); err != nil {
		return nil, err
	}

	t := &IndCall{base{addr: addr, origBranch: call.PC()}}

	bld, err := asmutil.New(2)
	if err != nil {
		return nil, err
	}
	bld.MovRegImm(asmutil.R10, int64(retOrig))
	bld.PushReg(asmutil.R10)
	body := bld.Assemble()

	if ctx.OnCall != nil {
		onCallOff := len(body)
		body = append(body, 0xCC)
		ctx.Register(addr+uint64(onCallOff), func(tr *tracee.Tracee, bkptAddr uint64) error {
			sp, err := tr.GetSP()
			if err != nil {
				return err
			}
			return ctx.OnCall(tr, sp)
		})
	}

	bkptOff := len(body)
	body = append(body, 0xCC)
	ctx.Register(addr+uint64(bkptOff), func(tr *tracee.Tracee, bkptAddr uint64) error {
		regs, err := tr.GetGPRegs()
		if err != nil {
			return err
		}
		dst, err := ctx.Lookup(regs.Rax)
		if err != nil {
			return err
		}
		tr.SetPC(dst)
		return nil
	})

	if _, err := ctx.Pool.WriteRaw(body); err != nil {
		return nil, err
	}
	return t, nil
}
