// Copyright 2020 The godbi Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command memcheck runs a target program under dual execution, detecting
// reads of uninitialized memory by comparing two differently-poisoned
// copies of the tracee at every sequence point. This is the module's
// primary entrypoint, corresponding to original_source's src/memcheck
// driver and spec.md's MemCheck module end to end.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"golang.org/x/sys/unix"

	"github.com/nmosier/godbi/internal/block"
	"github.com/nmosier/godbi/internal/config"
	"github.com/nmosier/godbi/internal/inst"
	"github.com/nmosier/godbi/internal/maps"
	"github.com/nmosier/godbi/internal/pageset"
	"github.com/nmosier/godbi/internal/patch"
	"github.com/nmosier/godbi/internal/preload"
	"github.com/nmosier/godbi/internal/round"
	"github.com/nmosier/godbi/internal/syschk"
	"github.com/nmosier/godbi/internal/term"
	"github.com/nmosier/godbi/internal/tracee"
	"github.com/nmosier/godbi/internal/usermem"
)

func main() {
	fs := flag.NewFlagSet("memcheck", flag.ExitOnError)
	cfg := config.RegisterFlags(fs)
	fs.Parse(os.Args[1:])
	if err := cfg.Finish(); err != nil {
		log.Fatalf("memcheck: %v", err)
	}

	args := fs.Args()
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "usage: memcheck [flags] command [args...]\n")
		os.Exit(2)
	}

	mc, err := open(cfg, args[0], args)
	if err != nil {
		log.Fatalf("memcheck: %v", err)
	}
	if err := mc.run(); err != nil {
		if cfg.GDBOnFatal {
			cfg.Logger.Printf("memcheck: fatal, handing off to gdb: %v", err)
			if herr := mc.tracee.HandoffGDB(); herr != nil {
				log.Fatalf("memcheck: gdb handoff failed: %v (original error: %v)", herr, err)
			}
			return
		}
		log.Fatalf("memcheck: %v", err)
	}
}

// memcheck bundles every collaborator a running session needs: the
// primary tracee, its code pool and patcher, the tracked-page set, and
// the round driver that compares dual-execution copies.
type memcheck struct {
	cfg     *config.Config
	tracee  *tracee.Tracee
	pool    *block.Pool
	patcher *patch.Patcher
	pages   *pageset.Set
	round   *round.Round
	ctx     *term.Context
}

func open(cfg *config.Config, path string, argv []string) (*memcheck, error) {
	env := []string(nil)
	if !cfg.NoPreload {
		soPath, err := preload.Build(os.TempDir() + "/godbi-preload.so")
		if err != nil {
			cfg.Logger.Printf("preload: build failed, continuing without shim: %v", err)
		} else {
			env = preload.Env(soPath)
		}
	}

	t, cmd, err := tracee.AttachEnv(path, argv, env)
	if err != nil {
		return nil, err
	}
	_ = cmd
	if err := t.SetOptions(unix.PTRACE_O_EXITKILL | unix.PTRACE_O_TRACEFORK); err != nil {
		return nil, err
	}

	code, err := usermem.NewCodePool(t)
	if err != nil {
		return nil, err
	}
	pool := block.NewPool(t, code)

	p := patch.New(cfg)
	p.AddTracee(t)
	p.OnSignal(unix.SIGSTOP, func(tr *tracee.Tracee, sig unix.Signal) error { return nil })
	p.OnSignal(unix.SIGCONT, func(tr *tracee.Tracee, sig unix.Signal) error { return nil })
	p.OnSignal(unix.SIGTSTP, func(tr *tracee.Tracee, sig unix.Signal) error { return nil })

	pages := pageset.New()

	entrySP, err := t.GetSP()
	if err != nil {
		return nil, err
	}
	seedStackPages(pages, entrySP)

	if ms, err := maps.Read(t.Pid()); err == nil {
		if cfg.MapsPath != "" {
			_ = maps.Dump(t.Pid(), cfg.MapsPath)
		}
		_ = ms
	}

	rnd := round.New(cfg, t, pages)

	rsb, err := term.NewRSB(pool)
	if err != nil {
		return nil, err
	}
	ctx := &term.Context{
		Pool:     pool,
		RSB:      rsb,
		WriteMem: t.WriteMem,
		Register: func(addr uint64, h term.BkptHandler) {
			if err := p.RegisterBkpt(t, addr, patch.BkptHandler(h)); err != nil {
				cfg.Logger.Printf("memcheck: registering breakpoint at %#x: %v", addr, err)
			}
		},
	}

	mc := &memcheck{cfg: cfg, tracee: t, pool: pool, patcher: p, pages: pages, round: rnd, ctx: ctx}

	ctx.Lookup = func(orig uint64) (uint64, error) {
		return p.LookupBlock(orig, mc.translate)
	}
	ctx.Probe = func(orig uint64) (uint64, bool) { return p.ProbeBlock(orig) }
	ctx.OnCall = func(tr *tracee.Tracee, newSP uint64) error {
		return mc.round.CallTrackerFor(tr).OnCall(tr, newSP)
	}
	ctx.OnJcc = func(origBranch uint64, taken bool) {
		mc.round.JccTracker().Record(origBranch, taken)
	}

	p.OnSignal(unix.SIGSEGV, mc.segfaultHandler)

	if err := rnd.Start(); err != nil {
		return nil, err
	}

	entry, err := t.GetPC()
	if err != nil {
		return nil, err
	}
	entryPool, err := ctx.Lookup(entry)
	if err != nil {
		return nil, err
	}
	t.SetPC(entryPool)

	return mc, nil
}

// seedStackPages tracks every page downward from the tracee's initial
// stack pointer until a reasonable guard size, since the stack is the one
// region guaranteed to hold uninitialized data worth tracking from the
// first instruction (spec.md §4.10's stack_begin()).
func seedStackPages(pages *pageset.Set, sp uint64) {
	const guardPages = 64
	base := pageset.PageAddr(sp)
	for i := 0; i < guardPages; i++ {
		pages.Track(base - uint64(i)*pageset.PageSize)
	}
}

func (mc *memcheck) run() error {
	return mc.patcher.Run()
}

// translate decodes one block starting at orig, relocates it into the
// code pool, splices in the tracker instrumentation (stack fill on
// %rsp-decrementing instructions, pre/post syscall breakpoints), and
// builds the appropriate terminator, per spec.md §4.3-§4.4 and the
// Memcheck::transformer dispatch it is grounded on.
func (mc *memcheck) translate(orig uint64) (uint64, error) {
	tr := &block.Translator{Read: func(addr uint64, n int) ([]byte, error) {
		buf := make([]byte, n)
		if err := mc.tracee.ReadMem(addr, buf); err != nil {
			return nil, err
		}
		return buf, nil
	}}
	insts, bkpts, err := tr.Translate(orig)
	if err != nil {
		return 0, err
	}

	base := mc.pool.Peek()
	mc.patcher.InsertBlock(orig, base)

	body := insts[:len(insts)-1]
	last := insts[len(insts)-1]

	next, err := block.Relocate(body, base)
	if err != nil {
		return 0, err
	}
	for _, b := range body {
		if _, err := mc.pool.WriteBlob(b); err != nil {
			return 0, err
		}
	}
	if err := mc.buildTerminator(last, next, orig); err != nil {
		return 0, err
	}

	// Breakpoints are spliced only once the bytes they land on are in place,
	// so a later pool write cannot overwrite them.
	for _, b := range body {
		if isStackDecrement(b) {
			decAddr := b.PC()
			mc.ctx.Register(decAddr, func(tr *tracee.Tracee, bkptAddr uint64) error {
				sp, err := tr.GetSP()
				if err != nil {
					return err
				}
				mc.round.StackTrackerFor(tr).Pre(bkptAddr, sp)
				return nil
			})
			postAddr := decAddr + uint64(b.Size())
			mc.ctx.Register(postAddr, func(tr *tracee.Tracee, _ uint64) error {
				sp, err := tr.GetSP()
				if err != nil {
					return err
				}
				return mc.round.StackTrackerFor(tr).Post(tr, decAddr, sp)
			})
		}
	}
	for _, site := range bkpts {
		sc := body[site.InstIdx]
		addr := sc.PC()
		if !site.Pre {
			addr += uint64(sc.Size())
		}
		mc.instrumentSyscallSite(site, addr)
	}
	return base, nil
}

func isStackDecrement(b *inst.Blob) bool {
	dec := b.Decoded()
	regs := dec.RegArgs()
	if len(regs) == 0 {
		return false
	}
	return regs[0].String() == "RSP" && dec.Iclass().String() != "PUSH"
}

// instrumentSyscallSite registers site's breakpoint at addr, the relocated
// pool address of the bracketed syscall instruction (spec.md §4.4, §4.8):
// the pre site logs the call, the post site is the sole trigger for
// advancing the round to its next sequence point.
func (mc *memcheck) instrumentSyscallSite(site block.BkptSite, addr uint64) {
	if site.Pre {
		mc.ctx.Register(addr, func(tr *tracee.Tracee, bkptAddr uint64) error {
			regs, err := tr.GetGPRegs()
			if err != nil {
				return err
			}
			if spec, ok := syschk.Lookup(uintptr(regs.Rax)); ok {
				mc.cfg.Debugf(2, "syscall %s", spec.Name)
			}
			return nil
		})
	} else {
		mc.ctx.Register(addr, func(tr *tracee.Tracee, bkptAddr uint64) error {
			seq := round.SequencePoint{Kind: "syscall", Addr: bkptAddr}
			_, _, err := mc.round.Advance(seq)
			return err
		})
	}
}

func (mc *memcheck) buildTerminator(last *inst.Blob, addr uint64, orig uint64) error {
	dec := last.Decoded()
	switch {
	case dec.IsRet():
		_, err := term.NewRet(mc.ctx, last)
		return err
	case dec.IsCall() && !dec.IsIndirect():
		fallthru := last.PC() + uint64(last.Size())
		_, err := term.NewDirCall(mc.ctx, last, fallthru)
		return err
	case dec.IsCall():
		fallthru := last.PC() + uint64(last.Size())
		_, err := term.NewIndCall(mc.ctx, last, fallthru)
		return err
	case dec.IsCondJump():
		fallthru := last.PC() + uint64(last.Size())
		mode := term.ParsePredictionMode(string(mc.cfg.Prediction))
		_, err := term.NewDirJcc(mc.ctx, last, fallthru, mode)
		return err
	case dec.IsJump() && !dec.IsIndirect():
		_, err := term.NewDirJmp(mc.ctx, last, last.PC())
		return err
	case dec.IsJump():
		_, err := term.NewIndJmp(mc.ctx, last, 4)
		return err
	default:
		return fmt.Errorf("memcheck: unexpected block-terminating instruction at %#x", orig)
	}
}

// segfaultHandler drives the lazy-snapshot page-protection state machine:
// on a SIGSEGV the faulting page is tracked if it was not already, and a
// Shared/RDOnly page is mprotect'd PROT_READ|PROT_WRITE and moved through
// Lock/Unlock to RDWRUnlocked before resuming (spec.md §4.7). No snapshot
// is taken here; the page's bytes are captured only by the round's next
// snapshot.Save of the tracked pages. Pages in any other tier are left as
// they are.
func (mc *memcheck) segfaultHandler(tr *tracee.Tracee, sig unix.Signal) error {
	info, err := tr.GetSigInfo()
	if err != nil {
		return err
	}
	addr := faultAddr(info)
	page, ok := mc.pages.Lookup(addr)
	if !ok {
		page = mc.pages.Track(addr)
	}
	switch {
	case page.Tier == pageset.Shared:
		if err := page.Downgrade(); err != nil {
			return err
		}
		fallthrough
	case page.Tier == pageset.RDOnly:
		if err := tr.Mprotect(pageset.PageAddr(addr), pageset.PageSize, unix.PROT_READ|unix.PROT_WRITE); err != nil {
			return err
		}
		if err := page.Lock(); err != nil {
			return err
		}
		if err := page.Unlock(); err != nil {
			return err
		}
	}
	return nil
}

// faultAddr extracts the faulting address from a raw siginfo_t buffer:
// si_addr sits at byte offset 16 for SIGSEGV on x86-64 Linux (si_signo,
// si_errno, si_code are each 4 bytes, followed by the union whose first
// member for a fault is a void* at that offset).
func faultAddr(info *tracee.Siginfo) uint64 {
	b := info[:]
	var addr uint64
	for i := 0; i < 8; i++ {
		addr |= uint64(b[16+i]) << (8 * i)
	}
	return addr
}
