// Copyright 2020 The godbi Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package patch implements the Patcher: the run loop that resumes every
// tracked tracee, waits for the next stop, and dispatches it — a
// breakpoint hit routes to whichever callback internal/term or
// internal/tracker registered at that address, a signal routes to a
// user-installed handler, a PTRACE_EVENT_FORK stop adopts the new child —
// then loops, removing any tracee that exited. Grounded on
// original_source's src/dbi/patch.hh/.cc Patcher class and spec.md §4.1
// ("event loop"), §4.4 and §4.10.
package patch

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/nmosier/godbi/internal/config"
	"github.com/nmosier/godbi/internal/tracee"
)

// int3 is the breakpoint opcode spliced into the code pool at every
// terminator's unresolved-destination site.
const int3 = 0xCC

// BkptHandler is called when the corresponding tracee traps on a
// breakpoint this package installed; it receives the tracee that hit it
// and must leave the tracee ready to Cont (having adjusted %rip as
// needed).
type BkptHandler func(t *tracee.Tracee, bkptAddr uint64) error

// SignalHandler is called when a tracee stops on a signal this package has
// no breakpoint registered for.
type SignalHandler func(t *tracee.Tracee, sig unix.Signal) error

// Patcher owns the set of tracked tracees, the breakpoint dispatch table,
// and the block map from original address to translated pool address.
type Patcher struct {
	cfg      *config.Config
	tracees  map[int]*tracee.Tracee
	bkpts    map[uint64]BkptHandler
	origByte map[uint64]byte // original byte a breakpoint replaced, per address
	blocks   map[uint64]uint64
	signals  map[unix.Signal]SignalHandler
	onFork   func(parent, child *tracee.Tracee) error
}

func New(cfg *config.Config) *Patcher {
	return &Patcher{
		cfg:      cfg,
		tracees:  make(map[int]*tracee.Tracee),
		bkpts:    make(map[uint64]BkptHandler),
		origByte: make(map[uint64]byte),
		blocks:   make(map[uint64]uint64),
		signals:  make(map[unix.Signal]SignalHandler),
	}
}

// AddTracee registers t for the run loop to poll.
func (p *Patcher) AddTracee(t *tracee.Tracee) {
	p.tracees[t.Pid()] = t
}

// RemoveTracee drops a tracee, called once it has exited.
func (p *Patcher) RemoveTracee(pid int) {
	delete(p.tracees, pid)
}

func (p *Patcher) NTracees() int { return len(p.tracees) }

// OnSignal installs a handler for a signal not otherwise claimed by a
// breakpoint (e.g. SIGSEGV, routed by cmd/memcheck to the page-fault
// handler that drives the lazy-snapshot state machine).
func (p *Patcher) OnSignal(sig unix.Signal, h SignalHandler) {
	p.signals[sig] = h
}

// OnFork installs the callback run whenever a tracee forks while being
// traced (spec.md §4.10 start_round), receiving the parent and the newly
// adopted child.
func (p *Patcher) OnFork(f func(parent, child *tracee.Tracee) error) {
	p.onFork = f
}

// RegisterBkpt splices an int3 at addr in t (saving the byte it replaces)
// and records h as the handler to invoke when it traps. This is the
// RegisterBkpt callback every internal/term constructor is given.
func (p *Patcher) RegisterBkpt(t *tracee.Tracee, addr uint64, h BkptHandler) error {
	if _, ok := p.bkpts[addr]; ok {
		p.bkpts[addr] = h
		return nil
	}
	var orig [1]byte
	if err := t.ReadMem(addr, orig[:]); err != nil {
		return fmt.Errorf("patch: RegisterBkpt: read at %#x: %w", addr, err)
	}
	p.origByte[addr] = orig[0]
	if err := t.WriteMem(addr, []byte{int3}); err != nil {
		return fmt.Errorf("patch: RegisterBkpt: write at %#x: %w", addr, err)
	}
	p.bkpts[addr] = h
	return nil
}

// UnregisterBkpt restores the original byte at addr, used when a
// terminator resolves permanently and no longer needs the fallback trap.
func (p *Patcher) UnregisterBkpt(t *tracee.Tracee, addr uint64) error {
	orig, ok := p.origByte[addr]
	if !ok {
		return nil
	}
	delete(p.bkpts, addr)
	delete(p.origByte, addr)
	return t.WriteMem(addr, []byte{orig})
}

// LookupBlock adapts the patcher's block map into the term.LookupBlock
// shape, translating via translate on a miss and caching the result.
func (p *Patcher) LookupBlock(orig uint64, translate func(orig uint64) (uint64, error)) (uint64, error) {
	if addr, ok := p.blocks[orig]; ok {
		return addr, nil
	}
	addr, err := translate(orig)
	if err != nil {
		return 0, err
	}
	p.blocks[orig] = addr
	return addr, nil
}

// ProbeBlock reports whether orig has already been translated, without
// translating it.
func (p *Patcher) ProbeBlock(orig uint64) (uint64, bool) {
	addr, ok := p.blocks[orig]
	return addr, ok
}

func (p *Patcher) InsertBlock(orig, poolAddr uint64) {
	p.blocks[orig] = poolAddr
}

// handleBkptTrap is called once a SIGTRAP stop's %rip-1 is found in the
// breakpoint table: it rewinds %rip past the int3, restores the original
// byte, invokes the handler, then (unless the handler removed the
// breakpoint) re-arms it and single-steps over the restored instruction
// before continuing, so the trap remains in place for the next hit.
func (p *Patcher) handleBkptTrap(t *tracee.Tracee, trapAddr uint64) error {
	h, ok := p.bkpts[trapAddr]
	if !ok {
		return fmt.Errorf("patch: no handler registered for breakpoint at %#x", trapAddr)
	}
	t.SetPC(trapAddr)

	orig, hadByte := p.origByte[trapAddr]
	if hadByte {
		if err := t.WriteMem(trapAddr, []byte{orig}); err != nil {
			return err
		}
	}

	if err := h(t, trapAddr); err != nil {
		return fmt.Errorf("patch: breakpoint handler at %#x: %w", trapAddr, err)
	}

	if _, stillArmed := p.bkpts[trapAddr]; stillArmed && hadByte {
		if pc, err := currentPC(t); err == nil && pc == trapAddr {
			if err := t.Singlestep(); err != nil {
				return err
			}
			if _, err := t.Wait(); err != nil {
				return err
			}
		}
		if err := t.WriteMem(trapAddr, []byte{int3}); err != nil {
			return err
		}
	}
	return nil
}

func currentPC(t *tracee.Tracee) (uint64, error) {
	regs, err := t.GetGPRegs()
	if err != nil {
		return 0, err
	}
	return regs.Rip, nil
}

// Step resumes every tracked tracee once, waits for its next stop, and
// dispatches the stop to the appropriate handler. It is the body of the
// event loop; Run below repeats it until every tracee has exited.
func (p *Patcher) Step() error {
	for pid, t := range p.tracees {
		if err := t.Cont(); err != nil {
			return fmt.Errorf("patch: cont pid %d: %w", pid, err)
		}
		st, err := t.Wait()
		if err != nil {
			return fmt.Errorf("patch: wait pid %d: %w", pid, err)
		}

		switch {
		case st.Exited || st.Signaled:
			p.RemoveTracee(pid)
			continue

		case st.PtraceEvent == unix.PTRACE_EVENT_FORK && p.onFork != nil:
			msg, err := t.GetEventMsg()
			if err != nil {
				return err
			}
			child, err := tracee.Open(int(msg), t.Filename())
			if err != nil {
				return err
			}
			p.AddTracee(child)
			if err := p.onFork(t, child); err != nil {
				return err
			}

		case st.StopSig == unix.SIGTRAP:
			regs, err := t.GetGPRegs()
			if err != nil {
				return err
			}
			trapAddr := regs.Rip - 1
			if _, ok := p.bkpts[trapAddr]; ok {
				if err := p.handleBkptTrap(t, trapAddr); err != nil {
					return err
				}
			} else if h, ok := p.signals[unix.SIGTRAP]; ok {
				if err := h(t, unix.SIGTRAP); err != nil {
					return err
				}
			}

		default:
			if h, ok := p.signals[st.StopSig]; ok {
				if err := h(t, st.StopSig); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Run drives Step until every tracee has exited.
func (p *Patcher) Run() error {
	for p.NTracees() > 0 {
		if err := p.Step(); err != nil {
			return err
		}
	}
	return nil
}
