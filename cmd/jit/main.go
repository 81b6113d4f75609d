// Copyright 2020 The godbi Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command jit runs a target program under the block-by-block translator
// with no instrumentation added beyond what translation itself requires:
// every block is decoded, relocated into the code pool, and dispatched
// via its terminator, exactly as MemCheck does, but without trackers or
// dual execution. It exists to validate the DBI layer on its own, the way
// original_source's src/jit-main.cc exercised dbi::Patcher in isolation.
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
	"github.com/nmosier/godbi/internal/patch"
	"github.com/nmosier/godbi/internal/term"
	"github.com/nmosier/godbi/internal/tracee"
	"github.com/nmosier/godbi/internal/usermem"
)

func main() {
	fs := flag.NewFlagSet("jit", flag.ExitOnError)
	cfg := config.RegisterFlags(fs)
	fs.Parse(os.Args[1:])
	if err := cfg.Finish(); err != nil {
		log.Fatalf("jit: %v", err)
	}

	args := fs.Args()
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "usage: jit [flags] command [args...]\n")
		os.Exit(2)
	}

	if t, err := run(cfg, args[0], args); err != nil {
		if cfg.GDBOnFatal && t != nil {
			cfg.Logger.Printf("jit: fatal error, handing off to gdb: %v", err)
			if herr := t.HandoffGDB(); herr != nil {
				log.Fatalf("jit: gdb handoff failed: %v (original error: %v)", herr, err)
			}
			return
		}
		log.Fatalf("jit: %v", err)
	}
}

func run(cfg *config.Config, path string, argv []string) (*tracee.Tracee, error) {
	t, cmd, err := tracee.Attach(path, argv)
	if err != nil {
		return nil, err
	}
	_ = cmd
	if err := t.SetOptions(unix.PTRACE_O_EXITKILL | unix.PTRACE_O_TRACEFORK); err != nil {
		return t, err
	}

	code, err := usermem.NewCodePool(t)
	if err != nil {
		return t, err
	}
	pool := block.NewPool(t, code)

	p := patch.New(cfg)
	p.AddTracee(t)

	rsb, err := term.NewRSB(pool)
	if err != nil {
		return t, err
	}
	ctx := &term.Context{
		Pool:     pool,
		RSB:      rsb,
		WriteMem: t.WriteMem,
		Register: func(addr uint64, h term.BkptHandler) {
			if err := p.RegisterBkpt(t, addr, patch.BkptHandler(h)); err != nil {
				cfg.Logger.Printf("jit: registering breakpoint at %#x: %v", addr, err)
			}
		},
	}
	ctx.Lookup = func(orig uint64) (uint64, error) {
		return p.LookupBlock(orig, func(o uint64) (uint64, error) {
			return translate(cfg, t, pool, p, ctx, o)
		})
	}
	ctx.Probe = func(orig uint64) (uint64, bool) { return p.ProbeBlock(orig) }

	entry, err := t.GetPC()
	if err != nil {
		return t, err
	}
	entryPool, err := ctx.Lookup(entry)
	if err != nil {
		return t, err
	}
	t.SetPC(entryPool)

	return t, p.Run()
}

func translate(cfg *config.Config, t *tracee.Tracee, pool *block.Pool, p *patch.Patcher, ctx *term.Context, orig uint64) (uint64, error) {
	tr := &block.Translator{Read: func(addr uint64, n int) ([]byte, error) {
		buf := make([]byte, n)
		if err := t.ReadMem(addr, buf); err != nil {
			return nil, err
		}
		return buf, nil
	}}
	insts, _, err := tr.Translate(orig)
	if err != nil {
		return 0, err
	}

	base := pool.Peek()
	p.InsertBlock(orig, base)

	body := insts[:len(insts)-1]
	last := insts[len(insts)-1]

	next, err := block.Relocate(body, base)
	if err != nil {
		return 0, err
	}
	for _, b := range body {
		if _, err := pool.WriteBlob(b); err != nil {
			return 0, err
		}
	}

	if err := buildTerminator(ctx, last, next, orig); err != nil {
		return 0, err
	}
	if cfg.Trace {
		cfg.Debugf(1, "translated block %#x -> %#x", orig, base)
	}
	return base, nil
}

func buildTerminator(ctx *term.Context, last *inst.Blob, _ uint64, orig uint64) error {
	dec := last.Decoded()
	switch {
	case dec.IsRet():
		_, err := term.NewRet(ctx, last)
		return err
	case dec.IsCall() && !dec.IsIndirect():
		fallthru := last.PC() + uint64(last.Size())
		_, err := term.NewDirCall(ctx, last, fallthru)
		return err
	case dec.IsCall():
		fallthru := last.PC() + uint64(last.Size())
		_, err := term.NewIndCall(ctx, last, fallthru)
		return err
	case dec.IsCondJump():
		fallthru := last.PC() + uint64(last.Size())
		_, err := term.NewDirJcc(ctx, last, fallthru, term.PredictNone)
		return err
	case dec.IsJump() && !dec.IsIndirect():
		_, err := term.NewDirJmp(ctx, last, last.PC())
		return err
	case dec.IsJump():
		_, err := term.NewIndJmp(ctx, last, 4)
		return err
	default:
		return fmt.Errorf("jit: unexpected block-terminating instruction at %#x", orig)
	}
}
