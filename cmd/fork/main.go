// Copyright 2020 The godbi Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command fork is a diagnostic harness for internal/tracee's remote-fork
// machinery: it runs a target untranslated under the patcher, and whenever
// the target stops with a SIGTRAP that is not at a breakpoint it logs %rax
// as a syscall number and forks the tracee with tracee.Fork. The OnFork
// callback logs both pids only for fork events the patcher's own loop
// receives. With -syscalls=false no SIGTRAP handler is installed and
// nothing is forked. It exists to exercise
// tracee.Fork in isolation from the rest of MemCheck's round logic,
// mirroring original_source's src/fork-main.cc.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"golang.org/x/sys/unix"

	"github.com/nmosier/godbi/internal/config"
	"github.com/nmosier/godbi/internal/patch"
	"github.com/nmosier/godbi/internal/syschk"
	"github.com/nmosier/godbi/internal/tracee"
)

func main() {
	fs := flag.NewFlagSet("fork", flag.ExitOnError)
	cfg := config.RegisterFlags(fs)
	logSyscalls := fs.Bool("syscalls", true, "log syscalls before forking")
	fs.Parse(os.Args[1:])
	if err := cfg.Finish(); err != nil {
		log.Fatalf("fork: %v", err)
	}

	args := fs.Args()
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "usage: fork [flags] command [args...]\n")
		os.Exit(2)
	}

	if err := run(cfg, args[0], args, *logSyscalls); err != nil {
		log.Fatalf("fork: %v", err)
	}
}

func run(cfg *config.Config, path string, argv []string, logSyscalls bool) error {
	t, cmd, err := tracee.Attach(path, argv)
	if err != nil {
		return err
	}
	_ = cmd
	if err := t.SetOptions(unix.PTRACE_O_EXITKILL | unix.PTRACE_O_TRACEFORK); err != nil {
		return err
	}

	p := patch.New(cfg)
	p.AddTracee(t)
	p.OnFork(func(parent, child *tracee.Tracee) error {
		cfg.Logger.Printf("forked pid=%d -> pid=%d", parent.Pid(), child.Pid())
		return nil
	})

	if logSyscalls {
		p.OnSignal(unix.SIGTRAP, func(tr *tracee.Tracee, sig unix.Signal) error {
			regs, err := tr.GetGPRegs()
			if err != nil {
				return err
			}
			if spec, ok := syschk.Lookup(uintptr(regs.Rax)); ok {
				cfg.Logger.Printf("syscall %s (pid %d)", spec.Name, tr.Pid())
			} else {
				cfg.Logger.Printf("syscall #%d (pid %d)", regs.Rax, tr.Pid())
			}
			if _, err := tr.Fork(); err != nil {
				return fmt.Errorf("fork: on-syscall fork: %w", err)
			}
			return nil
		})
	}

	return p.Run()
}
