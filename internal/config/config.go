// Copyright 2020 The godbi Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config holds the flags shared by every cmd/* entrypoint and the
// process-wide diagnostic logger they configure.
//
// This mirrors the teacher's approach in cmd/wasm-run (a flag.FlagSet parsed
// in main, a package-level logger configured once) generalized to a struct
// that is threaded through constructors instead of read from globals; see
// DESIGN.md for why we deviate from a bare global here.
package config

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
)

// PredictionMode selects how DirJcc terminators speculatively resolve their
// two arms before either has actually been taken.
type PredictionMode string

const (
	PredictNone        PredictionMode = "none"
	PredictIclass      PredictionMode = "iclass"
	PredictIform       PredictionMode = "iform"
	PredictDirection   PredictionMode = "dir"
	PredictLastIclass  PredictionMode = "last_iclass"
)

// SSTrigger arms the -s/-x single-step/trace mode after a syscall has been
// observed N times, per --ss-syscall=SYS,N.
type SSTrigger struct {
	Syscall string
	Count   int
}

// Config is constructed once by main() and passed to every constructor that
// needs it; no package holds a package-level copy.
//
// Profile, SingleStep, TraceDiff, DumpBkptHits, DumpJccBkpts and SSTrigger
// are parsed and stored but not read by any package in this module; Trace
// only gates a per-block debug line in cmd/jit.
type Config struct {
	GDBOnFatal     bool
	Profile        bool
	SingleStep     bool
	Trace          bool
	TraceDiff      bool
	DumpBkptHits   bool
	DumpJccBkpts   bool
	LogPath        string
	MapsPath       string
	Verbosity      int
	Prediction     PredictionMode
	SSTrigger      *SSTrigger
	NoPreload      bool
	AbortOnTaint   bool

	Logger *log.Logger
}

// RegisterFlags installs the common flag set documented in spec.md §6 onto
// fs, returning a Config populated from their defaults. Call fs.Parse and
// then Finish to resolve the logger.
func RegisterFlags(fs *flag.FlagSet) *Config {
	c := &Config{Prediction: PredictNone}

	fs.BoolVar(&c.GDBOnFatal, "g", false, "on fatal, detach and exec `gdb <prog> <pid>`")
	fs.BoolVar(&c.Profile, "p", false, "enable CPU profiling output")
	fs.BoolVar(&c.SingleStep, "s", false, "single-step every instruction")
	fs.BoolVar(&c.Trace, "x", false, "emit an execution trace")
	fs.BoolVar(&c.TraceDiff, "d", false, "emit trace in diff-friendly form (requires -x)")
	fs.BoolVar(&c.DumpBkptHits, "b", false, "dump single-step breakpoint hits")
	fs.BoolVar(&c.DumpJccBkpts, "j", false, "dump conditional-branch breakpoint decisions")
	fs.StringVar(&c.LogPath, "l", "", "redirect diagnostic log to FILE")
	fs.StringVar(&c.MapsPath, "m", "", "save tracee maps to FILE once at startup (memcheck only)")
	fs.BoolFunc("v", "increase verbosity (repeatable)", func(string) error {
		c.Verbosity++
		return nil
	})
	fs.Func("prediction-mode", "one of none|iclass|iform|dir|last_iclass", func(s string) error {
		switch PredictionMode(s) {
		case PredictNone, PredictIclass, PredictIform, PredictDirection, PredictLastIclass:
			c.Prediction = PredictionMode(s)
			return nil
		default:
			return fmt.Errorf("config: unknown prediction mode %q", s)
		}
	})
	fs.Func("ss-syscall", "SYS,N: enable -s -x after N occurrences of SYS", func(s string) error {
		name, count, ok := strings.Cut(s, ",")
		n, err := strconv.Atoi(count)
		if !ok || name == "" || err != nil {
			return fmt.Errorf("config: invalid --ss-syscall value %q", s)
		}
		c.SSTrigger = &SSTrigger{Syscall: name, Count: n}
		return nil
	})
	fs.BoolVar(&c.NoPreload, "no-preload", false, "skip installing LD_PRELOAD to the libc shim")
	abortEnv := os.Getenv("ABORT_ON_TAINT") == "true"
	fs.BoolVar(&c.AbortOnTaint, "abort-on-taint", abortEnv, "abort the run on the first confirmed taint violation")

	return c
}

// Finish resolves the logger from LogPath (stderr by default) and must be
// called once flags are parsed.
func (c *Config) Finish() error {
	var w io.Writer = os.Stderr
	if c.LogPath != "" {
		f, err := os.OpenFile(c.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("config: opening log file: %w", err)
		}
		w = f
	}
	flags := log.Ldate | log.Ltime
	if c.Verbosity > 0 {
		flags |= log.Lshortfile
	}
	c.Logger = log.New(w, "", flags)
	return nil
}

// Debugf logs only when verbosity is at least level.
func (c *Config) Debugf(level int, format string, args ...interface{}) {
	if c.Verbosity >= level {
		c.Logger.Printf(format, args...)
	}
}
