// Copyright 2020 The godbi Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package preload builds and installs the LD_PRELOAD shim every tracee
// launches with unless -no-preload is given (spec.md §6, §1 Non-goals —
// the shim's contents are out of this module's scope to reimplement from
// scratch, but installing one ahead of the tracee is ambient
// infrastructure every run needs). The shim itself must be native code
// that runs inside the tracee's address space untouched by the DBI layer,
// so it stays C, compiled on demand with the host's C compiler; this
// package's job is purely to build and wire it in, grounded on
// original_source's src/memcheck/libc.c.
package preload

import (
	_ "embed"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

//go:embed shim.c
var shimSource []byte

// Build compiles the embedded shim source into a shared object at
// outPath using the host's cc, returning outPath on success.
func Build(outPath string) (string, error) {
	dir := filepath.Dir(outPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("preload: mkdir %s: %w", dir, err)
	}
	srcPath := filepath.Join(dir, "shim.c")
	if err := os.WriteFile(srcPath, shimSource, 0o644); err != nil {
		return "", fmt.Errorf("preload: write shim source: %w", err)
	}

	cc := os.Getenv("CC")
	if cc == "" {
		cc = "cc"
	}
	cmd := exec.Command(cc, "-shared", "-fPIC", "-O2", "-o", outPath, srcPath, "-ldl")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("preload: build shim: %w: %s", err, out)
	}
	return outPath, nil
}

// Env returns the environment to launch a tracee with so it picks up the
// shim at soPath via LD_PRELOAD, appending to (not replacing) any
// existing LD_PRELOAD entries and the rest of the current environment.
func Env(soPath string) []string {
	env := os.Environ()
	existing := os.Getenv("LD_PRELOAD")
	value := soPath
	if existing != "" {
		value = existing + ":" + soPath
	}
	out := make([]string, 0, len(env)+1)
	found := false
	for _, kv := range env {
		if len(kv) > len("LD_PRELOAD=") && kv[:len("LD_PRELOAD=")] == "LD_PRELOAD=" {
			out = append(out, "LD_PRELOAD="+value)
			found = true
			continue
		}
		out = append(out, kv)
	}
	if !found {
		out = append(out, "LD_PRELOAD="+value)
	}
	return out
}
