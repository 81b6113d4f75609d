// Copyright 2020 The godbi Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package maps parses /proc/<pid>/maps, the tracee's memory map, read by
// cmd/memcheck at startup and used to dump a snapshot of the tracee's
// layout for the `-m FILE` CLI flag (spec.md §6, §1 Non-goals —
// maps parsing is explicitly out of scope as a first-class feature, but
// MemCheck still needs it as ambient scaffolding to know what is mapped).
// Grounded on original_source's src/maps.hh/.cc Maps/Map classes.
package maps

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Map is one /proc/pid/maps line's address range, permissions, and path.
type Map struct {
	Begin, End       uint64
	Read, Write, Exec, Shared bool
	Offset           uint64
	Path             string
}

func (m Map) Size() uint64 { return m.End - m.Begin }

func (m Map) Contains(addr uint64) bool { return addr >= m.Begin && addr < m.End }

// Read parses /proc/<pid>/maps in full.
func Read(pid int) ([]Map, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, fmt.Errorf("maps: open: %w", err)
	}
	defer f.Close()

	var out []Map
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		m, err := parseLine(sc.Text())
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("maps: scan: %w", err)
	}
	return out, nil
}

func parseLine(line string) (Map, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Map{}, fmt.Errorf("maps: malformed line %q", line)
	}
	rng := strings.SplitN(fields[0], "-", 2)
	if len(rng) != 2 {
		return Map{}, fmt.Errorf("maps: malformed range %q", fields[0])
	}
	begin, err := strconv.ParseUint(rng[0], 16, 64)
	if err != nil {
		return Map{}, err
	}
	end, err := strconv.ParseUint(rng[1], 16, 64)
	if err != nil {
		return Map{}, err
	}
	perms := fields[1]
	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return Map{}, err
	}
	m := Map{
		Begin: begin, End: end, Offset: offset,
		Read: strings.Contains(perms, "r"), Write: strings.Contains(perms, "w"),
		Exec: strings.Contains(perms, "x"), Shared: strings.Contains(perms, "s"),
	}
	if len(fields) >= 6 {
		m.Path = fields[5]
	}
	return m, nil
}

// Dump writes every map of pid to path, one line per entry, for the `-m
// FILE` flag (spec.md §6).
func Dump(pid int, path string) error {
	maps, err := Read(pid)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("maps: dump: create %s: %w", path, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, m := range maps {
		fmt.Fprintf(w, "%016x-%016x %s %08x %s\n", m.Begin, m.End, permString(m), m.Offset, m.Path)
	}
	return w.Flush()
}

func permString(m Map) string {
	b := []byte("----")
	if m.Read {
		b[0] = 'r'
	}
	if m.Write {
		b[1] = 'w'
	}
	if m.Exec {
		b[2] = 'x'
	}
	if m.Shared {
		b[3] = 's'
	} else {
		b[3] = 'p'
	}
	return string(b)
}

// FindByPath returns the first map whose path contains needle, e.g.
// "[vdso]" or "[vvar]".
func FindByPath(ms []Map, needle string) (Map, bool) {
	for _, m := range ms {
		if strings.Contains(m.Path, needle) {
			return m, true
		}
	}
	return Map{}, false
}
