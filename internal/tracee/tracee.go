// Copyright 2020 The godbi Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tracee implements the ptrace-mediated process abstraction from
// spec.md §4.1: register and memory I/O with a writeback cache, single-step/
// continue, remote syscall injection, and remote fork. It is grounded on
// _examples/original_source/src/dbi/tracee.hh's Tracee class, translated
// from ptrace(2)+/proc/<pid>/mem C++ idioms into golang.org/x/sys/unix calls
// the way the rest of this module's ambient stack is grounded on the
// teacher's (go-interpreter/wagon) Go idiom rather than its C++ shape.
package tracee

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Status describes the outcome of the most recent Wait.
type Status struct {
	Stopped  bool
	StopSig  unix.Signal
	Exited   bool
	ExitCode int
	Signaled bool
	Signal   unix.Signal
	// PtraceEvent is the high byte of the stop status for PTRACE_EVENT_*
	// stops (e.g. unix.PTRACE_EVENT_FORK), zero otherwise.
	PtraceEvent int
}

// Tracee is one attached child process together with an open descriptor onto
// its /proc/<pid>/mem file, per spec.md §4.1.
type Tracee struct {
	pid     int
	mem     *os.File
	command string

	stopped bool

	regsGood bool
	regs     unix.PtraceRegs

	fpregsGood bool
	fpregs     [512]byte // FXSAVE area; see getFPRegsRaw.
}

// Attach starts command under ptrace (PTRACE_TRACEME in the child, exactly
// as exec.Cmd.SysProcAttr.Ptrace arranges) and returns the Tracee once the
// initial SIGTRAP from execve has been consumed by the caller's first Wait.
func Attach(path string, argv []string) (*Tracee, *exec.Cmd, error) {
	return AttachEnv(path, argv, nil)
}

// AttachEnv is Attach with an explicit environment (nil means inherit the
// current process's), used to launch a tracee with LD_PRELOAD set for the
// preload shim.
func AttachEnv(path string, argv []string, env []string) (*Tracee, *exec.Cmd, error) {
	cmd := exec.Command(path, argv...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if env != nil {
		cmd.Env = env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("tracee: starting %s: %w", path, err)
	}

	t, err := Open(cmd.Process.Pid, path)
	if err != nil {
		return nil, nil, err
	}
	return t, cmd, nil
}

// Open wraps an already-stopped, already-ptrace-attached pid (used both by
// Attach and by the fork handshake in Fork).
func Open(pid int, command string) (*Tracee, error) {
	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tracee: opening /proc/%d/mem: %w", pid, err)
	}
	return &Tracee{pid: pid, mem: f, command: command, stopped: true}, nil
}

func (t *Tracee) Pid() int      { return t.pid }
func (t *Tracee) Good() bool    { return t.mem != nil }
func (t *Tracee) Stopped() bool { return t.stopped }
func (t *Tracee) Filename() string { return t.command }

// SetOptions installs ptrace options, e.g. PTRACE_O_EXITKILL|PTRACE_O_TRACEFORK
// per spec.md §5 and §6.
func (t *Tracee) SetOptions(options int) error {
	if err := unix.PtraceSetOptions(t.pid, options); err != nil {
		return fmt.Errorf("tracee: PTRACE_SETOPTIONS: %w", err)
	}
	return nil
}

// ---- Bulk memory I/O ----

// ReadMem reads len(p) bytes from the tracee at addr via pread on the mem
// file, per spec.md §4.1.
func (t *Tracee) ReadMem(addr uint64, p []byte) error {
	n, err := t.mem.ReadAt(p, int64(addr))
	if err != nil && n != len(p) {
		return fmt.Errorf("tracee: ReadMem(%#x, %d bytes): %w", addr, len(p), err)
	}
	return nil
}

// WriteMem writes p to the tracee at addr via pwrite on the mem file.
func (t *Tracee) WriteMem(addr uint64, p []byte) error {
	n, err := t.mem.WriteAt(p, int64(addr))
	if err != nil || n != len(p) {
		return fmt.Errorf("tracee: WriteMem(%#x, %d bytes): %w", addr, len(p), err)
	}
	return nil
}

// ReadV performs a scatter-gather read via preadv(2), filling bufs in
// order from consecutive tracee addresses starting at addr.
func (t *Tracee) ReadV(addr uint64, bufs [][]byte) error {
	_, err := unix.Preadv(int(t.mem.Fd()), bufs, int64(addr))
	if err != nil {
		return fmt.Errorf("tracee: preadv at %#x: %w", addr, err)
	}
	return nil
}

// WriteV performs a scatter-gather write via pwritev(2), writing bufs in
// order to consecutive tracee addresses starting at addr.
func (t *Tracee) WriteV(addr uint64, bufs [][]byte) error {
	_, err := unix.Pwritev(int(t.mem.Fd()), bufs, int64(addr))
	if err != nil {
		return fmt.Errorf("tracee: pwritev at %#x: %w", addr, err)
	}
	return nil
}

// Fill writes n copies of val starting at addr.
func (t *Tracee) Fill(val byte, addr uint64, n int) error {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = val
	}
	return t.WriteMem(addr, buf)
}

// ReadString reads a NUL-terminated string at addr, used by the syscall
// checker to size string-argument taint checks (spec.md §4.9).
func (t *Tracee) ReadString(addr uint64) (string, error) {
	const chunk = 64
	var out []byte
	buf := make([]byte, chunk)
	for {
		if err := t.ReadMem(addr+uint64(len(out)), buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b == 0 {
				return string(out), nil
			}
			out = append(out, b)
		}
	}
}

// ---- Register I/O with writeback cache ----

// GetGPRegs lazily fetches the tracee's general-purpose registers.
func (t *Tracee) GetGPRegs() (*unix.PtraceRegs, error) {
	if !t.regsGood {
		if err := unix.PtraceGetRegs(t.pid, &t.regs); err != nil {
			return nil, fmt.Errorf("tracee: PTRACE_GETREGS: %w", err)
		}
		t.regsGood = true
	}
	return &t.regs, nil
}

// SetGPRegs updates the in-process register cache; the write is flushed to
// the tracee on the next resume (Singlestep/Cont/ContSyscall).
func (t *Tracee) SetGPRegs(regs unix.PtraceRegs) {
	t.regs = regs
	t.regsGood = true
}

// FPRegs is a raw FXSAVE-format floating-point/SSE register image.
type FPRegs = [512]byte

func (t *Tracee) GetFPRegs() (*FPRegs, error) {
	if !t.fpregsGood {
		if err := t.ptraceRaw(unix.PTRACE_GETFPREGS, 0, uintptr(ptrOf(&t.fpregs))); err != nil {
			return nil, fmt.Errorf("tracee: PTRACE_GETFPREGS: %w", err)
		}
		t.fpregsGood = true
	}
	return &t.fpregs, nil
}

func (t *Tracee) SetFPRegs(fp FPRegs) {
	t.fpregs = fp
	t.fpregsGood = true
}

func (t *Tracee) GetPC() (uint64, error) {
	r, err := t.GetGPRegs()
	if err != nil {
		return 0, err
	}
	return r.Rip, nil
}

func (t *Tracee) SetPC(pc uint64) error {
	r, err := t.GetGPRegs()
	if err != nil {
		return err
	}
	r.Rip = pc
	t.SetGPRegs(*r)
	return nil
}

func (t *Tracee) GetSP() (uint64, error) {
	r, err := t.GetGPRegs()
	if err != nil {
		return 0, err
	}
	return r.Rsp, nil
}

func (t *Tracee) SetSP(sp uint64) error {
	r, err := t.GetGPRegs()
	if err != nil {
		return err
	}
	r.Rsp = sp
	t.SetGPRegs(*r)
	return nil
}

func (t *Tracee) flushCaches() error {
	if t.regsGood {
		if err := unix.PtraceSetRegs(t.pid, &t.regs); err != nil {
			return fmt.Errorf("tracee: PTRACE_SETREGS: %w", err)
		}
	}
	if t.fpregsGood {
		if err := t.ptraceRaw(unix.PTRACE_SETFPREGS, 0, uintptr(ptrOf(&t.fpregs))); err != nil {
			return fmt.Errorf("tracee: PTRACE_SETFPREGS: %w", err)
		}
	}
	return nil
}

func (t *Tracee) invalidateCaches() {
	t.regsGood = false
	t.fpregsGood = false
}

// ---- Execution control ----

func (t *Tracee) resume(op func() error) error {
	if !t.stopped {
		return fmt.Errorf("tracee: resume called while not stopped")
	}
	if err := t.flushCaches(); err != nil {
		return err
	}
	t.invalidateCaches()
	if err := op(); err != nil {
		return err
	}
	t.stopped = false
	return nil
}

func (t *Tracee) Singlestep() error {
	return t.resume(func() error { return unix.PtraceSingleStep(t.pid) })
}

func (t *Tracee) Cont() error {
	return t.resume(func() error { return unix.PtraceCont(t.pid, 0) })
}

func (t *Tracee) ContSyscall() error {
	return t.resume(func() error { return unix.PtraceSyscall(t.pid, 0) })
}

// Wait blocks until the tracee next stops, exits, or is signaled, and
// records the outcome.
func (t *Tracee) Wait() (Status, error) {
	var ws unix.WaitStatus
	_, err := unix.Wait4(t.pid, &ws, 0, nil)
	if err != nil {
		return Status{}, fmt.Errorf("tracee: wait4(%d): %w", t.pid, err)
	}
	st := Status{}
	switch {
	case ws.Exited():
		st.Exited = true
		st.ExitCode = ws.ExitStatus()
	case ws.Signaled():
		st.Signaled = true
		st.Signal = ws.Signal()
	case ws.Stopped():
		t.stopped = true
		st.Stopped = true
		st.StopSig = ws.StopSignal()
		st.PtraceEvent = ws.TrapCause()
	}
	return st, nil
}

// AssertStopSig aborts the driver (spec.md §7) if the most recent stop
// signal is not the expected one.
func (t *Tracee) AssertStopSig(got, want unix.Signal) {
	if got != want {
		panic(fmt.Sprintf("tracee %d: unexpected stop signal %v, expected %v", t.pid, got, want))
	}
}

// Siginfo is a raw siginfo_t image, sized per the Linux x86-64 ABI; callers
// that need individual fields (si_signo, si_code, ...) decode the leading
// bytes themselves the way the syscall checker decodes syscall argument
// buffers.
type Siginfo [128]byte

func (t *Tracee) GetSigInfo() (*Siginfo, error) {
	var info Siginfo
	if err := t.ptraceRaw(unix.PTRACE_GETSIGINFO, 0, uintptr(ptrOf(&info))); err != nil {
		return nil, fmt.Errorf("tracee: PTRACE_GETSIGINFO: %w", err)
	}
	return &info, nil
}

func (t *Tracee) GetEventMsg() (uint, error) {
	msg, err := unix.PtraceGetEventMsg(t.pid)
	if err != nil {
		return 0, fmt.Errorf("tracee: PTRACE_GETEVENTMSG: %w", err)
	}
	return msg, nil
}

// Close releases the /proc/<pid>/mem descriptor. It does not kill or detach
// the tracee; the dispatcher owns that lifecycle (spec.md §4.6).
func (t *Tracee) Close() error {
	if t.mem == nil {
		return nil
	}
	err := t.mem.Close()
	t.mem = nil
	return err
}

// HandoffGDB detaches from the tracee and execs `gdb <prog> <pid>`,
// implementing the -g flag from spec.md §6 and the SPEC_FULL.md §5 gdb()
// handoff. It never returns on success.
func (t *Tracee) HandoffGDB() error {
	if err := unix.PtraceDetach(t.pid); err != nil {
		return fmt.Errorf("tracee: PTRACE_DETACH before gdb handoff: %w", err)
	}
	gdbPath, err := exec.LookPath("gdb")
	if err != nil {
		return fmt.Errorf("tracee: gdb not found in PATH: %w", err)
	}
	args := []string{"gdb", t.command, fmt.Sprint(t.pid)}
	return syscall.Exec(gdbPath, args, os.Environ())
}

func (t *Tracee) ptraceRaw(request int, addr, data uintptr) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, uintptr(request), uintptr(t.pid), addr, data, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func ptrOf[T any](v *T) unsafe.Pointer { return unsafe.Pointer(v) }
