// Copyright 2020 The godbi Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tracee

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// syscallOpcode is the 2-byte `syscall` instruction (0F 05) that RemoteSyscall
// and Fork splice into the tracee's instruction stream, per spec.md §4.1.
var syscallOpcode = [2]byte{0x0F, 0x05}

// RemoteSyscall injects a SYS_<no> syscall into the tracee: it overwrites
// two bytes at %rip with `0f 05`, single-steps once, then restores the
// original bytes and registers. The syscall's return value in %rax is
// extracted before the registers are restored.
func (t *Tracee) RemoteSyscall(no uintptr, args ...uintptr) (uintptr, error) {
	var a [6]uintptr
	copy(a[:], args)

	savedRegs, err := t.GetGPRegs()
	if err != nil {
		return 0, err
	}
	regsCopy := *savedRegs

	pc := regsCopy.Rip
	var savedBytes [2]byte
	if err := t.ReadMem(pc, savedBytes[:]); err != nil {
		return 0, fmt.Errorf("tracee: RemoteSyscall: saving bytes at %#x: %w", pc, err)
	}
	if err := t.WriteMem(pc, syscallOpcode[:]); err != nil {
		return 0, fmt.Errorf("tracee: RemoteSyscall: writing syscall stub: %w", err)
	}

	injected := regsCopy
	injected.Rax = uint64(no)
	injected.Rdi, injected.Rsi, injected.Rdx = uint64(a[0]), uint64(a[1]), uint64(a[2])
	injected.R10, injected.R8, injected.R9 = uint64(a[3]), uint64(a[4]), uint64(a[5])
	injected.Rip = pc
	t.SetGPRegs(injected)

	if err := t.Singlestep(); err != nil {
		return 0, fmt.Errorf("tracee: RemoteSyscall: singlestep: %w", err)
	}
	st, err := t.Wait()
	if err != nil {
		return 0, err
	}
	if st.Exited || st.Signaled {
		return 0, fmt.Errorf("tracee: RemoteSyscall: tracee died during injection (exited=%v signaled=%v)", st.Exited, st.Signaled)
	}
	t.AssertStopSig(st.StopSig, unix.SIGTRAP)

	result, err := t.GetGPRegs()
	if err != nil {
		return 0, err
	}
	rv := result.Rax

	if err := t.WriteMem(pc, savedBytes[:]); err != nil {
		return 0, fmt.Errorf("tracee: RemoteSyscall: restoring bytes at %#x: %w", pc, err)
	}
	t.SetGPRegs(regsCopy)

	return uintptr(rv), nil
}

// Mmap, Mprotect and Munmap are thin RemoteSyscall wrappers used to
// establish and change tracee-resident mappings.
func (t *Tracee) Mmap(addr, length uint64, prot, flags int, fd int, offset int64) (uint64, error) {
	rv, err := t.RemoteSyscall(unix.SYS_MMAP, uintptr(addr), uintptr(length), uintptr(prot), uintptr(flags), uintptr(fd), uintptr(offset))
	if err != nil {
		return 0, err
	}
	if int64(rv) < 0 && int64(rv) > -4096 {
		return 0, fmt.Errorf("tracee: mmap failed: errno %d", -int64(rv))
	}
	return uint64(rv), nil
}

func (t *Tracee) Mprotect(addr, length uint64, prot int) error {
	rv, err := t.RemoteSyscall(unix.SYS_MPROTECT, uintptr(addr), uintptr(length), uintptr(prot))
	if err != nil {
		return err
	}
	if int64(rv) < 0 {
		return fmt.Errorf("tracee: mprotect(%#x, %#x, %#o) failed: errno %d", addr, length, prot, -int64(rv))
	}
	return nil
}

func (t *Tracee) Munmap(addr, length uint64) error {
	rv, err := t.RemoteSyscall(unix.SYS_MUNMAP, uintptr(addr), uintptr(length))
	if err != nil {
		return err
	}
	if int64(rv) < 0 {
		return fmt.Errorf("tracee: munmap(%#x, %#x) failed: errno %d", addr, length, -int64(rv))
	}
	return nil
}

// Fork injects a SYS_fork into the tracee and completes the
// PTRACE_EVENT_FORK handshake: the injecting call itself traps once the
// injected syscall executes, and the new child's pid arrives via
// GetEventMsg; the child is then waited on independently for its own
// initial stop before being returned as an attached Tracee, per spec.md
// §4.1 and §4.10 start_round.
func (t *Tracee) Fork() (*Tracee, error) {
	savedRegs, err := t.GetGPRegs()
	if err != nil {
		return nil, err
	}
	regsCopy := *savedRegs

	pc := regsCopy.Rip
	var savedBytes [2]byte
	if err := t.ReadMem(pc, savedBytes[:]); err != nil {
		return nil, fmt.Errorf("tracee: Fork: saving bytes: %w", err)
	}
	if err := t.WriteMem(pc, syscallOpcode[:]); err != nil {
		return nil, fmt.Errorf("tracee: Fork: writing syscall stub: %w", err)
	}

	injected := regsCopy
	injected.Rax = unix.SYS_FORK
	injected.Rip = pc
	t.SetGPRegs(injected)

	if err := t.Singlestep(); err != nil {
		return nil, fmt.Errorf("tracee: Fork: singlestep into fork: %w", err)
	}
	st, err := t.Wait()
	if err != nil {
		return nil, err
	}
	if st.PtraceEvent != unix.PTRACE_EVENT_FORK {
		return nil, fmt.Errorf("tracee: Fork: expected PTRACE_EVENT_FORK, got event %d (stopsig=%v)", st.PtraceEvent, st.StopSig)
	}

	childPidMsg, err := t.GetEventMsg()
	if err != nil {
		return nil, err
	}
	childPid := int(childPidMsg)

	// The fork-event trap leaves the parent one instruction past the
	// syscall; single-step once more to land past it cleanly before
	// restoring state.
	if err := t.Singlestep(); err != nil {
		return nil, fmt.Errorf("tracee: Fork: singlestep past fork: %w", err)
	}
	if _, err := t.Wait(); err != nil {
		return nil, err
	}

	if err := t.WriteMem(pc, savedBytes[:]); err != nil {
		return nil, fmt.Errorf("tracee: Fork: restoring bytes: %w", err)
	}
	t.SetGPRegs(regsCopy)

	child, err := Open(childPid, t.command)
	if err != nil {
		return nil, err
	}
	if _, err := child.Wait(); err != nil {
		return nil, err
	}
	// The child is already a ptrace child of this process by virtue of
	// PTRACE_O_TRACEFORK; it is stopped at its own fork-completion trap.
	child.stopped = true
	if err := child.WriteMem(pc, savedBytes[:]); err != nil {
		return nil, fmt.Errorf("tracee: Fork: restoring child bytes: %w", err)
	}
	child.SetGPRegs(regsCopy)
	if err := child.SetOptions(unix.PTRACE_O_EXITKILL | unix.PTRACE_O_TRACEFORK); err != nil {
		return nil, err
	}
	return child, nil
}
