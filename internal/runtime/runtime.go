// Copyright 2022 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package runtime owns the sandboxed child process: spawning it under
// ptrace, committing assembled instructions into its code region,
// single-stepping it, and reading/writing its registers and memory. This is
// the Linux ptrace analogue of the original's Windows debug-event API
// (CreateProcess + suspended-thread register access).
package runtime

import (
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"

	"github.com/samber/lo"
	"golang.org/x/sys/unix"

	"github.com/gorse-io/inasm64/internal/ierr"
)

// TrapModeArgumentValue is the sentinel argv[1] value that tells a re-exec
// of this same binary to become the sandboxed child instead of starting a
// fresh CLI session.
const TrapModeArgumentValue = "262"

// CommittedInstruction is one assembled line staged into the child's code
// region.
type CommittedInstruction struct {
	Line    int
	Address uintptr
	Bytes   []byte
}

// DataRegion is a block of memory allocated inside the child for scratch
// data (the equivalent of runtime::AllocateMemory).
type DataRegion struct {
	Address uintptr
	Size    int
}

// Snapshot is a GPR/flags/segment register snapshot used to compute
// ChangedRegisters between two steps.
type Snapshot struct {
	Regs unix.PtraceRegs
}

// Runtime owns one sandboxed child process.
type Runtime struct {
	mu sync.Mutex

	cmd *exec.Cmd
	pid int

	codeBase uintptr
	codeSize int
	code     []CommittedInstruction
	nextAddr uintptr

	dataRegions []DataRegion

	cursor   uintptr
	lastSnap Snapshot
	started  bool
}

// DefaultCodeSize and DefaultDataSize mirror the original's 8192-byte
// scratch pad default, split between a code region and an initial data
// region.
const (
	DefaultCodeSize = 4096
	DefaultDataSize = 4096
)

// New constructs a Runtime with the given code-region capacity. codeSize <=
// 0 selects DefaultCodeSize.
func New(codeSize int) *Runtime {
	if codeSize <= 0 {
		codeSize = DefaultCodeSize
	}
	return &Runtime{codeSize: codeSize}
}

// Start spawns this same executable re-invoked with the trap-mode sentinel
// argument, attaches via ptrace, and waits for the initial post-execve
// SIGTRAP, then allocates the code region.
func (r *Runtime) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	self, err := os.Executable()
	if err != nil {
		wrapped := ierr.ErrSystemError
		ierr.Set(wrapped)
		return wrapped
	}

	cmd := exec.Command(self, TrapModeArgumentValue)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}
	if err := cmd.Start(); err != nil {
		wrapped := ierr.ErrSystemError
		ierr.Set(wrapped)
		return wrapped
	}

	var ws unix.WaitStatus
	pid, err := unix.Wait4(cmd.Process.Pid, &ws, 0, nil)
	if err != nil || pid != cmd.Process.Pid || !ws.Stopped() {
		wrapped := ierr.ErrSystemError
		ierr.Set(wrapped)
		return wrapped
	}

	r.cmd = cmd
	r.pid = pid
	r.started = true

	addr, err := r.mmapInChild(r.codeSize, true)
	if err != nil {
		return err
	}
	r.codeBase = addr
	r.nextAddr = addr
	r.cursor = addr
	if err := r.setInstructionPointerLocked(addr); err != nil {
		return err
	}

	snap, err := r.snapshot()
	if err == nil {
		r.lastSnap = snap
	}
	return nil
}

// Shutdown detaches and kills the child, the equivalent of runtime::Shutdown.
func (r *Runtime) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil
	}
	_ = unix.PtraceDetach(r.pid)
	if r.cmd != nil && r.cmd.Process != nil {
		_ = r.cmd.Process.Kill()
		_, _ = r.cmd.Process.Wait()
	}
	r.started = false
	return nil
}

// Reset re-starts the child from scratch, discarding committed code and
// data regions, matching runtime::Reset.
func (r *Runtime) Reset() error {
	if err := r.Shutdown(); err != nil {
		return err
	}
	r.mu.Lock()
	r.code = nil
	r.dataRegions = nil
	r.mu.Unlock()
	return r.Start()
}

func (r *Runtime) requireStarted() error {
	if !r.started {
		err := ierr.ErrRuntimeUninitialised
		ierr.Set(err)
		return err
	}
	return nil
}

// AddInstruction stages bytes at the next free code address and returns its
// address, without advancing the execution cursor (equivalent to
// runtime::AddInstruction before CommmitInstructions).
func (r *Runtime) AddInstruction(line int, bytes []byte) (uintptr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireStarted(); err != nil {
		return 0, err
	}
	if int(r.nextAddr-r.codeBase)+len(bytes) > r.codeSize {
		err := ierr.ErrCodeBufferOverflow
		ierr.Set(err)
		return 0, err
	}
	addr := r.nextAddr
	if err := r.writeBytesLocked(addr, bytes); err != nil {
		return 0, err
	}
	r.code = append(r.code, CommittedInstruction{Line: line, Address: addr, Bytes: bytes})
	r.nextAddr += uintptr(len(bytes))
	return addr, nil
}

// SetNextExecuteLine repositions the single-step cursor to the address of a
// previously committed line.
func (r *Runtime) SetNextExecuteLine(line int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ci := range r.code {
		if ci.Line == line {
			r.cursor = ci.Address
			return r.setInstructionPointerLocked(ci.Address)
		}
	}
	err := ierr.ErrInvalidAddress
	ierr.Set(err)
	return err
}

// SetNextAddress repositions the single-step cursor to an arbitrary address
// within the committed code region, rejecting anything else with
// ErrInvalidAddress per the "p <address>" safe-policy decision.
func (r *Runtime) SetNextAddress(addr uintptr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireStarted(); err != nil {
		return err
	}
	if addr < r.codeBase || addr >= r.nextAddr {
		err := ierr.ErrInvalidAddress
		ierr.Set(err)
		return err
	}
	r.cursor = addr
	return r.setInstructionPointerLocked(addr)
}

// NextInstructionIndex returns the {line, address} of the instruction the
// next Step will execute.
func (r *Runtime) NextInstructionIndex() (int, uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ci := range r.code {
		if ci.Address == r.cursor {
			return ci.Line, ci.Address
		}
	}
	return -1, r.cursor
}

// InstructionPointer returns the child's current RIP.
func (r *Runtime) InstructionPointer() (uintptr, error) {
	snap, err := r.Snapshot()
	if err != nil {
		return 0, err
	}
	return uintptr(snap.Regs.Rip), nil
}

// Step single-steps the child by one instruction and returns the set of
// changed registers since the previous step.
func (r *Runtime) Step() ([]ChangedRegister, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireStarted(); err != nil {
		return nil, err
	}

	before := r.lastSnap
	if err := unix.PtraceSingleStep(r.pid); err != nil {
		wrapped := ierr.ErrSystemError
		ierr.Set(wrapped)
		return nil, wrapped
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(r.pid, &ws, 0, nil); err != nil {
		wrapped := ierr.ErrSystemError
		ierr.Set(wrapped)
		return nil, wrapped
	}
	switch {
	case ws.Exited():
		err := ierr.ErrSystemError
		ierr.Set(err)
		return nil, err
	case ws.Signaled():
		err := ierr.ErrSystemError
		ierr.Set(err)
		return nil, err
	case ws.StopSignal() == unix.SIGSEGV:
		err := ierr.ErrAccessViolation
		ierr.Set(err)
		return nil, err
	}

	after, err := r.snapshot()
	if err != nil {
		return nil, err
	}
	r.lastSnap = after
	r.cursor = uintptr(after.Regs.Rip)
	return diffRegisters(before, after), nil
}

// ChangedRegister names one register and its new value after a Step.
type ChangedRegister struct {
	Name  string
	Value uint64
}

// diffRegisters compares the named GPRs of two snapshots and reports the
// ones that changed, sorted by name for stable display.
func diffRegisters(before, after Snapshot) []ChangedRegister {
	pairs := []lo.Tuple2[string, [2]uint64]{
		{A: "rax", B: [2]uint64{before.Regs.Rax, after.Regs.Rax}},
		{A: "rbx", B: [2]uint64{before.Regs.Rbx, after.Regs.Rbx}},
		{A: "rcx", B: [2]uint64{before.Regs.Rcx, after.Regs.Rcx}},
		{A: "rdx", B: [2]uint64{before.Regs.Rdx, after.Regs.Rdx}},
		{A: "rsi", B: [2]uint64{before.Regs.Rsi, after.Regs.Rsi}},
		{A: "rdi", B: [2]uint64{before.Regs.Rdi, after.Regs.Rdi}},
		{A: "rbp", B: [2]uint64{before.Regs.Rbp, after.Regs.Rbp}},
		{A: "rsp", B: [2]uint64{before.Regs.Rsp, after.Regs.Rsp}},
		{A: "r8", B: [2]uint64{before.Regs.R8, after.Regs.R8}},
		{A: "r9", B: [2]uint64{before.Regs.R9, after.Regs.R9}},
		{A: "r10", B: [2]uint64{before.Regs.R10, after.Regs.R10}},
		{A: "r11", B: [2]uint64{before.Regs.R11, after.Regs.R11}},
		{A: "r12", B: [2]uint64{before.Regs.R12, after.Regs.R12}},
		{A: "r13", B: [2]uint64{before.Regs.R13, after.Regs.R13}},
		{A: "r14", B: [2]uint64{before.Regs.R14, after.Regs.R14}},
		{A: "r15", B: [2]uint64{before.Regs.R15, after.Regs.R15}},
		{A: "rip", B: [2]uint64{before.Regs.Rip, after.Regs.Rip}},
		{A: "eflags", B: [2]uint64{before.Regs.Eflags, after.Regs.Eflags}},
	}
	changed := lo.FilterMap(pairs, func(p lo.Tuple2[string, [2]uint64], _ int) (ChangedRegister, bool) {
		if p.B[0] == p.B[1] {
			return ChangedRegister{}, false
		}
		return ChangedRegister{Name: p.A, Value: p.B[1]}, true
	})
	sort.Slice(changed, func(i, j int) bool { return changed[i].Name < changed[j].Name })
	return changed
}

// Snapshot returns the current register snapshot.
func (r *Runtime) Snapshot() (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot()
}

func (r *Runtime) snapshot() (Snapshot, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(r.pid, &regs); err != nil {
		wrapped := ierr.ErrSystemError
		ierr.Set(wrapped)
		return Snapshot{}, wrapped
	}
	return Snapshot{Regs: regs}, nil
}

func (r *Runtime) setInstructionPointerLocked(addr uintptr) error {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(r.pid, &regs); err != nil {
		wrapped := ierr.ErrSystemError
		ierr.Set(wrapped)
		return wrapped
	}
	regs.Rip = uint64(addr)
	if err := unix.PtraceSetRegs(r.pid, &regs); err != nil {
		wrapped := ierr.ErrSystemError
		ierr.Set(wrapped)
		return wrapped
	}
	return nil
}
