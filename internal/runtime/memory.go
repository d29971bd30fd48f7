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

package runtime

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/gorse-io/inasm64/internal/ierr"
)

const (
	mmapProtRead  = 0x1
	mmapProtWrite = 0x2
	mmapProtExec  = 0x4

	mmapFlagsPrivate   = 0x02
	mmapFlagsAnonymous = 0x20

	sysMmap = 9
)

// mmapInChild injects a short syscall stub at the child's current
// instruction pointer, single-steps it through an mmap(2) call, reads the
// returned address out of RAX, then restores the original bytes and
// registers. This is the ptrace analogue of calling VirtualAllocEx against
// a suspended Windows process.
func (r *Runtime) mmapInChild(size int, executable bool) (uintptr, error) {
	var savedRegs unix.PtraceRegs
	if err := unix.PtraceGetRegs(r.pid, &savedRegs); err != nil {
		wrapped := ierr.ErrSystemError
		ierr.Set(wrapped)
		return 0, wrapped
	}

	stubAddr := uintptr(savedRegs.Rip)
	prot := uint64(mmapProtRead | mmapProtWrite)
	if executable {
		prot |= mmapProtExec
	}

	stub := buildMmapStub(uint64(size), prot, mmapFlagsPrivate|mmapFlagsAnonymous)
	saved, err := r.peekBytesLocked(stubAddr, len(stub))
	if err != nil {
		return 0, err
	}
	if err := r.pokeBytesLocked(stubAddr, stub); err != nil {
		return 0, err
	}
	defer r.pokeBytesLocked(stubAddr, saved)

	regs := savedRegs
	regs.Rip = uint64(stubAddr)
	if err := unix.PtraceSetRegs(r.pid, &regs); err != nil {
		wrapped := ierr.ErrSystemError
		ierr.Set(wrapped)
		return 0, wrapped
	}

	// Single-step through the stub until the trailing int3 traps back.
	for i := 0; i < len(stub)+4; i++ {
		if err := unix.PtraceSingleStep(r.pid); err != nil {
			wrapped := ierr.ErrSystemError
			ierr.Set(wrapped)
			return 0, wrapped
		}
		var ws unix.WaitStatus
		if _, err := unix.Wait4(r.pid, &ws, 0, nil); err != nil {
			wrapped := ierr.ErrSystemError
			ierr.Set(wrapped)
			return 0, wrapped
		}
		if ws.StopSignal() == unix.SIGTRAP {
			var after unix.PtraceRegs
			if err := unix.PtraceGetRegs(r.pid, &after); err == nil && after.Rip == uint64(stubAddr)+uint64(len(stub)) {
				break
			}
		}
	}

	var result unix.PtraceRegs
	if err := unix.PtraceGetRegs(r.pid, &result); err != nil {
		wrapped := ierr.ErrSystemError
		ierr.Set(wrapped)
		return 0, wrapped
	}
	mapped := uintptr(result.Rax)

	if err := unix.PtraceSetRegs(r.pid, &savedRegs); err != nil {
		wrapped := ierr.ErrSystemError
		ierr.Set(wrapped)
		return 0, wrapped
	}
	if mapped == 0 || int64(result.Rax) < 0 {
		err := ierr.ErrSystemError
		ierr.Set(err)
		return 0, err
	}
	return mapped, nil
}

// buildMmapStub assembles:
//
//	mov rax, 9            ; __NR_mmap
//	xor rdi, rdi           ; addr = NULL
//	mov rsi, length
//	mov rdx, prot
//	mov r10, flags
//	mov r8, -1             ; fd
//	xor r9, r9             ; offset
//	syscall
//	int3
func buildMmapStub(length, prot, flags uint64) []byte {
	var b []byte
	b = append(b, 0x48, 0xC7, 0xC0) // mov eax (sign-ext), imm32
	b = append(b, leU32(sysMmap)...)
	b = append(b, 0x48, 0x31, 0xFF) // xor rdi, rdi
	b = append(b, 0x48, 0xBE)       // movabs rsi, imm64
	b = append(b, leU64(length)...)
	b = append(b, 0x48, 0xBA) // movabs rdx, imm64
	b = append(b, leU64(prot)...)
	b = append(b, 0x49, 0xBA) // movabs r10, imm64
	b = append(b, leU64(flags)...)
	b = append(b, 0x49, 0xC7, 0xC0, 0xFF, 0xFF, 0xFF, 0xFF) // mov r8, -1
	b = append(b, 0x4D, 0x31, 0xC9)                         // xor r9, r9
	b = append(b, 0x0F, 0x05)                               // syscall
	b = append(b, 0xCC)                                     // int3
	return b
}

func leU32(v uint64) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(v))
	return buf
}

func leU64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func (r *Runtime) peekBytesLocked(addr uintptr, n int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := unix.PtracePeekData(r.pid, addr, buf)
	if err != nil || got != n {
		wrapped := ierr.ErrSystemError
		ierr.Set(wrapped)
		return nil, wrapped
	}
	return buf, nil
}

func (r *Runtime) pokeBytesLocked(addr uintptr, data []byte) error {
	n, err := unix.PtracePokeData(r.pid, addr, data)
	if err != nil || n != len(data) {
		wrapped := ierr.ErrSystemError
		ierr.Set(wrapped)
		return wrapped
	}
	return nil
}

func (r *Runtime) writeBytesLocked(addr uintptr, data []byte) error {
	return r.pokeBytesLocked(addr, data)
}

// AllocateMemory requests a new RW data region of the given size from the
// child and records it for bounds-checked WriteBytes/ReadBytes.
func (r *Runtime) AllocateMemory(size int) (DataRegion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireStarted(); err != nil {
		return DataRegion{}, err
	}
	addr, err := r.mmapInChild(size, false)
	if err != nil {
		return DataRegion{}, err
	}
	region := DataRegion{Address: addr, Size: size}
	r.dataRegions = append(r.dataRegions, region)
	return region, nil
}

// AllocationSize returns the size of the data region starting at addr, or
// an error if addr is not a region base.
func (r *Runtime) AllocationSize(addr uintptr) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.dataRegions {
		if d.Address == addr {
			return d.Size, nil
		}
	}
	err := ierr.ErrInvalidAddress
	ierr.Set(err)
	return 0, err
}

// boundsCheck locates the code or data region addr falls inside and
// confirms an n-byte access starting there stays within it. It distinguishes
// two failure modes per spec.md section 8: addr matching no known region at
// all is ErrInvalidAddress, while addr landing inside a real region but the
// request overrunning that region's recorded end is reported via
// overrunErr, letting WriteBytes/ReadBytes each surface the sentinel the
// spec names for their own direction.
func (r *Runtime) boundsCheck(addr uintptr, n int, overrunErr error) error {
	if addr >= r.codeBase && addr < r.codeBase+uintptr(r.codeSize) {
		if addr+uintptr(n) <= r.codeBase+uintptr(r.codeSize) {
			return nil
		}
		ierr.Set(overrunErr)
		return overrunErr
	}
	for _, d := range r.dataRegions {
		if addr >= d.Address && addr < d.Address+uintptr(d.Size) {
			if addr+uintptr(n) <= d.Address+uintptr(d.Size) {
				return nil
			}
			ierr.Set(overrunErr)
			return overrunErr
		}
	}
	err := ierr.ErrInvalidAddress
	ierr.Set(err)
	return err
}

// WriteBytes writes data into the child's memory at addr, which must fall
// entirely within the code region or a previously allocated data region.
func (r *Runtime) WriteBytes(addr uintptr, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireStarted(); err != nil {
		return err
	}
	if err := r.boundsCheck(addr, len(data), ierr.ErrMemoryWriteSizeMismatch); err != nil {
		return err
	}
	return r.pokeBytesLocked(addr, data)
}

// ReadBytes reads n bytes from the child's memory at addr, under the same
// bounds check as WriteBytes.
func (r *Runtime) ReadBytes(addr uintptr, n int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireStarted(); err != nil {
		return nil, err
	}
	if err := r.boundsCheck(addr, n, ierr.ErrMemoryReadSizeMismatch); err != nil {
		return nil, err
	}
	return r.peekBytesLocked(addr, n)
}
