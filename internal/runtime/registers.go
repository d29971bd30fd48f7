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
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/gorse-io/inasm64/internal/arch"
	"github.com/gorse-io/inasm64/internal/ierr"
)

const (
	ptraceGetRegSet = 0x4204
	ptraceSetRegSet = 0x4205

	ntPRFPREG  = 2
	ntX86State = 0x202

	// Standard (non-compacted) XSAVE area component offsets, per the Intel
	// SDM's description of the fixed-format save area: legacy FXSAVE region
	// (0-511), XSAVE header (512-575), then YMM_Hi128 or the fixed-size
	// prefix of whichever AVX-512 components the host advertises.
	xsaveLegacySize  = 512
	xsaveHeaderSize  = 64
	offsetYMMHi128   = xsaveLegacySize + xsaveHeaderSize // 576, 16 regs * 16 bytes
	offsetOpmask     = offsetYMMHi128 + 256 + 128 + 64 + 64 // 1088, 8 regs * 8 bytes (after BNDREGS at 960 and BNDCSR at 1024)
	offsetZMMHi256   = offsetOpmask + 64                    // 1152, upper 256 bits of zmm0-zmm15, 16 regs * 32 bytes
	offsetHi16ZMM    = offsetZMMHi256 + 512                 // 1664, 16 regs * 64 bytes
	xmmSpaceOffset   = 160                                // inside the legacy FXSAVE area
)

// SetReg writes value into a named architectural register in the child.
// GPRs and eflags go through PtraceGetRegs/SetRegs; XMM registers go through
// the legacy FXSAVE-format FPREGS; YMM/ZMM go through a raw
// PTRACE_GETREGSET/SETREGSET call against the XSAVE area, gated on the host
// actually supporting AVX/AVX-512.
func (r *Runtime) SetReg(name string, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireStarted(); err != nil {
		return err
	}
	reg := arch.Lookup(name)
	if !reg.Valid() {
		err := ierr.ErrUnrecognizedRegisterName
		ierr.Set(err)
		return err
	}

	switch reg.Class {
	case arch.ClassGPR, arch.ClassFlags:
		return r.setGPRLocked(reg, value)
	case arch.ClassXMM:
		return r.setVectorLocked(reg.Name, value, 128)
	case arch.ClassYMM:
		return r.setVectorLocked(reg.Name, value, 256)
	case arch.ClassZMM:
		return r.setVectorLocked(reg.Name, value, 512)
	default:
		err := ierr.ErrUnrecognizedRegisterName
		ierr.Set(err)
		return err
	}
}

// GetReg reads a named architectural register from the child.
func (r *Runtime) GetReg(name string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireStarted(); err != nil {
		return nil, err
	}
	reg := arch.Lookup(name)
	if !reg.Valid() {
		err := ierr.ErrUnrecognizedRegisterName
		ierr.Set(err)
		return nil, err
	}

	switch reg.Class {
	case arch.ClassGPR, arch.ClassFlags:
		return r.getGPRLocked(reg)
	case arch.ClassXMM:
		return r.getVectorLocked(reg.Name, 128)
	case arch.ClassYMM:
		return r.getVectorLocked(reg.Name, 256)
	case arch.ClassZMM:
		return r.getVectorLocked(reg.Name, 512)
	default:
		err := ierr.ErrUnrecognizedRegisterName
		ierr.Set(err)
		return nil, err
	}
}

func (r *Runtime) setGPRLocked(reg arch.Register, value []byte) error {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(r.pid, &regs); err != nil {
		wrapped := ierr.ErrSystemError
		ierr.Set(wrapped)
		return wrapped
	}
	v := leToU64(value)
	setGPRField(&regs, reg, v)
	if err := unix.PtraceSetRegs(r.pid, &regs); err != nil {
		wrapped := ierr.ErrSystemError
		ierr.Set(wrapped)
		return wrapped
	}
	return nil
}

func (r *Runtime) getGPRLocked(reg arch.Register) ([]byte, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(r.pid, &regs); err != nil {
		wrapped := ierr.ErrSystemError
		ierr.Set(wrapped)
		return nil, wrapped
	}
	v := getGPRField(&regs, reg)
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf[:reg.BitWidth/8], nil
}

func leToU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < len(b) && i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// setGPRField masks in a sub-register write (e.g. writing al leaves the
// upper 56 bits of rax untouched; writing eax zero-extends per x86-64
// convention).
func setGPRField(regs *unix.PtraceRegs, reg arch.Register, v uint64) {
	if reg.Class == arch.ClassFlags {
		regs.Eflags = v & 0xFFFFFFFF
		return
	}
	p := gprFieldPtr(regs, reg.Enclosing)
	if p == nil {
		return
	}
	switch reg.BitWidth {
	case 64:
		*p = v
	case 32:
		*p = v & 0xFFFFFFFF
	case 16:
		*p = (*p &^ 0xFFFF) | (v & 0xFFFF)
	case 8:
		if reg.Name == "ah" || reg.Name == "bh" || reg.Name == "ch" || reg.Name == "dh" {
			*p = (*p &^ 0xFF00) | ((v & 0xFF) << 8)
			return
		}
		*p = (*p &^ 0xFF) | (v & 0xFF)
	}
}

func getGPRField(regs *unix.PtraceRegs, reg arch.Register) uint64 {
	if reg.Class == arch.ClassFlags {
		return regs.Eflags
	}
	p := gprFieldPtr(regs, reg.Enclosing)
	if p == nil {
		return 0
	}
	v := *p
	switch reg.BitWidth {
	case 32:
		return v & 0xFFFFFFFF
	case 16:
		return v & 0xFFFF
	case 8:
		if reg.Name == "ah" || reg.Name == "bh" || reg.Name == "ch" || reg.Name == "dh" {
			return (v >> 8) & 0xFF
		}
		return v & 0xFF
	default:
		return v
	}
}

func gprFieldPtr(regs *unix.PtraceRegs, enclosing64 string) *uint64 {
	switch enclosing64 {
	case "rax":
		return &regs.Rax
	case "rbx":
		return &regs.Rbx
	case "rcx":
		return &regs.Rcx
	case "rdx":
		return &regs.Rdx
	case "rsi":
		return &regs.Rsi
	case "rdi":
		return &regs.Rdi
	case "rbp":
		return &regs.Rbp
	case "rsp":
		return &regs.Rsp
	case "r8":
		return &regs.R8
	case "r9":
		return &regs.R9
	case "r10":
		return &regs.R10
	case "r11":
		return &regs.R11
	case "r12":
		return &regs.R12
	case "r13":
		return &regs.R13
	case "r14":
		return &regs.R14
	case "r15":
		return &regs.R15
	default:
		return nil
	}
}

// ptraceRegSet performs a raw PTRACE_GETREGSET/SETREGSET call with the
// given NT_* type against a byte buffer, since golang.org/x/sys/unix does
// not expose the x86 XSAVE regset directly.
func ptraceRegSet(request uintptr, pid int, nt int, buf []byte) error {
	iov := unix.Iovec{Base: &buf[0], Len: uint64(len(buf))}
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, request, uintptr(pid), uintptr(nt), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func (r *Runtime) setVectorLocked(name string, value []byte, width int) error {
	idx := vectorIndex(name)
	if idx < 0 {
		err := ierr.ErrUnrecognizedRegisterName
		ierr.Set(err)
		return err
	}
	if width >= 256 && !arch.AvxSupported() {
		err := ierr.ErrUnsupportedCPUFeature
		ierr.Set(err)
		return err
	}
	if width >= 512 && !arch.Avx512Supported() {
		err := ierr.ErrUnsupportedCPUFeature
		ierr.Set(err)
		return err
	}

	buf := make([]byte, xsaveBufSize(width))
	if err := ptraceRegSet(ptraceGetRegSet, r.pid, regSetType(width), buf); err != nil {
		wrapped := ierr.ErrSystemError
		ierr.Set(wrapped)
		return wrapped
	}
	writeVectorBytes(buf, idx, width, value)
	if err := ptraceRegSet(ptraceSetRegSet, r.pid, regSetType(width), buf); err != nil {
		wrapped := ierr.ErrSystemError
		ierr.Set(wrapped)
		return wrapped
	}
	return nil
}

func (r *Runtime) getVectorLocked(name string, width int) ([]byte, error) {
	idx := vectorIndex(name)
	if idx < 0 {
		err := ierr.ErrUnrecognizedRegisterName
		ierr.Set(err)
		return nil, err
	}
	if width >= 256 && !arch.AvxSupported() {
		err := ierr.ErrUnsupportedCPUFeature
		ierr.Set(err)
		return nil, err
	}
	if width >= 512 && !arch.Avx512Supported() {
		err := ierr.ErrUnsupportedCPUFeature
		ierr.Set(err)
		return nil, err
	}

	buf := make([]byte, xsaveBufSize(width))
	if err := ptraceRegSet(ptraceGetRegSet, r.pid, regSetType(width), buf); err != nil {
		wrapped := ierr.ErrSystemError
		ierr.Set(wrapped)
		return nil, wrapped
	}
	return readVectorBytes(buf, idx, width), nil
}

func regSetType(width int) int {
	if width == 128 {
		return ntPRFPREG
	}
	return ntX86State
}

func xsaveBufSize(width int) int {
	switch {
	case width <= 128:
		return xsaveLegacySize
	case width == 256:
		return offsetYMMHi128 + 256
	default:
		return offsetHi16ZMM + 1024
	}
}

func vectorIndex(name string) int {
	if len(name) < 4 {
		return -1
	}
	n := 0
	for _, c := range name[3:] {
		if c < '0' || c > '9' {
			return -1
		}
		n = n*10 + int(c-'0')
	}
	if n < 0 || n > 15 {
		return -1
	}
	return n
}

func writeVectorBytes(buf []byte, idx, width int, value []byte) {
	low16 := buf[xmmSpaceOffset+idx*16 : xmmSpaceOffset+idx*16+16]
	copy(low16, pad(value, 16))
	if width == 128 {
		return
	}
	hi128 := buf[offsetYMMHi128+idx*16 : offsetYMMHi128+idx*16+16]
	copy(hi128, pad(shiftBytes(value, 16), 16))
	if width == 256 {
		return
	}
	hi256 := buf[offsetZMMHi256+idx*32 : offsetZMMHi256+idx*32+32]
	copy(hi256, pad(shiftBytes(value, 32), 32))
	if idx >= 8 {
		hi16 := buf[offsetHi16ZMM+(idx-8)*64 : offsetHi16ZMM+(idx-8)*64+64]
		copy(hi16, pad(shiftBytes(value, 64), 64))
	}
}

func readVectorBytes(buf []byte, idx, width int) []byte {
	out := make([]byte, 0, width/8)
	out = append(out, buf[xmmSpaceOffset+idx*16:xmmSpaceOffset+idx*16+16]...)
	if width == 128 {
		return out
	}
	out = append(out, buf[offsetYMMHi128+idx*16:offsetYMMHi128+idx*16+16]...)
	if width == 256 {
		return out
	}
	out = append(out, buf[offsetZMMHi256+idx*32:offsetZMMHi256+idx*32+32]...)
	if idx >= 8 {
		out = append(out, buf[offsetHi16ZMM+(idx-8)*64:offsetHi16ZMM+(idx-8)*64+64]...)
	}
	return out
}

func pad(b []byte, n int) []byte {
	if len(b) >= n {
		return b[:n]
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func shiftBytes(b []byte, skip int) []byte {
	if len(b) <= skip {
		return nil
	}
	return b[skip:]
}
