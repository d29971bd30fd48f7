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

// Package arch holds x86-64 register descriptors (name, id, enclosing
// register, bit width) and a CPU-feature probe. Lookups are by lowercase
// name, as spec.md section 3 requires.
package arch

import "strings"

// Class identifies the storage class a register belongs to.
type Class int

const (
	ClassInvalid Class = iota
	ClassGPR
	ClassXMM
	ClassYMM
	ClassZMM
	ClassSegment
	ClassFlags
)

func (c Class) String() string {
	switch c {
	case ClassGPR:
		return "gpr"
	case ClassXMM:
		return "xmm"
	case ClassYMM:
		return "ymm"
	case ClassZMM:
		return "zmm"
	case ClassSegment:
		return "segment"
	case ClassFlags:
		return "flags"
	default:
		return "invalid"
	}
}

// Register is a descriptor for a single named architectural register.
//
// Invariant: for a sub-register, Enclosing names the widest architectural
// register that aliases the same storage (e.g. al's enclosing is rax; xmm0's
// enclosing is zmm0).
type Register struct {
	Class     Class
	Name      string
	Enclosing string
	BitWidth  int
}

// Invalid is returned by Lookup when a name does not resolve.
var Invalid = Register{}

// Valid reports whether r resolved to a real register.
func (r Register) Valid() bool {
	return r.BitWidth != 0 && r.Class != ClassInvalid
}

// gpr8, gpr16, gpr32, gpr64 list the 16 general-purpose registers at each
// width, in encoding order (al/ax/eax/rax = encoding 0, ... r15b/r15w/r15d/r15
// = encoding 15). This order is load-bearing: internal/encoder relies on it
// to compute the 3-bit register field of ModRM/SIB bytes.
var (
	gpr8  = [16]string{"al", "cl", "dl", "bl", "spl", "bpl", "sil", "dil", "r8b", "r9b", "r10b", "r11b", "r12b", "r13b", "r14b", "r15b"}
	gpr16 = [16]string{"ax", "cx", "dx", "bx", "sp", "bp", "si", "di", "r8w", "r9w", "r10w", "r11w", "r12w", "r13w", "r14w", "r15w"}
	gpr32 = [16]string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi", "r8d", "r9d", "r10d", "r11d", "r12d", "r13d", "r14d", "r15d"}
	gpr64 = [16]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi", "r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}

	// ah/bh/ch/dh have no 64-bit encoding (they alias bits 8..15 of the A/B/C/D
	// registers and cannot be addressed with a REX prefix); they enclose the
	// same 64-bit register as their low counterpart.
	highByte = map[string]string{"ah": "rax", "bh": "rbx", "ch": "rcx", "dh": "rdx"}

	segments = [6]string{"cs", "ds", "es", "ss", "fs", "gs"}
)

// EncodingOf returns the 0..15 encoding number of a GPR by its enclosing
// 64-bit name, or -1 if reg is not a GPR enclosing name.
func EncodingOf(enclosing64 string) int {
	for i, n := range gpr64 {
		if n == enclosing64 {
			return i
		}
	}
	return -1
}

// registerTable maps every recognised lowercase name to its descriptor.
var registerTable = buildRegisterTable()

func buildRegisterTable() map[string]Register {
	t := make(map[string]Register, 128)
	for i := 0; i < 16; i++ {
		enc64 := gpr64[i]
		t[gpr8[i]] = Register{ClassGPR, gpr8[i], enc64, 8}
		t[gpr16[i]] = Register{ClassGPR, gpr16[i], enc64, 16}
		t[gpr32[i]] = Register{ClassGPR, gpr32[i], enc64, 32}
		t[gpr64[i]] = Register{ClassGPR, gpr64[i], enc64, 64}
	}
	for name, enc := range highByte {
		t[name] = Register{ClassGPR, name, enc, 8}
	}
	for i := 0; i < 16; i++ {
		xmm := "xmm" + itoa(i)
		ymm := "ymm" + itoa(i)
		zmm := "zmm" + itoa(i)
		t[xmm] = Register{ClassXMM, xmm, zmm, 128}
		t[ymm] = Register{ClassYMM, ymm, zmm, 256}
		t[zmm] = Register{ClassZMM, zmm, zmm, 512}
	}
	for _, s := range segments {
		t[s] = Register{ClassSegment, s, s, 16}
	}
	t["eflags"] = Register{ClassFlags, "eflags", "eflags", 32}
	return t
}

// itoa avoids pulling in strconv for the handful of 0..15 conversions done
// while building the static table.
func itoa(n int) string {
	if n < 10 {
		return string(rune('0' + n))
	}
	return string(rune('0'+n/10)) + string(rune('0'+n%10))
}

// Lookup returns the register descriptor for a lowercase name, or Invalid.
// name may be followed by trailing garbage (e.g. when extracted from a
// larger token); only the leading run of letters/digits is considered.
func Lookup(name string) Register {
	name = strings.ToLower(name)
	end := 0
	for end < len(name) {
		c := name[end]
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9') {
			break
		}
		end++
	}
	if r, ok := registerTable[name[:end]]; ok {
		return r
	}
	return Invalid
}

// IsSegment reports whether name is one of the six segment registers.
func IsSegment(name string) bool {
	return Lookup(name).Class == ClassSegment
}
