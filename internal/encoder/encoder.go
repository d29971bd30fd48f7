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

// Package encoder turns a decomposed asmstmt.Statement into 1-15 bytes of
// x86-64 machine code: REX prefix, opcode, ModRM, SIB, displacement and
// immediate, following the general encoding rules the original drove
// through Intel's XED (see xed_assembler_driver.cpp) and cross-checked here
// against the register-encoding order used in the wild by other compilers'
// own x86-64 backends.
package encoder

import (
	"github.com/gorse-io/inasm64/internal/arch"
	"github.com/gorse-io/inasm64/internal/asmstmt"
	"github.com/gorse-io/inasm64/internal/ierr"
)

// MaxInstructionSize is the longest an x86-64 instruction can legally be.
const MaxInstructionSize = 15

// Instruction is the encoded form of one Statement.
type Instruction struct {
	Bytes [MaxInstructionSize]byte
	Size  int
}

// Code returns the valid prefix of Bytes.
func (i Instruction) Code() []byte {
	return i.Bytes[:i.Size]
}

type builder struct {
	out []byte
}

func (b *builder) emit(bs ...byte) {
	b.out = append(b.out, bs...)
}

func (b *builder) emitLE(v uint64, n int) {
	for i := 0; i < n; i++ {
		b.out = append(b.out, byte(v>>(8*i)))
	}
}

func (b *builder) instruction() (Instruction, error) {
	var ins Instruction
	if len(b.out) > MaxInstructionSize {
		err := ierr.ErrCodeBufferFull
		ierr.Set(err)
		return Instruction{}, err
	}
	ins.Size = copy(ins.Bytes[:], b.out)
	return ins, nil
}

// checkOperandWidths enforces spec.md section 4.2 rule 3: two explicitly
// sized operands (a register's intrinsic width, or a memory/immediate
// operand preceded by a size keyword) whose widths disagree is an
// OperandSizesMismatch; an immediate whose own required width exceeds the
// effective operand width is an InvalidImmediateOperandWidth, regardless of
// whether that width came from a keyword or from the immediate's own
// magnitude.
func checkOperandWidths(dst, src asmstmt.Operand) error {
	if dst.Explicit && src.Explicit && dst.WidthBits != src.WidthBits {
		err := ierr.ErrOperandSizesMismatch
		ierr.Set(err)
		return err
	}
	if src.Kind == asmstmt.OperandImm {
		width := dst.WidthBits
		if width == 0 {
			width = src.WidthBits
		}
		if src.WidthBits > width {
			err := ierr.ErrInvalidImmediateOperandWidth
			ierr.Set(err)
			return err
		}
	}
	return nil
}

// regEncoding returns the 0..15 encoding of a register by name, and whether
// it is a GPR/XMM/YMM/ZMM register (vector-class registers share the same
// 0..15 encoding space as GPRs in ModRM/SIB/REX/VEX fields).
func regEncoding(name string) (int, arch.Class, bool) {
	r := arch.Lookup(name)
	if !r.Valid() {
		return 0, arch.ClassInvalid, false
	}
	switch r.Class {
	case arch.ClassGPR:
		switch r.Name {
		case "ah", "ch", "dh", "bh":
			// High-byte registers take encodings 4..7 (no REX prefix).
			return 4 + arch.EncodingOf(r.Enclosing), arch.ClassGPR, true
		}
		return arch.EncodingOf(r.Enclosing), arch.ClassGPR, true
	case arch.ClassXMM, arch.ClassYMM, arch.ClassZMM:
		// name is xmmN/ymmN/zmmN; N is the encoding directly.
		return parseTrailingDigits(name), r.Class, true
	}
	return 0, arch.ClassInvalid, false
}

func parseTrailingDigits(name string) int {
	start := len(name)
	for start > 0 && name[start-1] >= '0' && name[start-1] <= '9' {
		start--
	}
	v := 0
	for _, c := range name[start:] {
		v = v*10 + int(c-'0')
	}
	return v
}

// rexBits computes the four REX bits (W, R, X, B) a ModRM/SIB encoding needs.
type rexBits struct {
	w, r, x, bBit bool
}

func (rb rexBits) needed() bool {
	return rb.w || rb.r || rb.x || rb.bBit
}

func (rb rexBits) byte() byte {
	v := byte(0x40)
	if rb.w {
		v |= 1 << 3
	}
	if rb.r {
		v |= 1 << 2
	}
	if rb.x {
		v |= 1 << 1
	}
	if rb.bBit {
		v |= 1
	}
	return v
}

// modRMFor builds the ModRM (+ SIB + disp) bytes for an operand that is
// either a register (mod=11) or a memory reference, with regField carrying
// the instruction's reg/opcode-extension bits.
func modRMFor(op asmstmt.Operand, regField int) (modrm byte, sib []byte, disp []byte, rb rexBits, err error) {
	rb.r = regField >= 8

	if op.Kind == asmstmt.OperandReg {
		enc, _, ok := regEncoding(op.Reg)
		if !ok {
			err = ierr.ErrInvalidDestRegisterName
			ierr.Set(err)
			return
		}
		modrm = 0xC0 | byte((regField&7)<<3) | byte(enc&7)
		rb.bBit = enc >= 8
		return
	}

	if op.Kind != asmstmt.OperandMem {
		err = ierr.ErrInvalidOperandFormat
		ierr.Set(err)
		return
	}
	mem := op.Mem

	baseEnc, baseValid := -1, false
	indexEnc, indexValid := -1, false
	if mem.Base != "" {
		e, cls, ok := regEncoding(mem.Base)
		if !ok || cls != arch.ClassGPR {
			err = ierr.ErrInvalidOperandFormat
			ierr.Set(err)
			return
		}
		baseEnc, baseValid = e, true
	}
	if mem.Index != "" {
		e, cls, ok := regEncoding(mem.Index)
		if !ok || cls != arch.ClassGPR {
			err = ierr.ErrInvalidOperandFormat
			ierr.Set(err)
			return
		}
		indexEnc, indexValid = e, true
	}

	needSIB := indexValid || (baseValid && baseEnc&7 == 4)

	switch {
	case !baseValid && !indexValid:
		// Absolute disp32, no registers: mod=00, rm=100 (SIB follows),
		// SIB base=101/index=100 (both "none").
		modrm = byte((regField&7)<<3) | 0x04
		sib = []byte{0x25}
		disp = le32(uint32(mem.Disp))

	case needSIB:
		scaleBits := scaleToBits(mem.Scale)
		idx := byte(0x04)
		if indexValid {
			idx = byte(indexEnc & 7)
		}
		baseRM := byte(0x05)
		if baseValid {
			baseRM = byte(baseEnc & 7)
		}
		sib = []byte{scaleBits<<6 | idx<<3 | baseRM}
		rb.x = indexValid && indexEnc >= 8
		rb.bBit = baseValid && baseEnc >= 8

		forceDisp8 := baseValid && baseEnc&7 == 5 && !mem.HasDisp
		switch {
		case !baseValid:
			modrm = byte((regField&7)<<3) | 0x04
			disp = le32(uint32(mem.Disp))
		case forceDisp8:
			modrm = 0x40 | byte((regField&7)<<3) | 0x04
			disp = []byte{0}
		case !mem.HasDisp:
			modrm = byte((regField&7)<<3) | 0x04
		case mem.DispWidthBits <= 8:
			modrm = 0x40 | byte((regField&7)<<3) | 0x04
			disp = []byte{byte(mem.Disp)}
		default:
			modrm = 0x80 | byte((regField&7)<<3) | 0x04
			disp = le32(uint32(mem.Disp))
		}

	default:
		rb.bBit = baseEnc >= 8
		forceDisp8 := baseEnc&7 == 5 && !mem.HasDisp
		switch {
		case forceDisp8:
			modrm = 0x40 | byte((regField&7)<<3) | byte(baseEnc&7)
			disp = []byte{0}
		case !mem.HasDisp:
			modrm = byte((regField&7)<<3) | byte(baseEnc&7)
		case mem.DispWidthBits <= 8:
			modrm = 0x40 | byte((regField&7)<<3) | byte(baseEnc&7)
			disp = []byte{byte(mem.Disp)}
		default:
			modrm = 0x80 | byte((regField&7)<<3) | byte(baseEnc&7)
			disp = le32(uint32(mem.Disp))
		}
	}
	return
}

func scaleToBits(scale int) byte {
	switch scale {
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	default:
		return 0
	}
}

func le32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// vlOf returns the vector length in bits (128/256/512) for a register
// operand of class XMM/YMM/ZMM. Unlike the original, which only ever set
// its VL heuristic for XMM operands, this is applied symmetrically across
// all three vector classes.
func vlOf(op asmstmt.Operand) int {
	if op.Kind != asmstmt.OperandReg {
		return 0
	}
	switch arch.Lookup(op.Reg).Class {
	case arch.ClassXMM:
		return 128
	case arch.ClassYMM:
		return 256
	case arch.ClassZMM:
		return 512
	default:
		return 0
	}
}

// Encode dispatches st.Mnemonic to the relevant instruction-class encoder.
func Encode(st asmstmt.Statement) (Instruction, error) {
	var b builder

	if st.Lock {
		b.emit(0xF0)
	}
	if st.Repne {
		b.emit(0xF2)
	} else if st.Rep || st.Repe {
		b.emit(0xF3)
	}

	enc, ok := dispatch[st.Mnemonic]
	if !ok {
		err := ierr.ErrInvalidInstructionName
		ierr.Set(err)
		return Instruction{}, err
	}
	if err := enc(&b, st); err != nil {
		return Instruction{}, err
	}
	return b.instruction()
}

type encodeFunc func(b *builder, st asmstmt.Statement) error

var dispatch map[string]encodeFunc

func init() {
	dispatch = map[string]encodeFunc{
		"nop":  encodeNop,
		"int3": encodeInt3,
		"ret":  encodeRet,
		"lea":  encodeLea,
		"push": encodePush,
		"pop":  encodePop,
		"test": encodeTest,
		"mov":  encodeMov,
		"inc":  encodeIncDec(0),
		"dec":  encodeIncDec(1),
		"movzx": encodeMovx(0xB6),
		"movsx": encodeMovx(0xBE),
		"jmp":  encodeJmp,
		"call": encodeCall,
		"movaps":  encodeSSE(0x28, 0x29, false),
		"movups":  encodeSSE(0x10, 0x11, false),
		"movdqa":  encodeSSE(0x6F, 0x7F, true),
		"vmovaps": encodeVex(0x28, 0x29, false, false),
		"vmovdqa": encodeVex(0x6F, 0x7F, true, false),
		"movs": encodeString(0xA4),
		"stos": encodeString(0xAA),
		"lods": encodeString(0xAC),
		"scas": encodeString(0xAE),
		"cmps": encodeString(0xA6),
	}
	for mn, info := range aluTable {
		info := info
		dispatch[mn] = func(b *builder, st asmstmt.Statement) error {
			return encodeALU(b, st, info)
		}
	}
	for mn, ext := range group3Table {
		ext := ext
		dispatch[mn] = func(b *builder, st asmstmt.Statement) error {
			return encodeGroup3(b, st, ext)
		}
	}
	for cc, opc := range jccTable {
		opc := opc
		dispatch["j"+cc] = func(b *builder, st asmstmt.Statement) error {
			return encodeJcc(b, st, opc)
		}
	}
}

func operandWidthREX(w int) bool { return w == 64 }

func sizePrefix(b *builder, width int) {
	if width == 16 {
		b.emit(0x66)
	}
}

func emitRexIfNeeded(b *builder, rb rexBits, width int) {
	if operandWidthREX(width) {
		rb.w = true
	}
	if rb.needed() {
		b.emit(rb.byte())
	}
}
