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

package encoder

import (
	"github.com/gorse-io/inasm64/internal/arch"
	"github.com/gorse-io/inasm64/internal/asmstmt"
	"github.com/gorse-io/inasm64/internal/ierr"
)

// aluEntry describes one row of the 0x00-0x3B arithmetic/logic opcode
// table: row is the base opcode (the "Eb,Gb" form), ext is the ModRM.reg
// extension used by the 0x80/0x81/0x83 immediate-group encodings.
type aluEntry struct {
	row byte
	ext byte
}

var aluTable = map[string]aluEntry{
	"add": {0x00, 0},
	"or":  {0x08, 1},
	"and": {0x20, 4},
	"sub": {0x28, 5},
	"xor": {0x30, 6},
	"cmp": {0x38, 7},
}

var group3Table = map[string]byte{
	"not":  2,
	"neg":  3,
	"mul":  4,
	"imul": 5,
	"div":  6,
	"idiv": 7,
}

var jccTable = map[string]byte{
	"e": 0x84, "z": 0x84, "ne": 0x85, "nz": 0x85,
	"a": 0x87, "ae": 0x83, "b": 0x82, "be": 0x86,
	"g": 0x8F, "ge": 0x8D, "l": 0x8C, "le": 0x8E,
	"s": 0x88, "ns": 0x89, "o": 0x80, "no": 0x81,
	"p": 0x8A, "np": 0x8B,
}

func requireOperands(st asmstmt.Statement, n int) error {
	if st.OperandCount != n {
		err := ierr.ErrInvalidInstructionFormat
		ierr.Set(err)
		return err
	}
	return nil
}

// encodeALU handles the two-operand forms of add/or/and/sub/xor/cmp: dst,src
// where either side may be memory but not both, and src may be an
// immediate.
func encodeALU(b *builder, st asmstmt.Statement, info aluEntry) error {
	if err := requireOperands(st, 2); err != nil {
		return err
	}
	dst, src := st.Operands[0], st.Operands[1]
	if err := checkOperandWidths(dst, src); err != nil {
		return err
	}
	width := dst.WidthBits
	if width == 0 {
		width = src.WidthBits
	}

	if src.Kind == asmstmt.OperandImm {
		return encodeImmGroup(b, dst, info.ext, src.Imm, width)
	}

	if dst.Kind == asmstmt.OperandMem && src.Kind == asmstmt.OperandReg {
		return encodeRMReg(b, info.row, dst, src, width)
	}
	return encodeRegRM(b, info.row+3, dst, src, width)
}

// encodeRegRM emits "op Gv,Ev": reg field carries the register operand
// (regOp), r/m carries the other (rmOp), which may itself be a register or
// memory. rowPlus3 is the row's Gv,Ev opcode; the Gb,Eb 8-bit form is
// rowPlus3-1.
func encodeRegRM(b *builder, rowPlus3 byte, regOp, rmOp asmstmt.Operand, width int) error {
	if regOp.Kind != asmstmt.OperandReg {
		err := ierr.ErrInvalidDestRegisterName
		ierr.Set(err)
		return err
	}
	regEnc, _, ok := regEncoding(regOp.Reg)
	if !ok {
		err := ierr.ErrInvalidDestRegisterName
		ierr.Set(err)
		return err
	}
	modrm, sib, disp, rb, err := modRMFor(rmOp, regEnc)
	if err != nil {
		return err
	}
	sizePrefix(b, width)
	emitRexIfNeeded(b, rb, width)
	opcode := rowPlus3
	if width == 8 {
		opcode = rowPlus3 - 1
	}
	b.emit(opcode, modrm)
	b.emit(sib...)
	b.emit(disp...)
	return nil
}

// encodeRMReg emits "op Ev,Gv": reg field carries regOp, r/m carries rmOp
// (used when the destination is memory).
func encodeRMReg(b *builder, row byte, rmOp, regOp asmstmt.Operand, width int) error {
	regEnc, _, ok := regEncoding(regOp.Reg)
	if !ok {
		err := ierr.ErrInvalidDestRegisterName
		ierr.Set(err)
		return err
	}
	modrm, sib, disp, rb, err := modRMFor(rmOp, regEnc)
	if err != nil {
		return err
	}
	sizePrefix(b, width)
	emitRexIfNeeded(b, rb, width)
	opcode := row + 1
	if width == 8 {
		opcode = row
	}
	b.emit(opcode, modrm)
	b.emit(sib...)
	b.emit(disp...)
	return nil
}

// encodeImmGroup emits the 0x80/0x81/0x83 immediate-group encoding: ModRM.reg
// carries ext (the operation), r/m carries dst, followed by an immediate.
func encodeImmGroup(b *builder, dst asmstmt.Operand, ext byte, imm uint64, width int) error {
	modrm, sib, disp, rb, err := modRMFor(dst, int(ext))
	if err != nil {
		return err
	}
	sizePrefix(b, width)
	emitRexIfNeeded(b, rb, width)

	fitsInt8 := int64(int8(imm)) == int64(imm) || (width == 8)
	switch {
	case width == 8:
		b.emit(0x80, modrm)
		b.emit(sib...)
		b.emit(disp...)
		b.emit(byte(imm))
	case fitsInt8 && width != 16:
		b.emit(0x83, modrm)
		b.emit(sib...)
		b.emit(disp...)
		b.emit(byte(imm))
	default:
		b.emit(0x81, modrm)
		b.emit(sib...)
		b.emit(disp...)
		if width == 16 {
			b.emit(byte(imm), byte(imm>>8))
		} else {
			b.emit(le32(uint32(imm))...)
		}
	}
	return nil
}

func encodeGroup3(b *builder, st asmstmt.Statement, ext byte) error {
	if err := requireOperands(st, 1); err != nil {
		return err
	}
	op := st.Operands[0]
	width := op.WidthBits
	modrm, sib, disp, rb, err := modRMFor(op, int(ext))
	if err != nil {
		return err
	}
	sizePrefix(b, width)
	emitRexIfNeeded(b, rb, width)
	opcode := byte(0xF7)
	if width == 8 {
		opcode = 0xF6
	}
	b.emit(opcode, modrm)
	b.emit(sib...)
	b.emit(disp...)
	return nil
}

// encodeMov handles mov dst,src for the register/memory/immediate
// combinations: reg<-reg, reg<-mem, mem<-reg, and reg/mem<-imm (0xC6/0xC7
// for the memory/r8-imm32 form, 0xB0+r/0xB8+r for the reg<-imm short form).
func encodeMov(b *builder, st asmstmt.Statement) error {
	if err := requireOperands(st, 2); err != nil {
		return err
	}
	dst, src := st.Operands[0], st.Operands[1]
	if err := checkOperandWidths(dst, src); err != nil {
		return err
	}
	width := dst.WidthBits
	if width == 0 {
		width = src.WidthBits
	}

	if src.Kind == asmstmt.OperandImm {
		if dst.Kind == asmstmt.OperandReg {
			enc, _, ok := regEncoding(dst.Reg)
			if !ok {
				err := ierr.ErrInvalidDestRegisterName
				ierr.Set(err)
				return err
			}
			rb := rexBits{bBit: enc >= 8}
			sizePrefix(b, width)
			emitRexIfNeeded(b, rb, width)
			base := byte(0xB8)
			if width == 8 {
				base = 0xB0
			}
			b.emit(base + byte(enc&7))
			switch width {
			case 8:
				b.emit(byte(src.Imm))
			case 16:
				b.emit(byte(src.Imm), byte(src.Imm>>8))
			case 64:
				b.emitLE(src.Imm, 8)
			default:
				b.emit(le32(uint32(src.Imm))...)
			}
			return nil
		}
		modrm, sib, disp, rb, err := modRMFor(dst, 0)
		if err != nil {
			return err
		}
		sizePrefix(b, width)
		emitRexIfNeeded(b, rb, width)
		opcode := byte(0xC7)
		if width == 8 {
			opcode = 0xC6
		}
		b.emit(opcode, modrm)
		b.emit(sib...)
		b.emit(disp...)
		if width == 8 {
			b.emit(byte(src.Imm))
		} else if width == 16 {
			b.emit(byte(src.Imm), byte(src.Imm>>8))
		} else {
			b.emit(le32(uint32(src.Imm))...)
		}
		return nil
	}

	if dst.Kind == asmstmt.OperandMem && src.Kind == asmstmt.OperandReg {
		return encodeRMReg(b, 0x88, dst, src, width)
	}
	return encodeRegRM(b, 0x8B, dst, src, width)
}

func encodeIncDec(ext byte) encodeFunc {
	return func(b *builder, st asmstmt.Statement) error {
		if err := requireOperands(st, 1); err != nil {
			return err
		}
		op := st.Operands[0]
		width := op.WidthBits
		modrm, sib, disp, rb, err := modRMFor(op, int(ext))
		if err != nil {
			return err
		}
		sizePrefix(b, width)
		emitRexIfNeeded(b, rb, width)
		opcode := byte(0xFF)
		if width == 8 {
			opcode = 0xFE
		}
		b.emit(opcode, modrm)
		b.emit(sib...)
		b.emit(disp...)
		return nil
	}
}

func encodeNop(b *builder, st asmstmt.Statement) error {
	b.emit(0x90)
	return nil
}

func encodeInt3(b *builder, st asmstmt.Statement) error {
	b.emit(0xCC)
	return nil
}

func encodeRet(b *builder, st asmstmt.Statement) error {
	if st.OperandCount == 0 {
		b.emit(0xC3)
		return nil
	}
	if err := requireOperands(st, 1); err != nil {
		return err
	}
	imm := st.Operands[0]
	if imm.Kind != asmstmt.OperandImm {
		err := ierr.ErrInvalidOperandFormat
		ierr.Set(err)
		return err
	}
	b.emit(0xC2, byte(imm.Imm), byte(imm.Imm>>8))
	return nil
}

func encodeLea(b *builder, st asmstmt.Statement) error {
	if err := requireOperands(st, 2); err != nil {
		return err
	}
	dst, src := st.Operands[0], st.Operands[1]
	if dst.Kind != asmstmt.OperandReg || src.Kind != asmstmt.OperandMem {
		err := ierr.ErrInvalidOperandFormat
		ierr.Set(err)
		return err
	}
	regEnc, _, ok := regEncoding(dst.Reg)
	if !ok {
		err := ierr.ErrInvalidDestRegisterName
		ierr.Set(err)
		return err
	}
	modrm, sib, disp, rb, err := modRMFor(src, regEnc)
	if err != nil {
		return err
	}
	emitRexIfNeeded(b, rb, dst.WidthBits)
	b.emit(0x8D, modrm)
	b.emit(sib...)
	b.emit(disp...)
	return nil
}

func encodePush(b *builder, st asmstmt.Statement) error {
	if err := requireOperands(st, 1); err != nil {
		return err
	}
	op := st.Operands[0]
	if op.Kind == asmstmt.OperandImm {
		if op.WidthBits == 8 {
			b.emit(0x6A, byte(op.Imm))
			return nil
		}
		b.emit(0x68)
		b.emit(le32(uint32(op.Imm))...)
		return nil
	}
	enc, _, ok := regEncoding(op.Reg)
	if !ok {
		err := ierr.ErrInvalidDestRegisterName
		ierr.Set(err)
		return err
	}
	if enc >= 8 {
		b.emit(0x41)
	}
	b.emit(0x50 + byte(enc&7))
	return nil
}

func encodePop(b *builder, st asmstmt.Statement) error {
	if err := requireOperands(st, 1); err != nil {
		return err
	}
	op := st.Operands[0]
	enc, _, ok := regEncoding(op.Reg)
	if !ok {
		err := ierr.ErrInvalidDestRegisterName
		ierr.Set(err)
		return err
	}
	if enc >= 8 {
		b.emit(0x41)
	}
	b.emit(0x58 + byte(enc&7))
	return nil
}

func encodeTest(b *builder, st asmstmt.Statement) error {
	if err := requireOperands(st, 2); err != nil {
		return err
	}
	dst, src := st.Operands[0], st.Operands[1]
	if err := checkOperandWidths(dst, src); err != nil {
		return err
	}
	width := dst.WidthBits
	if src.Kind == asmstmt.OperandImm {
		modrm, sib, disp, rb, err := modRMFor(dst, 0)
		if err != nil {
			return err
		}
		sizePrefix(b, width)
		emitRexIfNeeded(b, rb, width)
		opcode := byte(0xF7)
		if width == 8 {
			opcode = 0xF6
		}
		b.emit(opcode, modrm)
		b.emit(sib...)
		b.emit(disp...)
		if width == 16 {
			b.emit(byte(src.Imm), byte(src.Imm>>8))
		} else if width == 8 {
			b.emit(byte(src.Imm))
		} else {
			b.emit(le32(uint32(src.Imm))...)
		}
		return nil
	}
	return encodeRMReg(b, 0x84, dst, src, width)
}

func encodeMovx(op0f byte) encodeFunc {
	return func(b *builder, st asmstmt.Statement) error {
		if err := requireOperands(st, 2); err != nil {
			return err
		}
		dst, src := st.Operands[0], st.Operands[1]
		if dst.Kind != asmstmt.OperandReg {
			err := ierr.ErrInvalidDestRegisterName
			ierr.Set(err)
			return err
		}
		regEnc, _, ok := regEncoding(dst.Reg)
		if !ok {
			err := ierr.ErrInvalidDestRegisterName
			ierr.Set(err)
			return err
		}
		modrm, sib, disp, rb, err := modRMFor(src, regEnc)
		if err != nil {
			return err
		}
		emitRexIfNeeded(b, rb, dst.WidthBits)
		opcode := op0f
		if src.WidthBits == 16 {
			opcode++
		}
		b.emit(0x0F, opcode, modrm)
		b.emit(sib...)
		b.emit(disp...)
		return nil
	}
}

func encodeJmp(b *builder, st asmstmt.Statement) error {
	if err := requireOperands(st, 1); err != nil {
		return err
	}
	op := st.Operands[0]
	if op.Kind != asmstmt.OperandImm {
		err := ierr.ErrInvalidOperandFormat
		ierr.Set(err)
		return err
	}
	b.emit(0xE9)
	b.emit(le32(uint32(op.Imm))...)
	return nil
}

func encodeCall(b *builder, st asmstmt.Statement) error {
	if err := requireOperands(st, 1); err != nil {
		return err
	}
	op := st.Operands[0]
	if op.Kind != asmstmt.OperandImm {
		err := ierr.ErrInvalidOperandFormat
		ierr.Set(err)
		return err
	}
	b.emit(0xE8)
	b.emit(le32(uint32(op.Imm))...)
	return nil
}

func encodeJcc(b *builder, st asmstmt.Statement, opcode byte) error {
	if err := requireOperands(st, 1); err != nil {
		return err
	}
	op := st.Operands[0]
	if op.Kind != asmstmt.OperandImm {
		err := ierr.ErrInvalidOperandFormat
		ierr.Set(err)
		return err
	}
	b.emit(0x0F, opcode)
	b.emit(le32(uint32(op.Imm))...)
	return nil
}

// encodeSSE handles the legacy-SSE two-operand move forms (movaps, movups,
// movdqa): loadOp when the destination is a register, storeOp when it is
// memory, with an optional mandatory 0x66 prefix (needs66) for the
// movdqa/66 0F family.
func encodeSSE(loadOp, storeOp byte, needs66 bool) encodeFunc {
	return func(b *builder, st asmstmt.Statement) error {
		if err := requireOperands(st, 2); err != nil {
			return err
		}
		dst, src := st.Operands[0], st.Operands[1]
		if needs66 {
			b.emit(0x66)
		}
		if dst.Kind == asmstmt.OperandReg {
			regEnc, cls, ok := regEncoding(dst.Reg)
			if !ok || (cls != arch.ClassXMM) {
				err := ierr.ErrInvalidDestRegisterName
				ierr.Set(err)
				return err
			}
			modrm, sib, disp, rb, err := modRMFor(src, regEnc)
			if err != nil {
				return err
			}
			emitRexIfNeeded(b, rb, 0)
			b.emit(0x0F, loadOp, modrm)
			b.emit(sib...)
			b.emit(disp...)
			return nil
		}
		regEnc, cls, ok := regEncoding(src.Reg)
		if !ok || cls != arch.ClassXMM {
			err := ierr.ErrInvalidDestRegisterName
			ierr.Set(err)
			return err
		}
		modrm, sib, disp, rb, err := modRMFor(dst, regEnc)
		if err != nil {
			return err
		}
		emitRexIfNeeded(b, rb, 0)
		b.emit(0x0F, storeOp, modrm)
		b.emit(sib...)
		b.emit(disp...)
		return nil
	}
}

// encodeVex handles the AVX (VEX.128 for XMM, VEX.256 for YMM) forms
// vmovaps/vmovdqa via a 2-byte VEX prefix, covering the register-register and register-memory cases; it
// does not support the full 3-byte VEX encoding space (no W1 forms, no
// operand needing REX.X/B beyond what the 2-byte form can express, per
// spec.md's stated AVX scope).
func encodeVex(loadOp, storeOp byte, needs66, wideW bool) encodeFunc {
	return func(b *builder, st asmstmt.Statement) error {
		if err := requireOperands(st, 2); err != nil {
			return err
		}
		dst, src := st.Operands[0], st.Operands[1]
		pp := byte(0)
		if needs66 {
			pp = 1
		}
		vl := vlOf(dst)
		if vl == 0 {
			vl = vlOf(src)
		}
		lBit := byte(0)
		if vl == 256 {
			lBit = 1
		}

		if dst.Kind == asmstmt.OperandReg {
			regEnc, cls, ok := regEncoding(dst.Reg)
			if !ok || (cls != arch.ClassYMM && cls != arch.ClassXMM) {
				err := ierr.ErrInvalidDestRegisterName
				ierr.Set(err)
				return err
			}
			rBit := byte(1)
			if regEnc >= 8 {
				rBit = 0
			}
			vvvv := byte(0x0F)
			b.emit(0xC5, (rBit<<7)|(vvvv<<3)|(lBit<<2)|pp)
			modrm, sib, disp, _, err := modRMFor(src, regEnc)
			if err != nil {
				return err
			}
			b.emit(loadOp, modrm)
			b.emit(sib...)
			b.emit(disp...)
			return nil
		}
		regEnc, cls, ok := regEncoding(src.Reg)
		if !ok || (cls != arch.ClassYMM && cls != arch.ClassXMM) {
			err := ierr.ErrInvalidDestRegisterName
			ierr.Set(err)
			return err
		}
		rBit := byte(1)
		if regEnc >= 8 {
			rBit = 0
		}
		vvvv := byte(0x0F)
		b.emit(0xC5, (rBit<<7)|(vvvv<<3)|(lBit<<2)|pp)
		modrm, sib, disp, _, err := modRMFor(dst, regEnc)
		if err != nil {
			return err
		}
		b.emit(storeOp, modrm)
		b.emit(sib...)
		b.emit(disp...)
		return nil
	}
}

// encodeString handles the no-operand rep-prefixable string instructions
// (movs/stos/lods/scas/cmps); base is the 8-bit-form opcode, and the
// 16/32/64-bit forms are base+1 with the matching size prefix/REX.W.
func encodeString(base byte) encodeFunc {
	return func(b *builder, st asmstmt.Statement) error {
		width := 32
		if st.OperandCount > 0 && st.Operands[0].WidthBits != 0 {
			width = st.Operands[0].WidthBits
		}
		if width == 8 {
			b.emit(base)
			return nil
		}
		sizePrefix(b, width)
		if width == 64 {
			b.emit(0x48)
		}
		b.emit(base + 1)
		return nil
	}
}
