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

package asmstmt

import (
	"errors"
	"testing"

	"github.com/gorse-io/inasm64/internal/ierr"
)

func TestParseRegisterOperands(t *testing.T) {
	st, err := Parse("mov eax, ebx")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if st.Mnemonic != "mov" || st.OperandCount != 2 {
		t.Fatalf("got %+v", st)
	}
	if st.Operands[0].Kind != OperandReg || st.Operands[0].Reg != "eax" {
		t.Fatalf("operand 0 = %+v", st.Operands[0])
	}
	if st.Operands[1].Kind != OperandReg || st.Operands[1].Reg != "ebx" {
		t.Fatalf("operand 1 = %+v", st.Operands[1])
	}
}

func TestParseImmediate(t *testing.T) {
	st, err := Parse("mov eax, 0x2a")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if st.Operands[1].Kind != OperandImm || st.Operands[1].Imm != 0x2a {
		t.Fatalf("operand 1 = %+v", st.Operands[1])
	}
}

func TestParseMemoryOperand(t *testing.T) {
	cases := []struct {
		name       string
		line       string
		wantBase   string
		wantIndex  string
		wantScale  int
		wantDisp   int64
		wantHasSeg bool
	}{
		{"base only", "mov eax, [rbx]", "rbx", "", 1, 0, false},
		{"base+disp", "mov eax, [rbx+0x10]", "rbx", "", 1, 0x10, false},
		{"base+index*scale", "mov eax, [rbx+rcx*4]", "rbx", "rcx", 4, 0, false},
		{"full sib", "mov eax, [rbx+rcx*4+0x20]", "rbx", "rcx", 4, 0x20, false},
		{"segment", "mov eax, fs:[rbx]", "rbx", "", 1, 0, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			st, err := Parse(c.line)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			mem := st.Operands[1].Mem
			if mem.Base != c.wantBase {
				t.Fatalf("base = %q, want %q", mem.Base, c.wantBase)
			}
			if mem.Index != c.wantIndex {
				t.Fatalf("index = %q, want %q", mem.Index, c.wantIndex)
			}
			if mem.Scale != c.wantScale {
				t.Fatalf("scale = %d, want %d", mem.Scale, c.wantScale)
			}
			if mem.Disp != c.wantDisp {
				t.Fatalf("disp = %d, want %d", mem.Disp, c.wantDisp)
			}
			if c.wantHasSeg && mem.Seg == "" {
				t.Fatalf("expected a segment override")
			}
		})
	}
}

func TestParsePureDisplacement(t *testing.T) {
	st, err := Parse("mov eax, [0x11223344]")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	mem := st.Operands[1].Mem
	if !mem.HasDisp || mem.Disp != 0x11223344 || mem.Base != "" {
		t.Fatalf("mem = %+v", mem)
	}
}

func TestParsePrefixes(t *testing.T) {
	st, err := Parse("rep movs byte [rdi], [rsi]")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !st.Rep || st.Mnemonic != "movs" {
		t.Fatalf("got %+v", st)
	}
}

func TestParseEmptyInput(t *testing.T) {
	if _, err := Parse("   "); !errors.Is(err, ierr.ErrEmptyInput) {
		t.Fatalf("got %v, want ErrEmptyInput", err)
	}
}

func TestParseTooManyOperands(t *testing.T) {
	if _, err := Parse("mov eax, ebx, ecx, edx"); !errors.Is(err, ierr.ErrUnsupportedInstructionFormat) {
		t.Fatalf("got %v, want ErrUnsupportedInstructionFormat", err)
	}
}

func TestParseInvalidScale(t *testing.T) {
	if _, err := Parse("mov eax, [rbx+rcx*3]"); !errors.Is(err, ierr.ErrInvalidOperandScale) {
		t.Fatalf("got %v, want ErrInvalidOperandScale", err)
	}
}
