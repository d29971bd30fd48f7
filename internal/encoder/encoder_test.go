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
	"bytes"
	"testing"

	"github.com/gorse-io/inasm64/internal/asmstmt"
)

func mustParse(t *testing.T, line string) asmstmt.Statement {
	t.Helper()
	st, err := asmstmt.Parse(line)
	if err != nil {
		t.Fatalf("Parse(%q): %v", line, err)
	}
	return st
}

func TestEncodeRegReg(t *testing.T) {
	cases := []struct {
		line string
		want []byte
	}{
		{"mov eax, ebx", []byte{0x8B, 0xC3}},
		{"mov rax, rbx", []byte{0x48, 0x8B, 0xC3}},
		{"mov eax, 0x2a", []byte{0xB8, 0x2A, 0x00, 0x00, 0x00}},
		{"add eax, ebx", []byte{0x03, 0xC3}},
		{"sub eax, ecx", []byte{0x2B, 0xC1}},
		{"xor eax, eax", []byte{0x33, 0xC0}},
		{"push rax", []byte{0x50}},
		{"push r8", []byte{0x41, 0x50}},
		{"pop rbx", []byte{0x5B}},
		{"nop", []byte{0x90}},
		{"int3", []byte{0xCC}},
		{"ret", []byte{0xC3}},
	}
	for _, c := range cases {
		t.Run(c.line, func(t *testing.T) {
			st := mustParse(t, c.line)
			ins, err := Encode(st)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if !bytes.Equal(ins.Code(), c.want) {
				t.Fatalf("got % X, want % X", ins.Code(), c.want)
			}
		})
	}
}

func TestEncodeMemoryOperand(t *testing.T) {
	st := mustParse(t, "mov eax, [rbx]")
	ins, err := Encode(st)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{0x8B, 0x03}
	if !bytes.Equal(ins.Code(), want) {
		t.Fatalf("got % X, want % X", ins.Code(), want)
	}
}

func TestEncodeMemoryWithDisplacement(t *testing.T) {
	st := mustParse(t, "mov eax, [rbx+0x10]")
	ins, err := Encode(st)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{0x8B, 0x43, 0x10}
	if !bytes.Equal(ins.Code(), want) {
		t.Fatalf("got % X, want % X", ins.Code(), want)
	}
}

func TestEncodeImmediateToMemory(t *testing.T) {
	st := mustParse(t, "mov dword [rbx], 0x2a")
	ins, err := Encode(st)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{0xC7, 0x03, 0x2A, 0x00, 0x00, 0x00}
	if !bytes.Equal(ins.Code(), want) {
		t.Fatalf("got % X, want % X", ins.Code(), want)
	}
}

func TestEncodeUnknownMnemonic(t *testing.T) {
	st := mustParse(t, "bogus eax, ebx")
	if _, err := Encode(st); err == nil {
		t.Fatal("expected an error for an unknown mnemonic")
	}
}
