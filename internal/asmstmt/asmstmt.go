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

// Package asmstmt turns one line of assembly text into a Statement: a
// mnemonic, its prefixes, and up to three decomposed operands. It is a
// direct port of the original's two-pass Tokenise/TokeniseOperand design —
// first split the line into prefix words, mnemonic and comma-separated
// operand strings, then walk each operand string into register, immediate
// or seg:[base+index*scale+disp] memory form.
package asmstmt

import (
	"strconv"
	"strings"

	"github.com/gorse-io/inasm64/internal/arch"
	"github.com/gorse-io/inasm64/internal/ierr"
)

// OperandKind classifies a decoded Operand.
type OperandKind int

const (
	OperandNone OperandKind = iota
	OperandReg
	OperandImm
	OperandMem
)

// MemOperand is a decomposed seg:[base+index*scale+disp] expression. Any
// field may be empty/zero when absent from the source text.
type MemOperand struct {
	Seg           string
	Base          string
	Index         string
	Scale         int
	Disp          int64
	HasDisp       bool
	DispWidthBits int
}

// Operand is one decoded instruction operand.
type Operand struct {
	Kind      OperandKind
	Reg       string
	Imm       uint64
	ImmSigned bool
	Mem       MemOperand
	WidthBits int
	// Explicit reports whether WidthBits came from the operand's own form
	// (a register's intrinsic width, or a size keyword preceding a memory
	// or immediate operand) rather than from reconcileWidths' fallback.
	// internal/encoder uses this to tell a genuine size clash (both sides
	// explicit, widths differ) from an unannotated operand taking on a
	// sibling's width.
	Explicit bool
}

// Statement is a fully decomposed assembly line, ready for internal/encoder.
type Statement struct {
	Lock, Rep, Repe, Repne bool
	Mnemonic               string
	Operands               [3]Operand
	OperandCount           int
}

var prefixWords = map[string]string{
	"lock":  "lock",
	"rep":   "rep",
	"repe":  "repe",
	"repz":  "repe",
	"repne": "repne",
	"repnz": "repne",
}

var sizeWords = map[string]int{
	"byte":    8,
	"word":    16,
	"dword":   32,
	"qword":   64,
	"xmmword": 128,
	"ymmword": 256,
	"zmmword": 512,
}

// Parse tokenises and decomposes line into a Statement.
func Parse(line string) (Statement, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		err := ierr.ErrEmptyInput
		ierr.Set(err)
		return Statement{}, err
	}

	fields := strings.Fields(line)
	var st Statement
	i := 0
	for i < len(fields) {
		p, ok := prefixWords[strings.ToLower(fields[i])]
		if !ok {
			break
		}
		switch p {
		case "lock":
			st.Lock = true
		case "rep":
			st.Rep = true
		case "repe":
			st.Repe = true
		case "repne":
			st.Repne = true
		}
		i++
	}
	if i >= len(fields) {
		err := ierr.ErrInvalidInstructionFormat
		ierr.Set(err)
		return Statement{}, err
	}
	st.Mnemonic = strings.ToLower(fields[i])
	i++

	rest := strings.TrimSpace(strings.Join(fields[i:], " "))
	if rest == "" {
		return st, nil
	}

	parts := splitOperands(rest)
	if len(parts) > 3 {
		err := ierr.ErrUnsupportedInstructionFormat
		ierr.Set(err)
		return Statement{}, err
	}
	for idx, part := range parts {
		op, err := decomposeOperand(strings.TrimSpace(part))
		if err != nil {
			return Statement{}, err
		}
		st.Operands[idx] = op
	}
	st.OperandCount = len(parts)

	reconcileWidths(&st)
	return st, nil
}

// splitOperands splits on commas that are not inside [...].
func splitOperands(s string) []string {
	var parts []string
	depth := 0
	start := 0
	for i, c := range s {
		switch c {
		case '[':
			depth++
		case ']':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func decomposeOperand(s string) (Operand, error) {
	if s == "" {
		err := ierr.ErrInvalidOperandFormat
		ierr.Set(err)
		return Operand{}, err
	}

	var widthHint int
	lower := strings.ToLower(s)
	for word, width := range sizeWords {
		if strings.HasPrefix(lower, word) {
			rest := strings.TrimSpace(s[len(word):])
			if rest != "" {
				widthHint = width
				s = rest
				break
			}
		}
	}

	seg := ""
	if idx := strings.Index(s, ":"); idx >= 0 && strings.Contains(s, "[") {
		seg = strings.ToLower(strings.TrimSpace(s[:idx]))
		if !arch.IsSegment(seg) {
			err := ierr.ErrInvalidOperandFormat
			ierr.Set(err)
			return Operand{}, err
		}
		s = strings.TrimSpace(s[idx+1:])
	}

	if strings.HasPrefix(s, "[") {
		mem, err := decomposeMemory(s, seg)
		if err != nil {
			return Operand{}, err
		}
		return Operand{Kind: OperandMem, Mem: mem, WidthBits: widthHint, Explicit: widthHint != 0}, nil
	}

	if reg := arch.Lookup(s); reg.Valid() && reg.Name == strings.ToLower(s) {
		return Operand{Kind: OperandReg, Reg: reg.Name, WidthBits: reg.BitWidth, Explicit: true}, nil
	}

	imm, signed, err := parseImmediate(s)
	if err != nil {
		return Operand{}, err
	}
	width := widthHint
	if width == 0 {
		width = immWidth(imm, signed)
	}
	return Operand{Kind: OperandImm, Imm: imm, ImmSigned: signed, WidthBits: width, Explicit: widthHint != 0}, nil
}

// immWidth computes the smallest multiple-of-8 bit-width that contains an
// immediate's most-significant set bit (0x80 -> 8, 0x100 -> 16, ...), per
// spec.md section 4.1's width-reconciliation rule; a signed literal is
// measured by the narrowest two's-complement width it fits in instead, so
// that e.g. -1 stays 8 bits rather than ballooning to 64.
func immWidth(v uint64, signed bool) int {
	if signed {
		sv := int64(v)
		switch {
		case sv >= -128 && sv <= 127:
			return 8
		case sv >= -32768 && sv <= 32767:
			return 16
		case sv >= -2147483648 && sv <= 2147483647:
			return 32
		default:
			return 64
		}
	}
	switch {
	case v <= 0xFF:
		return 8
	case v <= 0xFFFF:
		return 16
	case v <= 0xFFFFFFFF:
		return 32
	default:
		return 64
	}
}

// parseImmediate accepts the four literal forms spec.md section 6 names:
// 0x-prefixed hex, a trailing-h hex suffix, a 0b-prefixed binary literal,
// and a plain decimal digit sequence, each optionally signed by a leading
// '+' or '-'.
func parseImmediate(s string) (uint64, bool, error) {
	neg := false
	t := s
	switch {
	case strings.HasPrefix(t, "-"):
		neg = true
		t = t[1:]
	case strings.HasPrefix(t, "+"):
		t = t[1:]
	}
	t = strings.TrimSpace(t)
	lower := strings.ToLower(t)
	var v uint64
	var err error
	switch {
	case strings.HasPrefix(lower, "0x"):
		v, err = strconv.ParseUint(t[2:], 16, 64)
	case strings.HasPrefix(lower, "0b"):
		v, err = strconv.ParseUint(t[2:], 2, 64)
	case strings.HasSuffix(lower, "h"):
		v, err = strconv.ParseUint(t[:len(t)-1], 16, 64)
	default:
		v, err = strconv.ParseUint(t, 10, 64)
	}
	if err != nil {
		parseErr := ierr.ErrInvalidOperandFormat
		ierr.Set(parseErr)
		return 0, false, parseErr
	}
	if neg {
		v = uint64(-int64(v))
	}
	return v, neg, nil
}

// decomposeMemory walks a "[base+index*scale+disp]" expression the way the
// original's TokeniseOperand does: accumulate '+'-separated terms, classify
// each as a register (base if none seen yet, else index), an
// index*scale pair, or a displacement.
func decomposeMemory(s string, seg string) (MemOperand, error) {
	if !strings.HasSuffix(s, "]") {
		err := ierr.ErrInvalidOperandFormat
		ierr.Set(err)
		return MemOperand{}, err
	}
	inner := s[1 : len(s)-1]

	// Pure hex/decimal displacement with no registers, e.g. [0x11223344].
	if mem, ok, err := tryPureDisplacement(inner, seg); ok || err != nil {
		return mem, err
	}

	mem := MemOperand{Seg: seg, Scale: 1}
	haveBase := false
	for _, term := range splitPlusTerms(inner) {
		term = strings.TrimSpace(term)
		term = strings.TrimPrefix(term, "+")
		if term == "" {
			continue
		}
		if idx := strings.Index(term, "*"); idx >= 0 {
			regPart := strings.TrimSpace(term[:idx])
			scalePart := strings.TrimSpace(term[idx+1:])
			scale, err := strconv.Atoi(scalePart)
			if err != nil || (scale != 1 && scale != 2 && scale != 4 && scale != 8) {
				scaleErr := ierr.ErrInvalidOperandScale
				ierr.Set(scaleErr)
				return MemOperand{}, scaleErr
			}
			reg := arch.Lookup(regPart)
			if !reg.Valid() || reg.Class != arch.ClassGPR {
				err := ierr.ErrInvalidOperandFormat
				ierr.Set(err)
				return MemOperand{}, err
			}
			mem.Index = reg.Name
			mem.Scale = scale
			continue
		}
		if reg := arch.Lookup(term); reg.Valid() && reg.Class == arch.ClassGPR && reg.Name == strings.ToLower(term) {
			if !haveBase {
				mem.Base = reg.Name
				haveBase = true
			} else {
				mem.Index = reg.Name
			}
			continue
		}
		disp, _, err := parseImmediate(term)
		if err != nil {
			return MemOperand{}, err
		}
		mem.Disp = int64(disp)
		mem.HasDisp = true
		mem.DispWidthBits = dispWidth(int64(disp))
	}
	return mem, nil
}

func tryPureDisplacement(inner string, seg string) (MemOperand, bool, error) {
	t := strings.TrimSpace(inner)
	if strings.ContainsAny(t, "+*") {
		return MemOperand{}, false, nil
	}
	if arch.Lookup(t).Valid() {
		return MemOperand{}, false, nil
	}
	disp, _, err := parseImmediate(t)
	if err != nil {
		return MemOperand{}, false, nil
	}
	return MemOperand{Seg: seg, Scale: 1, Disp: int64(disp), HasDisp: true, DispWidthBits: dispWidth(int64(disp))}, true, nil
}

func splitPlusTerms(s string) []string {
	var terms []string
	start := 0
	for i := 1; i < len(s); i++ {
		if s[i] == '+' || (s[i] == '-' && i > start) {
			terms = append(terms, s[start:i])
			start = i
		}
	}
	terms = append(terms, s[start:])
	return terms
}

func dispWidth(v int64) int {
	if v >= -128 && v <= 127 {
		return 8
	}
	if v >= -2147483648 && v <= 2147483647 {
		return 32
	}
	return 64
}

// reconcileWidths fills in the one width decomposeOperand can leave at
// zero: a memory operand with no explicit size modifier takes the width of
// the first register or immediate operand found among its siblings,
// defaulting to 32 if none is present, matching the original's
// setup_statement fallback. Immediate and register operands always leave
// decomposeOperand with a non-zero WidthBits already, so only Memory needs
// a pass here.
func reconcileWidths(st *Statement) {
	resolved := 0
	for _, op := range st.Operands[:st.OperandCount] {
		if op.Kind != OperandMem && op.WidthBits != 0 {
			resolved = op.WidthBits
			break
		}
	}
	if resolved == 0 {
		resolved = 32
	}
	for idx := range st.Operands[:st.OperandCount] {
		if st.Operands[idx].Kind == OperandMem && st.Operands[idx].WidthBits == 0 {
			st.Operands[idx].WidthBits = resolved
		}
	}
}
