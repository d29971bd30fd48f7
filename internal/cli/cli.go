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

// Package cli implements the REPL: Processing/Assembling mode switching,
// $name variable expansion, and a one-letter command dispatch table, driven
// entirely through a Hooks struct of callback fields so the shell that
// prints to a terminal stays outside this package.
package cli

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/gorse-io/inasm64/internal/asmstmt"
	"github.com/gorse-io/inasm64/internal/encoder"
	"github.com/gorse-io/inasm64/internal/ierr"
	"github.com/gorse-io/inasm64/internal/runtime"
	"github.com/gorse-io/inasm64/internal/vars"
)

// Mode is the REPL's current input mode.
type Mode int

const (
	ModeProcessing Mode = iota
	ModeAssembling
)

// MaxInputLength mirrors the original's line-length guard on raw REPL input.
const MaxInputLength = 256

// Hooks is a record of callback fields the CLI invokes as it processes
// input; every field may be left nil, in which case the corresponding
// event is silently dropped. This is the Go equivalent of the original's
// global std::function callback slots (cli::OnStep, cli::OnDisplayRegister,
// and so on), kept as one struct rather than package-level globals so
// multiple CLI instances don't share state.
type Hooks struct {
	OnDataValueSet         func(name string, value uint64)
	OnSetRegister          func(name string, value []byte)
	OnDisplayRegister      func(name string, value []byte)
	OnDisplayGPRegisters   func(values map[string][]byte)
	OnDisplayFlagRegisters func(flags map[string]bool)
	OnDisplayXMMRegisters  func(values map[string][]byte)
	OnDisplayYMMRegisters  func(values map[string][]byte)
	OnStep                 func(changed []runtime.ChangedRegister)
	OnStartAssembling      func()
	OnStopAssembling       func()
	OnAssembleError        func(err error)
	OnAssembling           func(line string)
	OnQuit                 func()
	OnHelp                 func()
	OnUnknownCommand       func(cmd string)
}

// CLI drives one REPL session over a runtime and a variable table.
type CLI struct {
	mode    Mode
	rt      *runtime.Runtime
	vars    *vars.Table
	hooks   Hooks
	pending []pendingLine
	nextID  int
}

type pendingLine struct {
	id   int
	text string
}

// New constructs a CLI in Processing mode.
func New(rt *runtime.Runtime, vt *vars.Table, hooks Hooks) *CLI {
	return &CLI{rt: rt, vars: vt, hooks: hooks}
}

// Mode returns the REPL's current mode.
func (c *CLI) Mode() Mode {
	return c.mode
}

// Execute processes one line of REPL input.
func (c *CLI) Execute(input string) error {
	if len(input) > MaxInputLength {
		err := ierr.ErrCliInputLengthExceeded
		ierr.Set(err)
		return err
	}

	if c.mode == ModeAssembling {
		return c.executeAssembling(input)
	}
	return c.executeProcessing(input)
}

func (c *CLI) executeAssembling(input string) error {
	if strings.TrimSpace(input) == "" {
		return c.commitPending()
	}
	c.nextID++
	if _, err := asmstmt.Parse(input); err != nil {
		if c.hooks.OnAssembleError != nil {
			c.hooks.OnAssembleError(err)
		}
		return err
	}
	c.pending = append(c.pending, pendingLine{id: c.nextID, text: input})
	if c.hooks.OnAssembling != nil {
		c.hooks.OnAssembling(input)
	}
	return nil
}

func (c *CLI) commitPending() error {
	for _, p := range c.pending {
		st, err := asmstmt.Parse(p.text)
		if err != nil {
			if c.hooks.OnAssembleError != nil {
				c.hooks.OnAssembleError(err)
			}
			return err
		}
		ins, err := encoder.Encode(st)
		if err != nil {
			if c.hooks.OnAssembleError != nil {
				c.hooks.OnAssembleError(err)
			}
			return err
		}
		if _, err := c.rt.AddInstruction(p.id, ins.Code()); err != nil {
			return err
		}
	}
	c.pending = nil
	c.mode = ModeProcessing
	if c.hooks.OnStopAssembling != nil {
		c.hooks.OnStopAssembling()
	}
	return nil
}

func (c *CLI) executeProcessing(input string) error {
	expanded, err := c.expandVariables(input)
	if err != nil {
		return err
	}
	trimmed := strings.TrimSpace(expanded)
	if trimmed == "" {
		return nil
	}
	fields := strings.Fields(trimmed)
	cmd := strings.ToLower(fields[0])

	switch {
	case cmd == "a":
		c.mode = ModeAssembling
		if c.hooks.OnStartAssembling != nil {
			c.hooks.OnStartAssembling()
		}
		return nil
	case cmd == "q":
		if err := c.rt.Shutdown(); err != nil {
			return err
		}
		if c.hooks.OnQuit != nil {
			c.hooks.OnQuit()
		}
		return nil
	case cmd == "h":
		if c.hooks.OnHelp != nil {
			c.hooks.OnHelp()
		}
		return nil
	case cmd == "p":
		return c.execStep(fields[1:])
	case strings.HasPrefix(cmd, "r"):
		return c.execRegisterCommand(cmd, fields[1:])
	default:
		if c.hooks.OnUnknownCommand != nil {
			c.hooks.OnUnknownCommand(cmd)
		}
		err := ierr.ErrCliUnknownCommand
		ierr.Set(err)
		return err
	}
}

func (c *CLI) execStep(args []string) error {
	if len(args) == 1 {
		addr, err := strconv.ParseUint(strings.TrimPrefix(args[0], "0x"), 16, 64)
		if err != nil {
			parseErr := ierr.ErrInvalidInputValueFormat
			ierr.Set(parseErr)
			return parseErr
		}
		if err := c.rt.SetNextAddress(uintptr(addr)); err != nil {
			return err
		}
	}
	changed, err := c.rt.Step()
	if err != nil {
		return err
	}
	if c.hooks.OnStep != nil {
		c.hooks.OnStep(changed)
	}
	return nil
}

var gpRegisterNames = []string{
	"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rbp", "rsp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15", "rip", "eflags",
}

func (c *CLI) execRegisterCommand(cmd string, args []string) error {
	switch {
	case len(args) == 2:
		value, err := strconv.ParseUint(strings.TrimPrefix(args[1], "0x"), 16, 64)
		if err != nil {
			parseErr := ierr.ErrInvalidInputValueFormat
			ierr.Set(parseErr)
			return parseErr
		}
		buf := make([]byte, 8)
		for i := range buf {
			buf[i] = byte(value >> (8 * i))
		}
		if err := c.rt.SetReg(args[0], buf); err != nil {
			return err
		}
		if c.hooks.OnSetRegister != nil {
			c.hooks.OnSetRegister(args[0], buf)
		}
		return nil
	case cmd == "rf":
		return c.displayFlagRegisters()
	case cmd == "rx":
		return c.displayVectorRegisters("xmm", c.hooks.OnDisplayXMMRegisters)
	case cmd == "ry":
		return c.displayVectorRegisters("ymm", c.hooks.OnDisplayYMMRegisters)
	case cmd == "r":
		values := make(map[string][]byte, len(gpRegisterNames))
		for _, name := range gpRegisterNames {
			if name == "rip" {
				// rip is not in the arch register table, so GetReg cannot
				// read it; take it from the runtime's register snapshot.
				ip, err := c.rt.InstructionPointer()
				if err != nil {
					return err
				}
				buf := make([]byte, 8)
				for i := range buf {
					buf[i] = byte(uint64(ip) >> (8 * i))
				}
				values[name] = buf
				continue
			}
			v, err := c.rt.GetReg(name)
			if err != nil {
				return err
			}
			values[name] = v
		}
		if c.hooks.OnDisplayGPRegisters != nil {
			c.hooks.OnDisplayGPRegisters(values)
		}
		return nil
	default:
		err := ierr.ErrInvalidRegisterName
		ierr.Set(err)
		return err
	}
}

// eflagsBits names the EFLAGS bits "rF" reports, since this runtime models
// no x87 FPU register file (the encoder never targets x87 instructions) and
// EFLAGS is the only architectural flags/floating-point-adjacent state
// actually tracked.
var eflagsBits = []struct {
	name string
	bit  uint
}{
	{"cf", 0}, {"pf", 2}, {"af", 4}, {"zf", 6}, {"sf", 7},
	{"tf", 8}, {"if", 9}, {"df", 10}, {"of", 11},
}

func (c *CLI) displayFlagRegisters() error {
	raw, err := c.rt.GetReg("eflags")
	if err != nil {
		return err
	}
	var v uint64
	for i := 0; i < len(raw) && i < 8; i++ {
		v |= uint64(raw[i]) << (8 * i)
	}
	flags := make(map[string]bool, len(eflagsBits))
	for _, f := range eflagsBits {
		flags[f.name] = v&(1<<f.bit) != 0
	}
	if c.hooks.OnDisplayFlagRegisters != nil {
		c.hooks.OnDisplayFlagRegisters(flags)
	}
	return nil
}

func (c *CLI) displayVectorRegisters(prefix string, hook func(map[string][]byte)) error {
	values := make(map[string][]byte, 16)
	for i := 0; i < 16; i++ {
		name := fmt.Sprintf("%s%d", prefix, i)
		v, err := c.rt.GetReg(name)
		if err != nil {
			return err
		}
		values[name] = v
	}
	if hook != nil {
		hook(values)
	}
	return nil
}

// expandVariables rewrites every $name occurrence in input to its bound
// value formatted as 0x<hex>, the same textual substitution the original
// performs before dispatching a command.
func (c *CLI) expandVariables(input string) (string, error) {
	var b strings.Builder
	i := 0
	for i < len(input) {
		if input[i] != '$' {
			b.WriteByte(input[i])
			i++
			continue
		}
		j := i + 1
		for j < len(input) && isNameChar(input[j]) {
			j++
		}
		name := input[i+1 : j]
		if name == "" {
			b.WriteByte('$')
			i++
			continue
		}
		value, err := c.vars.Get(name)
		if err != nil {
			return "", err
		}
		b.WriteString(fmt.Sprintf("0x%x", value))
		i = j
	}
	return b.String(), nil
}

func isNameChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}

// sortedNames returns the keys of values sorted for stable display.
func sortedNames(values map[string][]byte) []string {
	names := lo.Keys(values)
	sort.Strings(names)
	return names
}
