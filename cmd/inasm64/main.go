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

// Command inasm64 is an interactive x86-64 assembler and single-step
// execution sandbox: it reads one line of assembly or a REPL command at a
// time, encodes and stages the instruction in a ptrace-controlled child
// process, and lets the user step through it while inspecting registers and
// memory.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/gorse-io/inasm64/internal/arch"
	"github.com/gorse-io/inasm64/internal/cli"
	"github.com/gorse-io/inasm64/internal/runtime"
	"github.com/gorse-io/inasm64/internal/vars"
)

var (
	codeSize int
	dataSize int
	verbose  bool
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == runtime.TrapModeArgumentValue {
		runChild()
		return
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runChild is what this same binary becomes when re-invoked by
// internal/runtime.Start: it does nothing of its own, since every
// instruction it ever executes is injected and single-stepped by the
// tracing parent. It simply blocks forever.
func runChild() {
	for {
		time.Sleep(time.Hour)
	}
}

var rootCmd = &cobra.Command{
	Use:   "inasm64",
	Short: "interactive x86-64 assembler and single-step execution sandbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRepl(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().IntVar(&codeSize, "code-size", runtime.DefaultCodeSize, "size in bytes of the child's executable scratch region")
	rootCmd.PersistentFlags().IntVar(&dataSize, "data-size", runtime.DefaultDataSize, "default size in bytes for a fresh data region")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "print each assembled instruction's machine bytes as it is staged")
	rootCmd.SilenceUsage = true
}

func runRepl(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()

	rt := runtime.New(codeSize)
	if err := rt.Start(); err != nil {
		return fmt.Errorf("starting sandbox: %w", err)
	}
	defer rt.Shutdown()

	vt := vars.New()
	region, err := rt.AllocateMemory(dataSize)
	if err != nil {
		return fmt.Errorf("allocating default data region: %w", err)
	}
	vt.Set("data", uint64(region.Address))
	fmt.Fprintf(out, "default data region: %d bytes at 0x%x ($data)\n", dataSize, region.Address)
	hooks := cli.Hooks{
		OnAssembling: func(line string) {
			if verbose {
				fmt.Fprintf(out, "queued: %s\n", line)
			}
		},
		OnAssembleError: func(err error) {
			fmt.Fprintf(out, "assemble error: %v\n", err)
		},
		OnStartAssembling: func() {
			fmt.Fprintln(out, "entering assembly mode, blank line to commit")
		},
		OnStopAssembling: func() {
			fmt.Fprintln(out, "committed")
		},
		OnStep: func(changed []runtime.ChangedRegister) {
			for _, c := range changed {
				fmt.Fprintf(out, "  %-8s 0x%x\n", c.Name, c.Value)
			}
		},
		OnDisplayGPRegisters: func(values map[string][]byte) {
			printRegisterValues(out, values)
		},
		OnDisplayFlagRegisters: func(flags map[string]bool) {
			printFlagRegisters(out, flags)
		},
		OnDisplayXMMRegisters: func(values map[string][]byte) {
			printRegisterValues(out, values)
		},
		OnDisplayYMMRegisters: func(values map[string][]byte) {
			printRegisterValues(out, values)
		},
		OnSetRegister: func(name string, value []byte) {
			fmt.Fprintf(out, "%s <- % X\n", name, value)
		},
		OnUnknownCommand: func(cmd string) {
			fmt.Fprintf(out, "unknown command: %s\n", cmd)
		},
		OnHelp: func() {
			fmt.Fprintln(out, helpText)
		},
		OnQuit: func() {
			fmt.Fprintln(out, "bye")
		},
	}
	repl := cli.New(rt, vt, hooks)

	fmt.Fprintf(out, "inasm64 ready (AVX=%v AVX2=%v AVX512=%v)\n",
		arch.AvxSupported(), arch.Avx2Supported(), arch.Avx512Supported())

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		line := scanner.Text()
		if err := repl.Execute(line); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
		if repl.Mode() == cli.ModeProcessing && line == "q" {
			break
		}
	}
	return nil
}

func printRegisterValues(out io.Writer, values map[string][]byte) {
	names := make([]string, 0, len(values))
	for n := range values {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(out, "%-8s % X\n", n, values[n])
	}
}

func printFlagRegisters(out io.Writer, flags map[string]bool) {
	names := make([]string, 0, len(flags))
	for n := range flags {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(out, "%-8s %v\n", n, flags[n])
	}
}

const helpText = `commands:
  a                 enter assembly mode (blank line commits)
  p [address]       single-step, optionally repositioning first
  r                 display general-purpose registers
  rf                display the EFLAGS flag bits
  rx                display XMM registers
  ry                display YMM registers
  r <reg> <value>   set a register to a hex value
  h                 show this help
  q                 quit`
