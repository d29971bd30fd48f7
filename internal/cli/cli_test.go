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

package cli

import (
	"errors"
	"testing"

	"github.com/gorse-io/inasm64/internal/ierr"
	"github.com/gorse-io/inasm64/internal/runtime"
	"github.com/gorse-io/inasm64/internal/vars"
)

func TestExpandVariables(t *testing.T) {
	vt := vars.New()
	vt.Set("foo", 0x2a)
	c := New(nil, vt, Hooks{})

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"single var", "mov eax, $foo", "mov eax, 0x2a"},
		{"no vars", "nop", "nop"},
		{"bare dollar", "cost is $ 5", "cost is $ 5"},
	}
	for _, c2 := range cases {
		t.Run(c2.name, func(t *testing.T) {
			got, err := c.expandVariables(c2.in)
			if err != nil {
				t.Fatalf("expandVariables: %v", err)
			}
			if got != c2.want {
				t.Fatalf("got %q, want %q", got, c2.want)
			}
		})
	}
}

func TestExpandVariablesUndefined(t *testing.T) {
	c := New(nil, vars.New(), Hooks{})
	if _, err := c.expandVariables("mov eax, $missing"); err == nil {
		t.Fatal("expected an error for an undefined variable")
	}
}

func TestAssemblingModeTransition(t *testing.T) {
	var started, stopped bool
	c := New(nil, vars.New(), Hooks{
		OnStartAssembling: func() { started = true },
	})
	if err := c.Execute("a"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !started || c.Mode() != ModeAssembling {
		t.Fatal("expected assembling mode to start")
	}
	if err := c.Execute("mov eax, ebx"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(c.pending) != 1 {
		t.Fatalf("expected one pending line, got %d", len(c.pending))
	}
	_ = stopped
}

func TestUnknownCommand(t *testing.T) {
	var gotCmd string
	c := New(nil, vars.New(), Hooks{
		OnUnknownCommand: func(cmd string) { gotCmd = cmd },
	})
	if err := c.Execute("zzz"); err == nil {
		t.Fatal("expected an error for an unknown command")
	}
	if gotCmd != "zzz" {
		t.Fatalf("got %q, want zzz", gotCmd)
	}
}

// TestRegisterCommandDispatch checks that "r", "rf", "rx" and "ry" each
// reach a register read (and so fail with ErrRuntimeUninitialised against
// an unstarted runtime, rather than ErrInvalidRegisterName or
// ErrCliUnknownCommand). It does not tell apart which display each verb
// reaches.
func TestRegisterCommandDispatch(t *testing.T) {
	rt := runtime.New(runtime.DefaultCodeSize)
	c := New(rt, vars.New(), Hooks{})
	for _, cmd := range []string{"r", "rf", "rx", "ry"} {
		t.Run(cmd, func(t *testing.T) {
			if err := c.Execute(cmd); !errors.Is(err, ierr.ErrRuntimeUninitialised) {
				t.Fatalf("Execute(%q) = %v, want ErrRuntimeUninitialised", cmd, err)
			}
		})
	}
}

func TestInputTooLong(t *testing.T) {
	c := New(nil, vars.New(), Hooks{})
	long := make([]byte, MaxInputLength+1)
	for i := range long {
		long[i] = 'a'
	}
	if err := c.Execute(string(long)); err == nil {
		t.Fatal("expected an error for over-length input")
	}
}
