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

//go:build linux

package runtime

import (
	"errors"
	"os"
	"testing"

	"github.com/gorse-io/inasm64/internal/encoder"
	"github.com/gorse-io/inasm64/internal/ierr"
)

// requirePtrace skips the test when the sandbox cannot attach via ptrace
// (no CAP_SYS_PTRACE, seccomp profile, or running inside an environment
// that denies PTRACE_ATTACH to its own children).
func requirePtrace(t *testing.T) *Runtime {
	t.Helper()
	rt := New(DefaultCodeSize)
	if err := rt.Start(); err != nil {
		t.Skipf("ptrace sandbox unavailable in this environment: %v", err)
	}
	t.Cleanup(func() { _ = rt.Shutdown() })
	return rt
}

func TestStartAndShutdown(t *testing.T) {
	if os.Getenv("INASM64_SKIP_PTRACE_TESTS") != "" {
		t.Skip("ptrace tests disabled by environment")
	}
	rt := requirePtrace(t)
	if rt.codeBase == 0 {
		t.Fatal("expected a non-zero code region base address")
	}
}

func TestAddInstructionAndStep(t *testing.T) {
	if os.Getenv("INASM64_SKIP_PTRACE_TESTS") != "" {
		t.Skip("ptrace tests disabled by environment")
	}
	rt := requirePtrace(t)

	nop := encoder.Instruction{Bytes: [encoder.MaxInstructionSize]byte{0x90}, Size: 1}
	addr, err := rt.AddInstruction(1, nop.Code())
	if err != nil {
		t.Fatalf("AddInstruction: %v", err)
	}
	if addr != rt.codeBase {
		t.Fatalf("expected the first instruction at the code base")
	}

	if err := rt.SetNextExecuteLine(1); err != nil {
		t.Fatalf("SetNextExecuteLine: %v", err)
	}
	if _, err := rt.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
}

func TestAllocateMemoryAndWriteReadBytes(t *testing.T) {
	if os.Getenv("INASM64_SKIP_PTRACE_TESTS") != "" {
		t.Skip("ptrace tests disabled by environment")
	}
	rt := requirePtrace(t)

	region, err := rt.AllocateMemory(64)
	if err != nil {
		t.Fatalf("AllocateMemory: %v", err)
	}
	want := []byte{1, 2, 3, 4}
	if err := rt.WriteBytes(region.Address, want); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	got, err := rt.ReadBytes(region.Address, len(want))
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got % X, want % X", got, want)
		}
	}
}

func TestWriteBytesOutOfBounds(t *testing.T) {
	if os.Getenv("INASM64_SKIP_PTRACE_TESTS") != "" {
		t.Skip("ptrace tests disabled by environment")
	}
	rt := requirePtrace(t)
	err := rt.WriteBytes(0xDEADBEEF, []byte{0})
	if !errors.Is(err, ierr.ErrInvalidAddress) {
		t.Fatalf("got %v, want ErrInvalidAddress", err)
	}
}

// TestWriteReadBytesOverrunValidRegion exercises spec.md section 8's named
// case: a write/read that starts inside a real allocation but whose length
// overruns its recorded size must be rejected distinctly from an address
// that falls in no region at all.
func TestWriteReadBytesOverrunValidRegion(t *testing.T) {
	if os.Getenv("INASM64_SKIP_PTRACE_TESTS") != "" {
		t.Skip("ptrace tests disabled by environment")
	}
	rt := requirePtrace(t)

	region, err := rt.AllocateMemory(4)
	if err != nil {
		t.Fatalf("AllocateMemory: %v", err)
	}

	overrun := make([]byte, region.Size+1)
	if err := rt.WriteBytes(region.Address, overrun); !errors.Is(err, ierr.ErrMemoryWriteSizeMismatch) {
		t.Fatalf("WriteBytes overrun = %v, want ErrMemoryWriteSizeMismatch", err)
	}
	if _, err := rt.ReadBytes(region.Address, region.Size+1); !errors.Is(err, ierr.ErrMemoryReadSizeMismatch) {
		t.Fatalf("ReadBytes overrun = %v, want ErrMemoryReadSizeMismatch", err)
	}
}
