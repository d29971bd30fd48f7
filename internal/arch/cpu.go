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

package arch

import "golang.org/x/sys/cpu"

// SseLevel enumerates the SSE generations the original ia64.cpp probed via
// cpuid, from no SSE support up to SSE4.2.
type SseLevel int

const (
	SseLevelNone SseLevel = iota
	SseLevel1
	SseLevel2
	SseLevel3
	SseLevelSsse3
	SseLevel4_1
	SseLevel4_2
)

// SseLevelSupported reports whether the host CPU supports at least level.
func SseLevelSupported(level SseLevel) bool {
	switch level {
	case SseLevelNone:
		return true
	case SseLevel1:
		return cpu.X86.HasSSE41 || cpu.X86.HasSSE42 || cpu.X86.HasSSSE3 || cpu.X86.HasSSE3 || cpu.X86.HasSSE2
	case SseLevel2:
		return cpu.X86.HasSSE2
	case SseLevel3:
		return cpu.X86.HasSSE3
	case SseLevelSsse3:
		return cpu.X86.HasSSSE3
	case SseLevel4_1:
		return cpu.X86.HasSSE41
	case SseLevel4_2:
		return cpu.X86.HasSSE42
	default:
		return false
	}
}

// AvxSupported reports whether the CPU advertises AVX and the OS has enabled
// XSAVE for the relevant state (the equivalent of the original's combined
// cpuid-bit + XGETBV check in check_system()).
func AvxSupported() bool {
	return cpu.X86.HasAVX && cpu.X86.HasOSXSAVE
}

// Avx2Supported reports AVX2 availability, gated the same way as AvxSupported.
func Avx2Supported() bool {
	return cpu.X86.HasAVX2 && cpu.X86.HasOSXSAVE
}

// Avx512Supported reports AVX-512 foundation support. This is new relative
// to the original, which predates widespread AVX-512 deployment; it follows
// spec.md's instruction to extend vector-length handling to ZMM registers.
func Avx512Supported() bool {
	return cpu.X86.HasAVX512F && cpu.X86.HasOSXSAVE
}

// MaxVectorWidth returns the widest vector register class usable for SetReg
// and GetReg on this host: 128 if only SSE is available, 256 for AVX/AVX2,
// 512 for AVX-512F, or 0 if no vector extension is usable at all.
func MaxVectorWidth() int {
	switch {
	case Avx512Supported():
		return 512
	case AvxSupported():
		return 256
	case SseLevelSupported(SseLevel1):
		return 128
	default:
		return 0
	}
}
