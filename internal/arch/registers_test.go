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

import "testing"

func TestLookup(t *testing.T) {
	cases := []struct {
		name      string
		wantClass Class
		wantWidth int
		wantEnc   string
	}{
		{"al", ClassGPR, 8, "rax"},
		{"AX", ClassGPR, 16, "rax"},
		{"eax", ClassGPR, 32, "rax"},
		{"rax", ClassGPR, 64, "rax"},
		{"r15b", ClassGPR, 8, "r15"},
		{"r15", ClassGPR, 64, "r15"},
		{"ah", ClassGPR, 8, "rax"},
		{"bh", ClassGPR, 8, "rbx"},
		{"xmm0", ClassXMM, 128, "zmm0"},
		{"ymm7", ClassYMM, 256, "zmm7"},
		{"zmm15", ClassZMM, 512, "zmm15"},
		{"cs", ClassSegment, 16, "cs"},
		{"eflags", ClassFlags, 32, "eflags"},
		{"notareg", ClassInvalid, 0, ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Lookup(c.name)
			if got.Class != c.wantClass {
				t.Fatalf("class = %v, want %v", got.Class, c.wantClass)
			}
			if got.BitWidth != c.wantWidth {
				t.Fatalf("width = %d, want %d", got.BitWidth, c.wantWidth)
			}
			if c.wantClass != ClassInvalid && got.Enclosing != c.wantEnc {
				t.Fatalf("enclosing = %q, want %q", got.Enclosing, c.wantEnc)
			}
		})
	}
}

func TestLookupTrailingGarbage(t *testing.T) {
	r := Lookup("eax,")
	if !r.Valid() || r.Name != "eax" {
		t.Fatalf("Lookup(%q) = %+v, want eax", "eax,", r)
	}
}

func TestEncodingOf(t *testing.T) {
	cases := []struct {
		name string
		want int
	}{
		{"rax", 0}, {"rcx", 1}, {"rdx", 2}, {"rbx", 3},
		{"rsp", 4}, {"rbp", 5}, {"rsi", 6}, {"rdi", 7},
		{"r8", 8}, {"r15", 15}, {"xmm0", -1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := EncodingOf(c.name); got != c.want {
				t.Fatalf("EncodingOf(%q) = %d, want %d", c.name, got, c.want)
			}
		})
	}
}

func TestIsSegment(t *testing.T) {
	if !IsSegment("fs") {
		t.Fatal("fs should be a segment register")
	}
	if IsSegment("rax") {
		t.Fatal("rax should not be a segment register")
	}
}
