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

package vars

import (
	"errors"
	"testing"

	"github.com/gorse-io/inasm64/internal/ierr"
)

func TestSetGet(t *testing.T) {
	cases := []struct {
		name  string
		set   string
		get   string
		value uint64
	}{
		{"exact case", "foo", "foo", 42},
		{"case insensitive", "Bar", "bAR", 7},
		{"trims whitespace", " baz ", "baz", 9},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tbl := New()
			if err := tbl.Set(c.set, c.value); err != nil {
				t.Fatalf("Set: %v", err)
			}
			got, err := tbl.Get(c.get)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got != c.value {
				t.Fatalf("got %d, want %d", got, c.value)
			}
		})
	}
}

func TestGetUndefined(t *testing.T) {
	tbl := New()
	if _, err := tbl.Get("missing"); !errors.Is(err, ierr.ErrUndefinedVariable) {
		t.Fatalf("got %v, want ErrUndefinedVariable", err)
	}
}

func TestSetNameTooLong(t *testing.T) {
	tbl := New()
	long := ""
	for i := 0; i < MaxNameLength+1; i++ {
		long += "a"
	}
	if err := tbl.Set(long, 1); !errors.Is(err, ierr.ErrInvalidCommandFormat) {
		t.Fatalf("got %v, want ErrInvalidCommandFormat", err)
	}
}

func TestClearAll(t *testing.T) {
	tbl := New()
	tbl.Set("x", 1)
	tbl.ClearAll()
	if tbl.Has("x") {
		t.Fatal("expected x to be cleared")
	}
}
