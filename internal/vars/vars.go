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

// Package vars is a case-insensitive name to uint64 store, the Go
// equivalent of the original's hand-rolled FNV-1a hashed variable table.
package vars

import (
	"strings"
	"sync"

	"github.com/gorse-io/inasm64/internal/ierr"
)

// MaxNameLength mirrors the original's kMaxVarLength bound on variable names.
const MaxNameLength = 32

// Table is a concurrency-safe name->value store. The zero value is ready to
// use.
type Table struct {
	mu   sync.RWMutex
	vals map[string]uint64
}

// New returns an empty Table.
func New() *Table {
	return &Table{vals: make(map[string]uint64)}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Set binds name to value, overwriting any previous binding. Names longer
// than MaxNameLength are rejected with ErrInvalidCommandFormat.
func (t *Table) Set(name string, value uint64) error {
	name = normalize(name)
	if name == "" || len(name) > MaxNameLength {
		err := ierr.ErrInvalidCommandFormat
		ierr.Set(err)
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.vals == nil {
		t.vals = make(map[string]uint64)
	}
	t.vals[name] = value
	return nil
}

// Get returns the value bound to name, or ErrUndefinedVariable if unbound.
func (t *Table) Get(name string) (uint64, error) {
	name = normalize(name)
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.vals[name]
	if !ok {
		err := ierr.ErrUndefinedVariable
		ierr.Set(err)
		return 0, err
	}
	return v, nil
}

// Has reports whether name is currently bound.
func (t *Table) Has(name string) bool {
	name = normalize(name)
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.vals[name]
	return ok
}

// ClearAll removes every binding, the equivalent of the original's
// globvars::ClearAll.
func (t *Table) ClearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.vals = make(map[string]uint64)
}

// Names returns all bound names in unspecified order.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.vals))
	for n := range t.vals {
		names = append(names, n)
	}
	return names
}
