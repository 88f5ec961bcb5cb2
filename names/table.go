// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

// Package names holds the two name tables the wire encoding can refer
// to by index.
//
// System names are a fixed, well-known list shared by every
// interpreter: an index below [SystemLimit] identifies one of them
// without any prior agreement between client and peer.
//
// User names are allocated by the client on first use. The [Table] is
// append-only and process-wide within a session: an index, once
// handed out, always denotes the same name. A peer learns a user
// index only through an explicit "defineusername" directive, which
// the session emits before the first write that uses the index.
package names

import "fmt"

// Table is an append-only mapping between user names and indices.
// The zero value is not usable; call [NewTable].
//
// Table is not safe for concurrent use. A session owns exactly one
// and mutates it only from its event goroutine.
type Table struct {
	names []string
	index map[string]int
}

// NewTable returns an empty user name table.
func NewTable() *Table {
	return &Table{index: make(map[string]int)}
}

// Intern returns the index for name, allocating the next index when
// the name has not been seen before. added reports whether an
// allocation happened.
func (t *Table) Intern(name string) (index int, added bool) {
	if existing, ok := t.index[name]; ok {
		return existing, false
	}
	index = len(t.names)
	t.names = append(t.names, name)
	t.index[name] = index
	return index, true
}

// Index returns the index previously allocated for name.
func (t *Table) Index(name string) (int, bool) {
	index, ok := t.index[name]
	return index, ok
}

// Lookup returns the name for a user index.
func (t *Table) Lookup(index int) (string, bool) {
	if index < 0 || index >= len(t.names) {
		return "", false
	}
	return t.names[index], true
}

// Last returns the highest allocated index, or -1 when the table is
// empty.
func (t *Table) Last() int {
	return len(t.names) - 1
}

// Range calls fn for every index in (after, through], in ascending
// order. It stops at the first error fn returns.
func (t *Table) Range(after, through int, fn func(index int, name string) error) error {
	if through > t.Last() {
		return fmt.Errorf("names: range end %d beyond last index %d", through, t.Last())
	}
	for index := after + 1; index <= through; index++ {
		if index < 0 {
			continue
		}
		if err := fn(index, t.names[index]); err != nil {
			return err
		}
	}
	return nil
}
