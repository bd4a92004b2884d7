// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats provides the traffic counters of an I/O system.
// Counters are grouped in a Map; snapshots of maps may be added
// together to total the traffic of a whole process group.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Names of the counters maintained by pario.
const (
	// RearrSent counts elements sent by compute processes to I/O
	// processes and back.
	RearrSent = "rearr.sent"
	// RearrRecv counts elements received in rearranger exchanges.
	RearrRecv = "rearr.recv"
	// BackendWrite and BackendRead count backend block calls.
	BackendWrite = "backend.write"
	BackendRead  = "backend.read"
	// DarrayWrite and DarrayRead count distributed array calls.
	DarrayWrite = "darray.write"
	DarrayRead  = "darray.read"
)

// Values is a snapshot of the values in a collection.
type Values map[string]int64

// Add adds the values in w to v.
func (v Values) Add(w Values) {
	for k, n := range w {
		v[k] += n
	}
}

// String returns the values sorted by key, as "key:value" pairs.
func (v Values) String() string {
	keys := make([]string, 0, len(v))
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		keys[i] = fmt.Sprintf("%s:%d", key, v[key])
	}
	return strings.Join(keys, " ")
}

// A Map is a set of counters keyed by name. A nil Map discards
// updates.
type Map struct {
	mu     sync.Mutex
	values map[string]*Int
}

// NewMap returns a fresh Map.
func NewMap() *Map {
	return &Map{values: make(map[string]*Int)}
}

// Int returns the counter with the provided name, creating it if
// needed.
func (m *Map) Int(name string) *Int {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.values[name]
	if v == nil {
		v = new(Int)
		m.values[name] = v
	}
	return v
}

// Snapshot returns the current values of the map's counters.
func (m *Map) Snapshot() Values {
	vals := make(Values)
	if m == nil {
		return vals
	}
	m.mu.Lock()
	for k, v := range m.values {
		vals[k] = v.Get()
	}
	m.mu.Unlock()
	return vals
}

// An Int is an atomic integer counter. Operations on a nil Int are
// no-ops.
type Int struct {
	val int64
}

// Add increments v by delta.
func (v *Int) Add(delta int64) {
	if v != nil {
		atomic.AddInt64(&v.val, delta)
	}
}

// Get returns the current value of the counter.
func (v *Int) Get() int64 {
	if v == nil {
		return 0
	}
	return atomic.LoadInt64(&v.val)
}
