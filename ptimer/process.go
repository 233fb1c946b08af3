// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package ptimer

import (
	"sync"
	"sync/atomic"
)

// Process is the minimal rendering of the owning process object from
// spec.md §6: a queued lock protecting a timer list, and a reference count.
// A real kernel process object does much more; ptimer only needs the two
// facets its timer subsystem touches.
type Process struct {
	cs *ControlSurface

	mu       sync.Mutex
	registry TimerRegistry

	refs atomic.Int32

	exited atomic.Bool
}

// NewProcess creates a Process bound to cs, with a reference count of 1 for
// the caller's own reference.
func NewProcess(cs *ControlSurface) *Process {
	p := &Process{cs: cs}
	p.refs.Store(1)
	return p
}

// retain mirrors ObAddReference: taken once per owned TimerRecord.
func (p *Process) retain() {
	p.refs.Add(1)
}

// release mirrors ObReleaseReference. It never destroys the Process itself
// (Go's GC owns that); it exists so the record/process reference discipline
// is symmetric and the ref-count balance invariant is checkable.
func (p *Process) release() {
	n := p.refs.Add(-1)
	if n < 0 {
		BUG("process reference count went negative\n")
	}
}

// Refs returns the current process reference count (test/debug use).
func (p *Process) Refs() int32 {
	return p.refs.Load()
}

// Exit tears down every timer record owned by the process, the Go rendering
// of PspDestroyProcessTimers invoked from process exit. It is idempotent.
func (p *Process) Exit() {
	if p.exited.Swap(true) {
		return
	}
	p.cs.TeardownProcess(p)
}
