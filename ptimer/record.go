// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package ptimer

import (
	"sync/atomic"
	"time"

	"github.com/intuitivelabs/ptimer/dispatch"
	"github.com/intuitivelabs/ptimer/wheel"
)

// SignalCodeTimer is the signal code carried by every signal this subsystem
// queues, the direct rendering of utimer.c's SIGNAL_CODE_TIMER.
const SignalCodeTimer = 1

// TimerRecord is the per-timer state: identity, schedule, counts,
// references and owning process (spec.md §3). It owns four backing
// resources: a wheel.Handle (kernel timer + bound DPC), a dispatch.WorkItem,
// and a dispatch.SignalEntry allocated with the record (its Complete
// callback closes over the record, the Go rendering of recovering the
// parent structure via a fixed embed offset).
type TimerRecord struct {
	timerNumber int64
	process     *Process
	cs          *ControlSurface

	// due_time is deliberately not cached on the record: Get reports
	// scheduler_due_time(backing_timer) (spec.md §4.4), sourced live from
	// handle.Detached()/handle.Exp() below, so that a one-shot firing or a
	// periodic re-arm is reflected without Stage A ever touching a
	// process-locked field from DPC context.
	//
	// interval has no such backing-timer source of truth before the first
	// fire (wheel.Handle.Intvl() only comes to equal it once Stage A has
	// rearmed at least once), so it is cached here. It is written only
	// under process.mu from thread context (Set) and read without the lock
	// by Stage A; spec.md §5 accepts the resulting pre-/post-write race as
	// part of Set's contract ("readers see either pre- or post-write
	// value"). Stored as an atomic purely so that acceptable race is a
	// torn-value race, not an undefined-behavior one.
	intervalNanos atomic.Int64 // time.Duration; 0 is one-shot

	expirationCount atomic.Uint32
	overflowCount   atomic.Uint32

	signalNumber int
	parameter    int64 // caller-supplied value, or timer_number if useTimerNumber

	refs atomic.Int32

	handle   wheel.Handle
	work     *dispatch.WorkItem
	sigEntry *dispatch.SignalEntry
}

// newTimerRecord allocates a record bound to process and cs, with its
// backing work item and signal entry wired to the pipeline stages. refs
// starts at 1 for the creator's (registry) reference.
func newTimerRecord(process *Process, cs *ControlSurface, signalNumber int, parameter int64) *TimerRecord {
	r := &TimerRecord{
		process:      process,
		cs:           cs,
		signalNumber: signalNumber,
		parameter:    parameter,
	}
	r.refs.Store(1)
	r.work = dispatch.NewWorkItem(func() { r.stageB() })
	r.sigEntry = dispatch.NewSignalEntry(func(e *dispatch.SignalEntry) { r.stageC(e) })
	if err := cs.wheel.InitTimer(&r.handle, wheel.Ffast); err != nil {
		// InitTimer only fails on a handle that's already linked/active,
		// which a freshly allocated Handle{} never is.
		BUG("InitTimer on a fresh handle failed: %s\n", err)
	}
	return r
}

// dueTicks returns the record's live backing-timer due time, or the zero
// Ticks value (Val()==0) if the handle is not currently scheduled.
func (r *TimerRecord) dueTicks() wheel.Ticks {
	if r.handle.Detached() {
		return wheel.NewTicks(0)
	}
	return r.handle.Exp()
}

// interval returns the currently configured period, or 0 for one-shot.
func (r *TimerRecord) interval() time.Duration {
	return time.Duration(r.intervalNanos.Load())
}

func (r *TimerRecord) setInterval(d time.Duration) {
	r.intervalNanos.Store(int64(d))
}

// retain atomically increments reference_count. Never fails.
func (r *TimerRecord) retain() {
	r.refs.Add(1)
}

// release atomically decrements reference_count; on the 1->0 transition it
// destroys the record's backing objects and releases the process
// reference.
func (r *TimerRecord) release() {
	n := r.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		BUG("timer %d: reference count went negative\n", r.timerNumber)
		return
	}
	r.destroy()
}

// destroy is invoked only from release's 1->0 transition.
func (r *TimerRecord) destroy() {
	if DBGon() {
		DBG("destroying timer %d\n", r.timerNumber)
	}
	r.process.release()
}
