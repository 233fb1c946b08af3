// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package ptimer

import (
	"context"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/tracez"

	"github.com/intuitivelabs/ptimer/dispatch"
	"github.com/intuitivelabs/ptimer/wheel"
)

// ControlSurface is the system-call dispatcher implementing TimerControl's
// Create/Delete/Get/Set operations (spec.md §4.4), plus the two operations
// present in utimer.c but dropped by the distillation: QueryTimeCounter and
// TeardownProcess (see SPEC_FULL.md §4.4).
//
// It owns the collaborators external to TimerRecord itself: the wheel
// (scheduler + DPC queue), the work queue, the signal queue, and the
// observability fan-out (tracer, hooks).
type ControlSurface struct {
	wheel   *wheel.Wheel
	work    *dispatch.WorkQueue
	signals *dispatch.SignalQueue
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[LifecycleEvent]
}

// Config bundles ControlSurface's construction-time parameters: there is no
// process-wide config surface in the original kernel module, so these are
// explicit constructor parameters rather than a config file/env (see
// SPEC_FULL.md's AMBIENT STACK decision on Config).
type Config struct {
	TickDuration time.Duration
	WorkWorkers  int
	WorkQueue    int
	SignalWorkers int
	SignalQueue   int

	// Clock overrides the clock that paces the wheel's tick loop; nil means
	// clockz.RealClock. It only decides when the loop wakes up: the number
	// of ticks advanced on each wake-up is measured from wall-clock time.
	Clock clockz.Clock
}

// DefaultConfig returns reasonable defaults for a single-process demo/test
// harness.
func DefaultConfig() Config {
	return Config{
		TickDuration:  time.Millisecond,
		WorkWorkers:   4,
		WorkQueue:     64,
		SignalWorkers: 4,
		SignalQueue:   64,
	}
}

// NewControlSurface builds and starts a ControlSurface: its wheel, work
// queue and signal queue are all running goroutines on return.
func NewControlSurface(cfg Config) (*ControlSurface, error) {
	wt := &wheel.Wheel{}
	if err := wt.Init(cfg.TickDuration); err != nil {
		return nil, err
	}
	if cfg.Clock != nil {
		wt.WithClock(cfg.Clock)
	}
	wt.Start()

	cs := &ControlSurface{
		wheel:   wt,
		work:    dispatch.NewWorkQueue(cfg.WorkWorkers, cfg.WorkQueue),
		signals: dispatch.NewSignalQueue(cfg.SignalWorkers, cfg.SignalQueue),
		tracer:  tracez.New(),
		hooks:   hookz.New[LifecycleEvent](),
	}
	return cs, nil
}

// Shutdown stops the wheel, work queue and signal queue, and closes the
// tracer/hooks fan-out. Callers should TeardownProcess every live Process
// first.
func (cs *ControlSurface) Shutdown() {
	cs.wheel.Shutdown()
	cs.work.Shutdown()
	cs.signals.Shutdown()
	cs.tracer.Close()
	cs.hooks.Close()
}

// Hooks returns the lifecycle event fan-out so external callers can
// subscribe to timer.created/deleted/expired/overflow without reaching
// into ControlSurface's internals.
func (cs *ControlSurface) Hooks() *hookz.Hooks[LifecycleEvent] {
	return cs.hooks
}

// QueryTimeCounter returns the current absolute tick value of the
// subsystem's time counter (PsSysQueryTimeCounter in utimer.c).
func (cs *ControlSurface) QueryTimeCounter() wheel.Ticks {
	return cs.wheel.Now()
}

// DueIn returns the absolute tick value d in the future from the current
// time counter value, a convenience for callers building Set's new_due.
func (cs *ControlSurface) DueIn(d time.Duration) uint64 {
	ticks, _ := cs.wheel.Ticks(d)
	return cs.wheel.Now().Add(ticks).Val()
}

// Create allocates a TimerRecord, initializes its signal template, retains
// the process object, and inserts it into the process's registry. It
// returns the assigned timer_number.
func (cs *ControlSurface) Create(p *Process, signalNumber int, signalValue int64, useTimerNumber bool) (int64, error) {
	if p.exited.Load() {
		return 0, ErrProcessExited
	}
	p.retain()
	r := newTimerRecord(p, cs, signalNumber, signalValue)

	p.mu.Lock()
	timerNumber := p.registry.insert(r, useTimerNumber)
	p.mu.Unlock()

	if DBGon() {
		DBG("created timer %d for signal %d\n", timerNumber, signalNumber)
	}
	_ = cs.hooks.Emit(context.Background(), EventCreated, LifecycleEvent{
		TimerNumber:  timerNumber,
		SignalNumber: signalNumber,
		Timestamp:    time.Now(),
	})
	return timerNumber, nil
}

// Delete looks up timerNumber, unlinks it from the registry, runs the Flush
// protocol, and releases the registry-held reference. After Delete returns,
// no signal from this record will ever be delivered.
func (cs *ControlSurface) Delete(p *Process, timerNumber int64) error {
	p.mu.Lock()
	r := p.registry.lookup(timerNumber)
	if r == nil {
		p.mu.Unlock()
		return ErrInvalidHandle
	}
	p.registry.removeOne(r)
	p.mu.Unlock()

	cs.flush(r)
	r.release()

	_ = cs.hooks.Emit(context.Background(), EventDeleted, LifecycleEvent{
		TimerNumber:  timerNumber,
		SignalNumber: r.signalNumber,
		Timestamp:    time.Now(),
	})
	return nil
}

// GetResult is the {due_time, period, overflow_count} triple returned by Get
// and, as a "previous value", by Set.
type GetResult struct {
	DueTime      uint64
	Period       time.Duration
	OverflowCount uint32
}

// Get returns the record's current schedule and overflow snapshot.
// overflow_count is not cleared by Get.
func (cs *ControlSurface) Get(p *Process, timerNumber int64) (GetResult, error) {
	p.mu.Lock()
	r := p.registry.lookup(timerNumber)
	p.mu.Unlock()
	if r == nil {
		return GetResult{}, ErrInvalidHandle
	}
	return GetResult{
		DueTime:       r.dueTicks().Val(),
		Period:        r.interval(),
		OverflowCount: r.overflowCount.Load(),
	}, nil
}

// Set arms or disarms the record's schedule, returning the previous
// {due_time, period, 0}. If the record was armed, the backing wheel timer
// is canceled first (DelWait: cancel-or-flush the running DPC). If either
// newDue or newPeriod is non-zero the scheduler is re-armed; if newDue == 0
// with newPeriod != 0, the current time counter is substituted as the
// start, so the first fire occurs one period later (see DESIGN.md, Open
// Question O2).
//
// On scheduler-arm failure the record's due_time/interval are rolled back
// to their pre-call values (DESIGN.md, Open Question O3 — a deliberate
// deviation from utimer.c, which leaves the record half-updated).
func (cs *ControlSurface) Set(p *Process, timerNumber int64, newDue uint64, newPeriod time.Duration) (GetResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.registry.lookup(timerNumber)
	if r == nil {
		return GetResult{}, ErrInvalidHandle
	}

	prevDue := r.dueTicks()
	prevPeriod := r.interval()
	prev := GetResult{DueTime: prevDue.Val(), Period: prevPeriod, OverflowCount: 0}
	wasArmed := prevDue.Val() != 0

	if wasArmed {
		if _, err := cs.wheel.DelWait(&r.handle); err != nil && ERRon() {
			ERR("timer %d: DelWait during re-arm: %s\n", timerNumber, err)
		}
	}

	if newDue == 0 && newPeriod == 0 {
		r.setInterval(0)
		return prev, nil
	}

	resolvedDue := wheel.NewTicks(newDue)
	if newDue == 0 {
		// first fire occurs one period later, not immediately.
		now := cs.wheel.Now()
		periodTicks, _ := cs.wheel.Ticks(newPeriod)
		resolvedDue = now.Add(periodTicks)
	}
	r.setInterval(newPeriod)

	if err := cs.arm(r, resolvedDue); err != nil {
		r.setInterval(prevPeriod)
		if wasArmed {
			if rearmErr := cs.arm(r, prevDue); rearmErr != nil && ERRon() {
				ERR("timer %d: rollback re-arm also failed: %s\n", timerNumber, rearmErr)
			}
		}
		return prev, ErrSchedulerFailure
	}
	return prev, nil
}

// arm resets the handle's internal flags and arms it at the given absolute
// due tick, shared by Set's forward path and its rollback-on-failure path.
// A detached handle that the wheel still marks active (a one-shot that has
// already fired, or a periodic one whose Stage A is running right now) is
// first removed with DelWait, since Reset refuses it until then.
func (cs *ControlSurface) arm(r *TimerRecord, due wheel.Ticks) error {
	err := cs.wheel.Reset(&r.handle, wheel.Ffast)
	if err == wheel.ErrActiveTimer && r.handle.Detached() {
		if _, derr := cs.wheel.DelWait(&r.handle); derr != nil && ERRon() {
			ERR("timer %d: DelWait before re-arm: %s\n", r.timerNumber, derr)
		}
		err = cs.wheel.Reset(&r.handle, wheel.Ffast)
	}
	if err != nil {
		return err
	}
	return cs.wheel.AddExpire(&r.handle, due, stageATrampoline, r)
}

// flush runs the Flush protocol: cancel the kernel timer and any in-flight
// DPC (DelWait), flush the work queue, then cancel any pending
// signal-queue-entry. Each step is a synchronous rendezvous; the order is
// essential, since each later step is valid only once the earlier one has
// quiesced its upstream.
func (cs *ControlSurface) flush(r *TimerRecord) {
	if _, err := cs.wheel.DelWait(&r.handle); err != nil && ERRon() {
		ERR("timer %d: DelWait during flush: %s\n", r.timerNumber, err)
	}
	cs.work.FlushWorkQueue(r.work)
	cs.signals.CancelQueuedSignal(r.sigEntry)
}

// TeardownProcess tears down every TimerRecord owned by p: cancels and
// flushes each one, then releases the registry reference. Individual
// records may still be kept alive briefly by in-flight callbacks; that is
// acceptable since they no longer refer to p's list. The Go rendering of
// PspDestroyProcessTimers.
func (cs *ControlSurface) TeardownProcess(p *Process) {
	p.mu.Lock()
	all := p.registry.teardownAll()
	p.mu.Unlock()

	for _, r := range all {
		cs.flush(r)
		r.release()
	}
}
