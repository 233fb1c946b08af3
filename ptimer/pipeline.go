// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package ptimer

import (
	"context"
	"strconv"
	"time"

	"github.com/intuitivelabs/ptimer/dispatch"
	"github.com/intuitivelabs/ptimer/wheel"
)

// ExpiryPipeline coalesces bursty hardware expiries into at most one
// delivered signal, tracking an overflow count (spec.md §4.2). It is driven
// entirely by the three TimerRecord methods below; stages never block
// waiting on one another, they pass a "leading edge" and a "delivered"
// message via the record's own atomic counters.

// stageATrampoline is the wheel.HandlerF bound to every TimerRecord's
// handle. It runs inline on the wheel's tick goroutine: the Go rendering of
// a DPC running at elevated, non-preemptible level on the expiring CPU.
func stageATrampoline(wt *wheel.Wheel, h *wheel.Handle, arg interface{}) (bool, time.Duration) {
	r := arg.(*TimerRecord)
	return r.stageA()
}

// stageA is Stage A: DPC. It must not block and must touch only atomics.
func (r *TimerRecord) stageA() (rearm bool, delta time.Duration) {
	_, span := r.cs.tracer.StartSpan(context.Background(), SpanStageA)
	defer span.Finish()
	span.SetTag(TagTimerNumber, strconv.FormatInt(r.timerNumber, 10))

	metricExpirationsTotal.Inc()

	prev := r.expirationCount.Add(1) - 1
	if prev == 0 {
		// leading edge: 0 -> 1. Take the in-flight reference and hand the
		// work item to the worker; a burst arriving before the worker
		// drains will be observed by the already-queued work, not by a
		// second DPC enqueue (the idempotence this test makes possible).
		//
		// QueueWorkItem never blocks (dispatch.ErrWorkQueueBusy instead of
		// stalling), since this method runs inline on the wheel's tick
		// goroutine and must not block it. Whatever the failure reason —
		// already pending, queue closed, or backlog full — nothing will
		// ever run Stage B for this leading edge, so the reference taken
		// above must be given back immediately.
		r.retain()
		if ok, err := r.cs.work.QueueWorkItem(r.work); !ok {
			if err != nil && ERRon() {
				ERR("timer %d: failed to queue work item: %s\n", r.timerNumber, err)
			}
			r.release()
		}
	}

	span.SetTag(TagExpirationCount, strconv.FormatInt(int64(prev+1), 10))

	iv := r.interval()
	if iv == 0 {
		return false, 0
	}
	// Re-arm with the record's actual configured interval rather than
	// wheel.Periodic: Periodic reuses the delta computed at the *previous*
	// Add/AddExpire call, which only happens to equal iv when the record's
	// due_time and period were set to the same value. Returning iv
	// explicitly keeps periodic cadence correct for due_time != period.
	return true, iv
}

// stageB is Stage B: worker. It runs in thread context (may block), and by
// construction at most one instance runs per record at a time (WorkItem's
// at-most-one-outstanding discipline).
func (r *TimerRecord) stageB() {
	ctx, span := r.cs.tracer.StartSpan(context.Background(), SpanStageB)
	defer span.Finish()
	span.SetTag(TagTimerNumber, strconv.FormatInt(r.timerNumber, 10))

	// atomic-OR-with-0 read barrier equivalent: a plain atomic load.
	count := r.expirationCount.Load()
	overflow := count - 1
	r.overflowCount.Store(overflow)
	span.SetTag(TagOverflowCount, strconv.FormatInt(int64(overflow), 10))

	if overflow > 0 {
		metricOverflowTotal.Add(float64(overflow))
		_ = r.cs.hooks.Emit(ctx, EventOverflow, LifecycleEvent{
			TimerNumber:   r.timerNumber,
			SignalNumber:  r.signalNumber,
			OverflowCount: overflow,
			Timestamp:     time.Now(),
		})
	}

	r.sigEntry.SignalNumber = r.signalNumber
	r.sigEntry.Code = SignalCodeTimer
	r.sigEntry.Parameter = r.parameter
	r.sigEntry.OverflowCount = overflow

	// Release the work item before handing off to the signal queue, not
	// after SignalProcess returns: delivery (and so Stage C, which may
	// re-queue this same item) can start the instant SignalProcess enqueues
	// the entry, on another goroutine, racing the rest of this function.
	// Clearing it first guarantees Stage C never observes the item as still
	// busy and silently drops its re-queue (expiration_count stays >= 1 for
	// the whole epoch, so this can't let a concurrent Stage A double-enqueue
	// a second leading edge in the meantime).
	r.work.MarkIdle()

	// Draining is deferred to completion (Stage C): the worker never
	// clears expiration_count, which is what lets Stage C detect further
	// expiries that arrived while the signal was in flight.
	r.cs.signals.SignalProcess(r.sigEntry)
}

// stageC is Stage C: signal completion, invoked by the signal queue's
// delivery goroutine when "user mode" consumes the signal. Runs at a level
// no higher than Dispatch: atomics only.
func (r *TimerRecord) stageC(e *dispatch.SignalEntry) {
	ctx, span := r.cs.tracer.StartSpan(context.Background(), SpanStageC)
	defer span.Finish()
	span.SetTag(TagTimerNumber, strconv.FormatInt(r.timerNumber, 10))

	metricSignalsDeliveredTotal.Inc()
	_ = r.cs.hooks.Emit(ctx, EventExpired, LifecycleEvent{
		TimerNumber:   r.timerNumber,
		SignalNumber:  r.signalNumber,
		OverflowCount: e.OverflowCount,
		Timestamp:     time.Now(),
	})

	snapshot := r.overflowCount.Swap(0)
	drain := snapshot + 1
	// atomic.Uint32.Add returns the value *after* the add; adding the two's
	// complement of drain performs a wraparound fetch-and-add(-drain) and
	// the return value is already the post-drain expiration_count.
	postDrain := r.expirationCount.Add(^(drain - 1))

	if postDrain != 0 {
		// further expiries accrued while the signal was in flight; the DPC
		// did not re-enqueue because it observed a non-zero pre-increment,
		// so Stage C must start the next epoch itself. QueueWorkItem never
		// blocks; if it fails (backlog full, queue closed), nothing will
		// ever run Stage B for the remaining count, since the
		// next Stage A firing will see expiration_count already non-zero
		// and skip its own leading-edge enqueue. Release the reference
		// rather than hang onto it forever in that case.
		if ok, err := r.cs.work.QueueWorkItem(r.work); !ok {
			if err != nil && ERRon() {
				ERR("timer %d: failed to re-queue work item: %s\n", r.timerNumber, err)
			}
			span.SetTag(TagRequeued, "false")
			r.release()
			return
		}
		span.SetTag(TagRequeued, "true")
		return
	}
	span.SetTag(TagRequeued, "false")
	r.release()
}

