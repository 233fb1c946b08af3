// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package ptimer

// TimerRegistry is a process's ordered collection of TimerRecords. Every
// method assumes the owning Process's mu is already held by the caller;
// the registry itself holds no lock of its own (spec.md §4.3: "protected by
// the process's existing queued lock").
//
// It is a plain slice, not the teacher's intrusive doubly-linked list: the
// wheel package already uses that machinery for its high-churn bucket
// lists, where O(1) splice matters. A process's timer list is low
// cardinality and spec.md §4.3 says outright that linear scan is
// intentional, so a mutex-guarded slice is the idiomatic Go rendering here
// (see DESIGN.md, Open Question O1).
type TimerRegistry struct {
	records []*TimerRecord
}

// insert assigns timerNumber (last + 1, or 1 if empty), appends record, and
// - if useTimerNumber is set - overwrites the record's signal parameter
// with the freshly assigned id before publishing it.
func (reg *TimerRegistry) insert(r *TimerRecord, useTimerNumber bool) int64 {
	var next int64 = 1
	if n := len(reg.records); n > 0 {
		next = reg.records[n-1].timerNumber + 1
	}
	r.timerNumber = next
	if useTimerNumber {
		r.parameter = next
	}
	reg.records = append(reg.records, r)
	metricTimersActive.Inc()
	return next
}

// lookup returns the record with the given timer_number, or nil.
func (reg *TimerRegistry) lookup(timerNumber int64) *TimerRecord {
	for _, r := range reg.records {
		if r.timerNumber == timerNumber {
			return r
		}
	}
	return nil
}

// removeOne unlinks record from the list. The caller is responsible for
// releasing the registry-held reference afterward.
func (reg *TimerRegistry) removeOne(r *TimerRecord) bool {
	for i, cur := range reg.records {
		if cur == r {
			reg.records = append(reg.records[:i], reg.records[i+1:]...)
			metricTimersActive.Dec()
			return true
		}
	}
	return false
}

// teardownAll detaches every record from the list and returns them, for the
// caller to cancel/flush/release outside the lock. The list is left empty:
// spec.md §4.3 notes destruction of individual records may be deferred to
// in-flight callbacks, but the process's list no longer refers to them.
func (reg *TimerRegistry) teardownAll() []*TimerRecord {
	all := reg.records
	reg.records = nil
	metricTimersActive.Sub(float64(len(all)))
	return all
}
