// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package ptimer

import (
	"time"

	"github.com/zoobzio/hookz"
	"github.com/zoobzio/tracez"
)

// ExpiryPipeline stage spans.
const (
	SpanStageA tracez.Key = "ptimer.stage_a" // DPC: leading-edge test, work handoff
	SpanStageB tracez.Key = "ptimer.stage_b" // worker: snapshot, publish to signal queue
	SpanStageC tracez.Key = "ptimer.stage_c" // completion: drain, re-queue or release
)

// Span tags.
const (
	TagTimerNumber     tracez.Tag = "timer_number"
	TagExpirationCount tracez.Tag = "expiration_count"
	TagOverflowCount   tracez.Tag = "overflow_count"
	TagRequeued        tracez.Tag = "requeued"
)

// Lifecycle event keys, emitted via ControlSurface's hookz.Hooks.
const (
	EventCreated hookz.Key = "timer.created"
	EventDeleted hookz.Key = "timer.deleted"
	EventExpired hookz.Key = "timer.expired"
	EventOverflow hookz.Key = "timer.overflow"
)

// LifecycleEvent is the payload delivered for every lifecycle hook.
type LifecycleEvent struct {
	TimerNumber   int64
	SignalNumber  int
	OverflowCount uint32
	Timestamp     time.Time
}
