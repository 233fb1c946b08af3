// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package ptimer implements the per-process interval-timer subsystem: a
// TimerRecord lifecycle, the ExpiryPipeline coalescing state machine that
// carries a hardware-driven expiry across DPC, worker and signal-queue
// stages, a per-process TimerRegistry, and a ControlSurface exposing the
// Create/Delete/Get/Set operation set.
//
// The subsystem leans on two lower-level collaborators instead of
// reimplementing them: package wheel provides the timer scheduler and the
// "runs inline on the timer goroutine" DPC analogue (the Ffast wheel
// handler), and package dispatch provides the work-item queue and the
// signal-queue delivery mechanism.
package ptimer
