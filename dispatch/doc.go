// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package dispatch provides the two thread-context collaborators a deferred
// procedure hands work to once it cannot do any more at elevated level: a
// WorkQueue (a fixed pool of worker goroutines running WorkItems, the Go
// rendering of a kernel work-item queue) and a SignalQueue (per-consumer
// delivery of SignalEntry records, the Go rendering of a process's
// signal-queue subsystem). Neither type knows anything about timers; both
// are reusable dispatch primitives that package ptimer wires into its
// expiry pipeline.
package dispatch
