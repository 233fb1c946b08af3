// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package ptimer

import (
	"errors"
)

// ErrInvalidHandle is returned when a timer_number does not name a record
// present in the caller's process.
var ErrInvalidHandle = errors.New("ptimer: invalid timer handle")

// ErrSchedulerFailure is returned by Set when arming the backing wheel
// timer is rejected. The record remains valid; due_time/interval are rolled
// back to their pre-call values (see DESIGN.md, Open Question O3).
var ErrSchedulerFailure = errors.New("ptimer: scheduler failure")

// ErrProcessExited is returned by Create on a process that has already run
// Exit. Delete, Get and Set on such a process find an empty registry and
// return ErrInvalidHandle instead.
var ErrProcessExited = errors.New("ptimer: process exited")
