// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package wheel

import (
	"time"

	"github.com/intuitivelabs/timestamp"
)

// start runq "workers"
func (wt *Wheel) startRQ() {
	// start run queue "workers"
	for i := 0; i < runQueuesWorkersNo; i++ {
		wt.wg.Add(1)
		go func() {
			defer wt.wg.Done()
			wt.runqListen(wt.rQch)
		}()
	}
}

// Start will start the timer wheel (timer + workers).
// No timers will be run if Start() was not called.
// In most cases it should be used right after Init().
// The tick loop wakes up on the Wheel's clockz.Clock (see WithClock), which
// defaults to clockz.RealClock. On each wake-up ticker() advances the wheel
// by the wall-clock time elapsed (timestamp.Now()), so a substituted clock
// changes when the loop wakes but not how many ticks have passed.
func (wt *Wheel) Start() {
	wt.cancel = make(chan struct{})
	wt.lastTickT = timestamp.Now()
	wt.refTS = wt.lastTickT
	wt.refTicks = wt.Now()
	wt.startRQ()
	wt.wg.Add(1)
	go func() {
		defer wt.wg.Done()
		clk := wt.getClock()
		if DBGon() {
			DBG("starting ticker with %s at %s\n", wt.tickDuration, time.Now())
		}
		wt.lastTickT = timestamp.Now()
		wt.refTS = wt.lastTickT
	loop:
		for {
			select {
			case <-wt.cancel:
				DBG("canceled\n")
				break loop
			case <-clk.After(wt.tickDuration):
				wt.ticker()
			}
		}
	}()
}

// Shutdown will signal all the go routines to stop and will wait for them
// to finish.
func (wt *Wheel) Shutdown() {
	if wt.cancel != nil {
		close(wt.cancel)
	}
	wt.wg.Wait()
}
