// Drives a single process through TimerControl's Create/Set/Get/Delete
// surface, printing each delivered signal as it arrives.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/intuitivelabs/ptimer/ptimer"
)

var (
	period   = flag.Duration("period", time.Second, "timer period (0 for one-shot)")
	due      = flag.Duration("due", time.Second, "delay before the first expiry")
	signalNo = flag.Int("signal", 14, "signal number carried by the timer")
	count    = flag.Int("count", 0, "exit after this many deliveries (0: run until interrupted)")
)

func main() {
	flag.Parse()

	cs, err := ptimer.NewControlSurface(ptimer.DefaultConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "ptimerdemo: NewControlSurface: %s\n", err)
		os.Exit(1)
	}
	defer cs.Shutdown()

	p := ptimer.NewProcess(cs)
	defer p.Exit()

	delivered := 0
	done := make(chan struct{})
	_, err = cs.Hooks().Hook(ptimer.EventExpired, func(_ context.Context, e ptimer.LifecycleEvent) error {
		delivered++
		fmt.Printf("timer %d fired: signal=%d overflow=%d at %s\n",
			e.TimerNumber, e.SignalNumber, e.OverflowCount, e.Timestamp.Format(time.RFC3339Nano))
		if *count > 0 && delivered == *count {
			close(done)
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ptimerdemo: Hook: %s\n", err)
		os.Exit(1)
	}

	id, err := cs.Create(p, *signalNo, 0, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ptimerdemo: Create: %s\n", err)
		os.Exit(1)
	}

	if _, err := cs.Set(p, id, cs.DueIn(*due), *period); err != nil {
		fmt.Fprintf(os.Stderr, "ptimerdemo: Set: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("timer %d created: due in %s, period %s\n", id, *due, *period)

	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt)

	select {
	case <-done:
	case <-interrupted:
		fmt.Println("interrupted")
	}

	got, err := cs.Get(p, id)
	if err == nil {
		fmt.Printf("final state: due=%d period=%s overflow=%d\n", got.DueTime, got.Period, got.OverflowCount)
	}

	if err := cs.Delete(p, id); err != nil {
		fmt.Fprintf(os.Stderr, "ptimerdemo: Delete: %s\n", err)
		os.Exit(1)
	}
}
