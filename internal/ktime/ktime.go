// Package ktime implements the kernel's notion of time (spec.md §4.10):
// a monotonic tick counter driven by a driver.TimerSource, integrated
// with the scheduler's sleep list so sleep(2)/nanosleep(2) and timeouts
// on blocking syscalls advance together. Grounded on the teacher's
// src/mazboot/golang/main/kernel.go boot loop, which drove a periodic
// "heartbeat" the same way — polling a hardware timer and reacting once
// per tick — generalized here to any driver.TimerSource.
package ktime

import (
	"context"
	"time"

	"github.com/mazarin-os/kernelcore/internal/driver"
	"github.com/mazarin-os/kernelcore/internal/klog"
)

var log = klog.Named("ktime")

// TickDuration is the wall-clock period one tick represents. Real
// hardware fires a timer interrupt at this rate; the fake driver is
// advanced explicitly instead (see driver.FakeTimer).
const TickDuration = time.Millisecond

// Ticker watches a driver.TimerSource and calls OnTick once per new tick
// observed, until its context is canceled (spec.md §4.10's integration
// point: "the scheduler subscribes to ticks to scan the sleep list").
type Ticker struct {
	src    driver.TimerSource
	last   uint64
	OnTick func()
}

func NewTicker(src driver.TimerSource, onTick func()) *Ticker {
	return &Ticker{src: src, OnTick: onTick}
}

// Run polls src at TickDuration intervals and invokes OnTick once for
// every new tick that has elapsed since the last poll (plural, in case
// the poller itself was descheduled for more than one tick).
func (t *Ticker) Run(ctx context.Context) error {
	log.Debugw("tick loop starting", "period", TickDuration)
	ticker := time.NewTicker(TickDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := t.src.Ticks()
			for t.last < now {
				t.last++
				t.OnTick()
			}
		}
	}
}

// Clock reads the current tick count directly, for clock_gettime(2)
// (spec.md §4.8) and other non-blocking time queries.
type Clock struct {
	src driver.TimerSource
}

func NewClock(src driver.TimerSource) *Clock {
	return &Clock{src: src}
}

// Now returns elapsed time since boot, derived from the tick count.
func (c *Clock) Now() time.Duration {
	return time.Duration(c.src.Ticks()) * TickDuration
}
