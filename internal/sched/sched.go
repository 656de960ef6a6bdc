// Package sched provides the two small scheduling primitives the engine's
// components need: a one-shot delayed call for reconnect backoff, and a
// periodic sweep. Netty/Spring code expresses the same thing with a
// ScheduledExecutorService / @Scheduled; this is the stdlib-timer
// equivalent, kept deliberately tiny since the pack carries no job
// scheduling library.
package sched

import (
	"sync"
	"time"
)

// Sweeper runs fn every period until Stop is called.
type Sweeper struct {
	ticker *time.Ticker
	stop   chan struct{}
	once   sync.Once
}

// NewSweeper starts a goroutine calling fn every period.
func NewSweeper(period time.Duration, fn func()) *Sweeper {
	s := &Sweeper{
		ticker: time.NewTicker(period),
		stop:   make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-s.ticker.C:
				fn()
			case <-s.stop:
				return
			}
		}
	}()
	return s
}

// Stop halts the sweeper. Safe to call more than once.
func (s *Sweeper) Stop() {
	s.once.Do(func() {
		s.ticker.Stop()
		close(s.stop)
	})
}

// After schedules fn to run once after delay, returning a timer that can be
// cancelled.
func After(delay time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(delay, fn)
}
