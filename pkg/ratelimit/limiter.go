// Package ratelimit implements the single-process LLM admission controller:
// a dual sliding-window (QPS, QPM) gate that LLM-bearing column executors
// call immediately before invoking a model.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	secondWindow = time.Second
	minuteWindow = time.Minute
)

// WindowStatus reports the admission state of one sliding window.
type WindowStatus struct {
	Current   int
	Available int
}

// Limiter is a dual sliding-window (1s, 60s) admission controller
// parameterised by (qps, qpm). A zero qps or qpm means that window never
// admits, so Acquire blocks forever on it.
type Limiter struct {
	mu  sync.Mutex
	qps int
	qpm int

	secondEntries []time.Time
	minuteEntries []time.Time

	now func() time.Time
}

// New builds a Limiter with the given per-second and per-minute caps.
func New(qps, qpm int) *Limiter {
	return &Limiter{qps: qps, qpm: qpm, now: time.Now}
}

func (l *Limiter) prune(t time.Time) {
	l.secondEntries = dropExpired(l.secondEntries, t, secondWindow)
	l.minuteEntries = dropExpired(l.minuteEntries, t, minuteWindow)
}

func dropExpired(entries []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(entries) && !entries[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return entries
	}
	return append([]time.Time(nil), entries[i:]...)
}

// nextFree returns how long until entries has room under limit, given the
// window length. A limit of 0 means the window is permanently saturated.
func nextFree(entries []time.Time, now time.Time, window time.Duration, limit int) (time.Duration, bool) {
	if limit <= 0 {
		return window, false
	}
	if len(entries) < limit {
		return 0, true
	}
	oldest := entries[0]
	wait := oldest.Add(window).Sub(now)
	if wait < 0 {
		wait = 0
	}
	return wait, false
}

// Acquire blocks until both the 1s and 60s windows have room, then records
// the admission in both and returns. It respects ctx cancellation: a
// cancelled context unblocks Acquire with ctx.Err().
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		wait, ok, err := l.tryAcquire()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Limiter) tryAcquire() (time.Duration, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	secWait, secOK := nextFree(l.secondEntries, now, secondWindow, l.qps)
	minWait, minOK := nextFree(l.minuteEntries, now, minuteWindow, l.qpm)
	if secOK && minOK {
		l.secondEntries = append(l.secondEntries, now)
		l.minuteEntries = append(l.minuteEntries, now)
		return 0, true, nil
	}

	wait := secWait
	if minWait > wait {
		wait = minWait
	}
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait, false, nil
}

// Status reports the current occupancy of each window.
func (l *Limiter) Status() (secondWindowStatus, minuteWindowStatus WindowStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	return WindowStatus{Current: len(l.secondEntries), Available: availableSlots(l.qps, len(l.secondEntries))},
		WindowStatus{Current: len(l.minuteEntries), Available: availableSlots(l.qpm, len(l.minuteEntries))}
}

func availableSlots(limit, current int) int {
	if limit <= 0 {
		return 0
	}
	free := limit - current
	if free < 0 {
		free = 0
	}
	return free
}
