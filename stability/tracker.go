// Package stability debounces the raw liveness stream. Broadcast status
// endpoints flap, especially while a stream is actually live, so a single
// "live" poll is not a start signal and a single "offline" poll is never a
// stop signal. The tracker requires a run of consecutive live observations
// plus a cooldown since the last confirmed action before it emits a one-shot
// confirmed-live; offline observations only produce telemetry. Session
// termination is driven by the protocol client's own disconnect and
// end-of-broadcast events, not by polling.
package stability

import (
	"sync"
	"time"
)

const defaultWindow = 5 * time.Minute

type sample struct {
	at   time.Time
	live bool
}

// state is the per-streamer mutable record. Created lazily on the first
// observation and kept for the process lifetime unless the streamer leaves
// the roster.
type state struct {
	samples            []sample
	consecutiveLive    int
	consecutiveOffline int
	lastAction         time.Time
	lastRaw            bool
	observed           bool
}

// Tracker holds per-streamer stability state and applies the confirmation
// rule. Safe for concurrent use, though in practice only the monitor loop
// feeds it.
type Tracker struct {
	Threshold int           // consecutive live samples required to confirm
	Cooldown  time.Duration // minimum gap between confirmed actions
	Window    time.Duration // trailing sample retention; default 5m

	Now func() time.Time // test hook; nil means time.Now

	mu     sync.Mutex
	states map[string]*state
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t *Tracker) window() time.Duration {
	if t.Window > 0 {
		return t.Window
	}
	return defaultWindow
}

// Observe feeds one raw poll result for a streamer and reports whether this
// sample confirms the streamer live. recording short-circuits confirmation
// for streamers that already have an active session, making the live path
// idempotent. Confirmation requires consecutive_live >= Threshold and at
// least Cooldown since the last confirmed action (both inclusive); firing
// stamps the action time so an uninterrupted live run confirms exactly once.
func (t *Tracker) Observe(key string, live, recording bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.states == nil {
		t.states = make(map[string]*state)
	}
	st, ok := t.states[key]
	if !ok {
		st = &state{}
		t.states[key] = st
	}

	now := t.now()
	st.samples = append(st.samples, sample{at: now, live: live})
	cutoff := now.Add(-t.window())
	for len(st.samples) > 0 && st.samples[0].at.Before(cutoff) {
		st.samples = st.samples[1:]
	}

	// A run of identical observations increments its counter and zeroes the
	// opposite one; a broken run restarts at 1. The counters are never both
	// non-zero.
	if live {
		if st.observed && st.lastRaw {
			st.consecutiveLive++
		} else {
			st.consecutiveLive = 1
		}
		st.consecutiveOffline = 0
	} else {
		if st.observed && !st.lastRaw {
			st.consecutiveOffline++
		} else {
			st.consecutiveOffline = 1
		}
		st.consecutiveLive = 0
	}
	st.lastRaw = live
	st.observed = true

	if live && !recording && st.consecutiveLive >= t.Threshold && now.Sub(st.lastAction) >= t.Cooldown {
		st.lastAction = now
		return true
	}
	return false
}

// Counters returns the current consecutive live/offline counts for a
// streamer. Unknown keys report zeros.
func (t *Tracker) Counters(key string) (live, offline int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[key]; ok {
		return st.consecutiveLive, st.consecutiveOffline
	}
	return 0, 0
}

// SampleCount returns the number of samples currently retained in the
// streamer's trailing window.
func (t *Tracker) SampleCount(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[key]; ok {
		return len(st.samples)
	}
	return 0
}

// Forget drops a streamer's state, used when the roster no longer carries it.
func (t *Tracker) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, key)
}
