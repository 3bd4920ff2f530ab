// Package backoff tracks consecutive failures per string key and gates retries.
// Keys namespace independent counters, e.g. "status:<target>" or "viewers:<target>".
package backoff

import (
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxFailures is the consecutive-failure ceiling before a key is parked.
	DefaultMaxFailures = 5
	// DefaultCooldown is how long a parked key stays parked before a fresh
	// attempt is allowed regardless of count.
	DefaultCooldown = 10 * time.Minute
)

type entry struct {
	failures int
	lastAt   time.Time
}

// Tracker is a mutex-guarded failure counter shared across the polling loop and
// all event-stream clients. It never returns errors and has no side effects
// beyond its own map.
type Tracker struct {
	mu          sync.Mutex
	entries     map[string]*entry
	maxFailures int
	cooldown    time.Duration

	now func() time.Time // injectable for tests
}

func NewTracker() *Tracker {
	return &Tracker{
		entries:     make(map[string]*entry),
		maxFailures: DefaultMaxFailures,
		cooldown:    DefaultCooldown,
		now:         time.Now,
	}
}

// NewTrackerWith returns a Tracker with a custom ceiling and cool-down.
func NewTrackerWith(maxFailures int, cooldown time.Duration) *Tracker {
	t := NewTracker()
	if maxFailures > 0 {
		t.maxFailures = maxFailures
	}
	if cooldown > 0 {
		t.cooldown = cooldown
	}
	return t
}

// RecordFailure increments the consecutive-failure count for key.
func (t *Tracker) RecordFailure(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[key]
	if e == nil {
		e = &entry{}
		t.entries[key] = e
	}
	e.failures++
	e.lastAt = t.now()
}

// RecordSuccess clears the key entirely.
func (t *Tracker) RecordSuccess(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}

// ShouldRetry reports whether a fresh attempt for key is warranted: either the
// failure count is still below the ceiling, or the cool-down window has elapsed
// since the last failure. The second clause keeps a wedged key from staying
// wedged forever without letting it spin hot.
func (t *Tracker) ShouldRetry(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[key]
	if e == nil {
		return true
	}
	if e.failures < t.maxFailures {
		return true
	}
	return t.now().Sub(e.lastAt) >= t.cooldown
}

// FailureCount returns the current consecutive-failure count for key.
func (t *Tracker) FailureCount(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.entries[key]; e != nil {
		return e.failures
	}
	return 0
}

// ResetByPrefix clears every key sharing prefix. Used to give a subsystem a
// fresh start, e.g. all "viewers:" keys after a credential refresh.
func (t *Tracker) ResetByPrefix(prefix string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.entries {
		if strings.HasPrefix(k, prefix) {
			delete(t.entries, k)
		}
	}
}
