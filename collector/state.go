package collector

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/onnwee/cast-tender/platformapi"
)

// Stream is the live event connection owned by a Live state. Satisfied by
// *eventstream.Client.
type Stream interface {
	Run(ctx context.Context)
	Disconnect()
	Connected() bool
}

// Live holds everything that exists only while a target is broadcasting: the
// session identity, the event connection, and the running counters. A runtime
// holds a non-nil *Live exactly when its presence is a live variant, so the
// "session id iff live" invariant is structural.
type Live struct {
	SessionID string
	StartedAt time.Time
	Stream    Stream

	// Counters are bumped from the stream handler goroutine and read by the
	// polling loop and snapshots, hence atomics.
	eventCount  atomic.Int64
	tokenTotal  atomic.Int64
	peakViewers atomic.Int64
}

func (l *Live) addEvent(tokens int) {
	l.eventCount.Add(1)
	if tokens > 0 {
		l.tokenTotal.Add(int64(tokens))
	}
}

func (l *Live) observeViewers(n int) {
	for {
		cur := l.peakViewers.Load()
		if int64(n) <= cur || l.peakViewers.CompareAndSwap(cur, int64(n)) {
			return
		}
	}
}

func (l *Live) counters() (events, tokens, peak int) {
	return int(l.eventCount.Load()), int(l.tokenTotal.Load()), int(l.peakViewers.Load())
}

// runtime is the per-target state owned by the collector. Presence fields are
// mutated only while holding the collector mutex; the Live counters are the
// single exception (atomics, see above).
type runtime struct {
	accountID string
	name      string
	source    string // "owned" or "observed"

	alive  bool
	status platformapi.Status
	// everPolled distinguishes the first confirmed read from later ones; the
	// first live read runs stale-session recovery before opening.
	everPolled bool

	viewers int
	modelID string

	lastStatusPoll time.Time
	lastViewerPoll time.Time

	live *Live // non-nil iff status.Live()
}

func (r *runtime) key() string {
	return r.accountID + "/" + r.name
}

func statusKey(r *runtime) string  { return "status:" + r.key() }
func viewersKey(r *runtime) string { return "viewers:" + r.key() }
