// Package trigger evaluates DM trigger definitions against collector
// activity: first visits spotted in viewer snapshots, VIPs who never tipped,
// and delayed post-session follow-ups. Firing stops at a durable intent
// record; outbound message delivery happens elsewhere.
package trigger

import (
	"context"
	"database/sql"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/onnwee/cast-tender/db"
	"github.com/onnwee/cast-tender/session"
)

const (
	// warmupThreshold is the number of scheduling cycles to observe before
	// first-visit evaluation starts; the first snapshots after startup list
	// everyone already present and would misread them all as new arrivals.
	warmupThreshold = 2

	cacheTTL = 5 * time.Minute

	defaultPostSessionDelay = 30 * time.Minute
)

// Definition is one enabled dm_triggers row.
type Definition struct {
	ID            int
	AccountID     string
	TargetName    string // empty means any target of the account
	Type          string // "first_visit", "vip_no_tip", "post_session"
	Priority      int
	CooldownHours int
	Template      string
}

// Firing is a recorded trigger intent.
type Firing struct {
	TriggerID int       `json:"trigger_id"`
	Type      string    `json:"type"`
	AccountID string    `json:"account_id"`
	Target    string    `json:"target"`
	Actor     string    `json:"actor"`
	FiredAt   time.Time `json:"fired_at"`
}

type queuedFiring struct {
	firing Firing
	fireAt time.Time
}

// Engine holds the trigger cache, warmup state, per-actor cooldowns, and the
// delayed post-session queue. All entry points are safe for concurrent use
// and never propagate failures to the caller.
type Engine struct {
	db *sql.DB

	mu          sync.Mutex
	defs        []Definition
	lastRefresh time.Time
	warmup      int
	known       map[string]map[string]struct{} // account/target -> seen actors
	cooldowns   map[string]time.Time           // triggerID:actor -> last fired
	queue       []queuedFiring
	fired       []Firing

	now func() time.Time
}

func NewEngine(database *sql.DB) *Engine {
	return &Engine{
		db:        database,
		known:     make(map[string]map[string]struct{}),
		cooldowns: make(map[string]time.Time),
		now:       time.Now,
	}
}

// AdvanceWarmup ticks once per scheduling cycle and opportunistically
// refreshes the definition cache.
func (e *Engine) AdvanceWarmup() {
	e.mu.Lock()
	if e.warmup < warmupThreshold {
		e.warmup++
	}
	stale := e.now().Sub(e.lastRefresh) >= cacheTTL
	e.mu.Unlock()
	if stale {
		e.refresh(context.Background())
	}
}

// refresh reloads enabled trigger definitions, sorted by priority.
func (e *Engine) refresh(ctx context.Context) {
	if e.db == nil {
		return
	}
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, account_id, COALESCE(target_name, ''), trigger_type, priority, cooldown_hours, COALESCE(template, '')
		FROM dm_triggers WHERE enabled = TRUE`)
	if err != nil {
		slog.Error("trigger definitions load failed", slog.Any("err", err), slog.String("component", "trigger"))
		return
	}
	defer rows.Close()

	var defs []Definition
	for rows.Next() {
		var d Definition
		if err := rows.Scan(&d.ID, &d.AccountID, &d.TargetName, &d.Type, &d.Priority, &d.CooldownHours, &d.Template); err != nil {
			slog.Error("trigger row scan failed", slog.Any("err", err), slog.String("component", "trigger"))
			return
		}
		defs = append(defs, d)
	}
	if err := rows.Err(); err != nil {
		slog.Error("trigger definitions load failed", slog.Any("err", err), slog.String("component", "trigger"))
		return
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Priority < defs[j].Priority })

	e.mu.Lock()
	e.defs = defs
	e.lastRefresh = e.now()
	e.mu.Unlock()
	slog.Info("trigger definitions loaded", slog.Int("count", len(defs)), slog.String("component", "trigger"))
}

func (e *Engine) defsFor(typ, accountID, target string) []Definition {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Definition
	for _, d := range e.defs {
		if d.Type != typ || d.AccountID != accountID {
			continue
		}
		if d.TargetName != "" && d.TargetName != target {
			continue
		}
		out = append(out, d)
	}
	return out
}

// OnViewerListUpdate evaluates first_visit triggers against a fresh snapshot.
// Held back until warmup completes: the first snapshots after startup are not
// arrivals.
func (e *Engine) OnViewerListUpdate(t db.Target, names []string) {
	e.mu.Lock()
	warm := e.warmup >= warmupThreshold
	key := t.AccountID + "/" + t.Name
	seen, ok := e.known[key]
	if !ok {
		seen = make(map[string]struct{})
		e.known[key] = seen
	}
	var arrivals []string
	for _, name := range names {
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			if warm {
				arrivals = append(arrivals, name)
			}
		}
	}
	e.mu.Unlock()

	if !warm || len(arrivals) == 0 {
		return
	}
	for _, def := range e.defsFor("first_visit", t.AccountID, t.Name) {
		for _, actor := range arrivals {
			e.fire(def, t, actor, time.Time{})
		}
	}
}

// OnSessionTransition handles session start and end notifications.
func (e *Engine) OnSessionTransition(kind string, t db.Target, sessionID string, sum session.Summary) {
	switch kind {
	case "start":
		// An explicit start means the roster that follows really is fresh;
		// skip the remaining warmup for snappier first-visit detection.
		e.mu.Lock()
		e.warmup = warmupThreshold
		e.mu.Unlock()
	case "end":
		e.onSessionEnd(t, sessionID)
	}
}

// onSessionEnd evaluates vip_no_tip immediately and queues post_session
// follow-ups with a delay.
func (e *Engine) onSessionEnd(t db.Target, sessionID string) {
	ctx := context.Background()
	for _, def := range e.defsFor("vip_no_tip", t.AccountID, t.Name) {
		for _, actor := range e.vipsWithoutTips(ctx, sessionID) {
			e.fire(def, t, actor, time.Time{})
		}
	}
	for _, def := range e.defsFor("post_session", t.AccountID, t.Name) {
		for _, actor := range e.sessionParticipants(ctx, sessionID) {
			e.fire(def, t, actor, e.now().Add(defaultPostSessionDelay))
		}
	}
}

// vipsWithoutTips finds actors flagged VIP in a session who never tipped in it.
func (e *Engine) vipsWithoutTips(ctx context.Context, sessionID string) []string {
	if e.db == nil || sessionID == "" {
		return nil
	}
	rows, err := e.db.QueryContext(ctx, `
		SELECT actor FROM events
		WHERE session_id = $1 AND actor IS NOT NULL
		GROUP BY actor
		HAVING BOOL_OR(is_vip) AND COALESCE(SUM(tokens), 0) = 0`,
		sessionID)
	if err != nil {
		slog.Warn("vip_no_tip query failed", slog.Any("err", err), slog.String("component", "trigger"))
		return nil
	}
	defer rows.Close()
	return scanActors(rows)
}

// sessionParticipants lists chatters in a session.
func (e *Engine) sessionParticipants(ctx context.Context, sessionID string) []string {
	if e.db == nil || sessionID == "" {
		return nil
	}
	rows, err := e.db.QueryContext(ctx, `
		SELECT DISTINCT actor FROM events
		WHERE session_id = $1 AND actor IS NOT NULL AND kind IN ('chat', 'tip')`,
		sessionID)
	if err != nil {
		slog.Warn("session participants query failed", slog.Any("err", err), slog.String("component", "trigger"))
		return nil
	}
	defer rows.Close()
	return scanActors(rows)
}

func scanActors(rows *sql.Rows) []string {
	var out []string
	for rows.Next() {
		var actor string
		if err := rows.Scan(&actor); err != nil {
			return out
		}
		out = append(out, actor)
	}
	return out
}

// fire records a trigger intent, immediately or queued for fireAt. The
// per-actor cooldown gate applies at record time.
func (e *Engine) fire(def Definition, t db.Target, actor string, fireAt time.Time) {
	f := Firing{
		TriggerID: def.ID,
		Type:      def.Type,
		AccountID: t.AccountID,
		Target:    t.Name,
		Actor:     actor,
		FiredAt:   e.now().UTC(),
	}
	if !fireAt.IsZero() {
		e.mu.Lock()
		e.queue = append(e.queue, queuedFiring{firing: f, fireAt: fireAt})
		e.mu.Unlock()
		return
	}
	e.record(def, f)
}

func (e *Engine) record(def Definition, f Firing) {
	cdKey := cooldownKey(def.ID, f.Actor)
	cooldown := time.Duration(def.CooldownHours) * time.Hour

	e.mu.Lock()
	if last, ok := e.cooldowns[cdKey]; ok && cooldown > 0 && e.now().Sub(last) < cooldown {
		e.mu.Unlock()
		return
	}
	e.cooldowns[cdKey] = e.now()
	e.fired = append(e.fired, f)
	if len(e.fired) > 1000 {
		e.fired = e.fired[len(e.fired)-1000:]
	}
	e.mu.Unlock()

	slog.Info("trigger fired",
		slog.Int("trigger_id", f.TriggerID),
		slog.String("type", f.Type),
		slog.String("target", f.Target),
		slog.String("actor", f.Actor),
		slog.String("component", "trigger"))
}

// ProcessQueue releases queued post-session firings whose delay has elapsed.
// Called periodically from a background job.
func (e *Engine) ProcessQueue() int {
	now := e.now()
	e.mu.Lock()
	var ready []queuedFiring
	remaining := e.queue[:0]
	for _, q := range e.queue {
		if !q.fireAt.After(now) {
			ready = append(ready, q)
		} else {
			remaining = append(remaining, q)
		}
	}
	e.queue = remaining
	defs := make(map[int]Definition, len(e.defs))
	for _, d := range e.defs {
		defs[d.ID] = d
	}
	e.mu.Unlock()

	for _, q := range ready {
		e.record(defs[q.firing.TriggerID], q.firing)
	}
	return len(ready)
}

// RecentFirings returns up to n most recent firings, newest first.
func (e *Engine) RecentFirings(n int) []Firing {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n <= 0 || n > len(e.fired) {
		n = len(e.fired)
	}
	out := make([]Firing, n)
	for i := 0; i < n; i++ {
		out[i] = e.fired[len(e.fired)-1-i]
	}
	return out
}

func cooldownKey(triggerID int, actor string) string {
	return strconv.Itoa(triggerID) + ":" + actor
}
