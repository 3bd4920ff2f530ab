// Package collector drives presence tracking for all registered targets: one
// cooperative polling loop classifies each target's live/offline state, opens
// and closes sessions on transitions, and owns the per-target event stream
// connections.
package collector

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/cast-tender/config"
	"github.com/onnwee/cast-tender/db"
	"github.com/onnwee/cast-tender/eventstream"
	"github.com/onnwee/cast-tender/platformapi"
	"github.com/onnwee/cast-tender/platformauth"
	"github.com/onnwee/cast-tender/session"
	"github.com/onnwee/cast-tender/telemetry"
)

// StatusPoller probes a target's presence. Satisfied by *platformapi.Client.
type StatusPoller interface {
	PollStatus(ctx context.Context, target, challenge string) platformapi.StatusResult
}

// ViewerPoller probes a target's audience roster. Satisfied by *platformapi.Client.
type ViewerPoller interface {
	PollViewers(ctx context.Context, target, jwt, challenge, sessionCookies string) (platformapi.ViewerResult, error)
}

// Store is the persistence surface the loop writes through. Satisfied by *db.Store.
type Store interface {
	InsertEvent(ctx context.Context, ev db.Event) error
	UpsertViewers(ctx context.Context, accountID, target, sessionID string, viewers []db.ViewerUpsert) (int, error)
	UpdatePeakViewers(ctx context.Context, sessionID string, count int)
	MarkTargetOnline(ctx context.Context, accountID, name, modelID string)
	AccumulateViewerTotals(ctx context.Context, sessionID string) error
	LoadPlatformCookies(ctx context.Context, accountID string) (string, error)
	UpsertTarget(ctx context.Context, t db.Target) error
	DeactivateTarget(ctx context.Context, accountID, name string) error
}

// Backoff gates retries per key. Satisfied by *backoff.Tracker.
type Backoff interface {
	RecordFailure(key string)
	RecordSuccess(key string)
	ShouldRetry(key string) bool
	ResetByPrefix(prefix string)
}

// TriggerNotifier receives fire-and-forget notifications. Failures must stay
// inside the collaborator; the loop never awaits these calls.
type TriggerNotifier interface {
	OnSessionTransition(kind string, t db.Target, sessionID string, sum session.Summary)
	OnViewerListUpdate(t db.Target, names []string)
	AdvanceWarmup()
}

// ReportScheduler queues post-session report generation for owned targets.
type ReportScheduler interface {
	Schedule(sessionID string, t db.Target)
}

// StreamFactory builds the event connection for a newly-live target. Defaults
// to eventstream.New; tests substitute a fake.
type StreamFactory func(cfg eventstream.Config) Stream

// Deps wires the collector's collaborators.
type Deps struct {
	Config   *config.Config
	Store    Store
	Status   StatusPoller
	Viewers  ViewerPoller
	Auth     *platformauth.Cache
	Sessions *session.Manager
	Backoff  Backoff
	Triggers TriggerNotifier // optional
	Reports  ReportScheduler // optional
	Streams  StreamFactory   // optional
}

// Collector owns the registered target set and the polling loop.
type Collector struct {
	cfg      *config.Config
	store    Store
	status   StatusPoller
	viewers  ViewerPoller
	auth     *platformauth.Cache
	sessions *session.Manager
	backoff  Backoff
	triggers TriggerNotifier
	reports  ReportScheduler
	streams  StreamFactory
	accum    *Accumulator

	mu      sync.Mutex
	targets map[string]*runtime

	// runCtx is the loop's context; stream goroutines inherit it so Shutdown
	// tears everything down together.
	runCtx    context.Context
	runCancel context.CancelFunc

	now func() time.Time
}

func New(deps Deps) *Collector {
	c := &Collector{
		cfg:      deps.Config,
		store:    deps.Store,
		status:   deps.Status,
		viewers:  deps.Viewers,
		auth:     deps.Auth,
		sessions: deps.Sessions,
		backoff:  deps.Backoff,
		triggers: deps.Triggers,
		reports:  deps.Reports,
		streams:  deps.Streams,
		accum:    NewAccumulator(),
		targets:  make(map[string]*runtime),
		now:      time.Now,
	}
	if c.streams == nil {
		c.streams = func(cfg eventstream.Config) Stream { return eventstream.New(cfg) }
	}
	return c
}

// Accumulator exposes the in-memory viewer/tipper totals.
func (c *Collector) Accumulator() *Accumulator { return c.accum }

// Register adds a target to the watch list (and persists it). Safe at runtime.
func (c *Collector) Register(ctx context.Context, t db.Target) error {
	if t.Source == "" {
		t.Source = "observed"
	}
	if err := c.store.UpsertTarget(ctx, t); err != nil {
		return err
	}
	c.addRuntime(t)
	slog.Info("target registered",
		slog.String("target", t.Name),
		slog.String("source", t.Source),
		slog.String("component", "collector"))
	return nil
}

// addRuntime inserts the in-memory entry without touching storage. Used for
// startup loading and by Register.
func (c *Collector) addRuntime(t db.Target) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := t.AccountID + "/" + t.Name
	if existing, ok := c.targets[key]; ok {
		existing.alive = true
		existing.source = t.Source
		return
	}
	c.targets[key] = &runtime{
		accountID: t.AccountID,
		name:      t.Name,
		source:    t.Source,
		alive:     true,
		status:    platformapi.StatusUnknown,
		modelID:   t.PlatformModelID,
	}
	telemetry.SetTrackedTargets(len(c.targets))
}

// LoadTargets seeds the watch list from storage at startup.
func (c *Collector) LoadTargets(targets []db.Target) {
	for _, t := range targets {
		c.addRuntime(t)
	}
	slog.Info("targets loaded", slog.Int("count", len(targets)), slog.String("component", "collector"))
}

// Unregister stops tracking a target. The polling loop skips it afterwards;
// its event stream is disconnected and any open session is closed so no stale
// row lingers until the next restart.
func (c *Collector) Unregister(ctx context.Context, accountID, name string) error {
	c.mu.Lock()
	rt, ok := c.targets[accountID+"/"+name]
	var live *Live
	if ok {
		rt.alive = false
		live = rt.live
		rt.live = nil
		rt.status = platformapi.StatusUnknown
	}
	c.mu.Unlock()

	if live != nil {
		if live.Stream != nil {
			live.Stream.Disconnect()
		}
		events, tokens, peak := live.counters()
		c.sessions.Close(ctx, live.SessionID, name, session.Summary{
			EventCount: events, TokenTotal: tokens, PeakViewers: peak,
		})
	}
	if err := c.store.DeactivateTarget(ctx, accountID, name); err != nil {
		return err
	}
	slog.Info("target unregistered", slog.String("target", name), slog.String("component", "collector"))
	return nil
}

// TargetStatus is one entry of the status snapshot served over HTTP.
type TargetStatus struct {
	AccountID  string    `json:"account_id"`
	Name       string    `json:"name"`
	Source     string    `json:"source"`
	Active     bool      `json:"active"`
	Status     string    `json:"status"`
	Viewers    int       `json:"viewers"`
	ModelID    string    `json:"model_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	Connected  bool      `json:"connected"`
	EventCount int       `json:"event_count"`
	TokenTotal int       `json:"token_total"`
	LastStatus time.Time `json:"last_status_poll,omitzero"`
	LastViewer time.Time `json:"last_viewer_poll,omitzero"`
}

// Snapshot returns the current state of every tracked target, sorted by key.
func (c *Collector) Snapshot() []TargetStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TargetStatus, 0, len(c.targets))
	for _, rt := range c.targets {
		ts := TargetStatus{
			AccountID:  rt.accountID,
			Name:       rt.name,
			Source:     rt.source,
			Active:     rt.alive,
			Status:     string(rt.status),
			Viewers:    rt.viewers,
			ModelID:    rt.modelID,
			LastStatus: rt.lastStatusPoll,
			LastViewer: rt.lastViewerPoll,
		}
		if rt.live != nil {
			ts.SessionID = rt.live.SessionID
			ts.EventCount, ts.TokenTotal, _ = rt.live.counters()
			if rt.live.Stream != nil {
				ts.Connected = rt.live.Stream.Connected()
			}
		}
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AccountID != out[j].AccountID {
			return out[i].AccountID < out[j].AccountID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// LiveTarget identifies a currently-live target, consumed by the thumbnail
// collaborator.
type LiveTarget struct {
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
	ModelID   string `json:"model_id"`
	SessionID string `json:"session_id"`
}

// LiveTargets returns the currently-live subset with stable platform ids.
func (c *Collector) LiveTargets() []LiveTarget {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []LiveTarget
	for _, rt := range c.targets {
		if rt.live == nil {
			continue
		}
		out = append(out, LiveTarget{
			AccountID: rt.accountID,
			Name:      rt.name,
			ModelID:   rt.modelID,
			SessionID: rt.live.SessionID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ResetViewerBackoff clears viewer-poll backoff state, either for one target
// or for all of them. Admin surface.
func (c *Collector) ResetViewerBackoff(accountID, name string) {
	prefix := "viewers:"
	if name != "" {
		prefix += accountID + "/" + name
	}
	c.backoff.ResetByPrefix(prefix)
}

// Shutdown disconnects every stream and closes every open session. A clean
// shutdown never needs the startup stale-session recovery path.
func (c *Collector) Shutdown(ctx context.Context) {
	if c.runCancel != nil {
		c.runCancel()
	}
	c.mu.Lock()
	var closing []*runtime
	for _, rt := range c.targets {
		if rt.live != nil {
			closing = append(closing, rt)
		}
	}
	c.mu.Unlock()

	for _, rt := range closing {
		c.mu.Lock()
		live := rt.live
		rt.live = nil
		rt.status = platformapi.StatusOff
		c.mu.Unlock()
		if live == nil {
			continue
		}
		if live.Stream != nil {
			live.Stream.Disconnect()
		}
		events, tokens, peak := live.counters()
		c.sessions.Close(ctx, live.SessionID, rt.name, session.Summary{
			EventCount: events, TokenTotal: tokens, PeakViewers: peak,
		})
		if telemetry.SessionsClosed != nil {
			telemetry.SessionsClosed.Inc()
		}
	}
	slog.Info("collector shut down", slog.Int("sessions_closed", len(closing)), slog.String("component", "collector"))
}
