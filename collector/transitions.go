package collector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/onnwee/cast-tender/db"
	"github.com/onnwee/cast-tender/eventstream"
	"github.com/onnwee/cast-tender/platformapi"
	"github.com/onnwee/cast-tender/session"
	"github.com/onnwee/cast-tender/telemetry"
)

// applyStatus runs the per-target transition table for one confirmed (non-
// unknown) status read.
func (c *Collector) applyStatus(ctx context.Context, rt *runtime, res platformapi.StatusResult) {
	c.mu.Lock()
	if !rt.alive {
		// Unregistered while the poll was in flight; the result is discarded.
		c.mu.Unlock()
		return
	}
	wasLive := rt.live != nil
	firstRead := !rt.everPolled
	rt.everPolled = true
	if res.ModelID != "" {
		rt.modelID = res.ModelID
	}
	rt.viewers = res.ViewerCount
	c.mu.Unlock()

	// Startup recovery: whatever the first confirmed read says, sessions left
	// open by an unclean shutdown are closed before acting on it. Otherwise a
	// later live read would adopt the stale row through the open-conflict path
	// instead of starting a fresh session.
	if firstRead {
		c.sessions.CloseStale(ctx, rt.accountID, rt.name)
	}

	switch {
	case res.Status.Live() && !wasLive:
		c.goLive(ctx, rt, res)
	case !res.Status.Live() && wasLive:
		c.goOffline(ctx, rt, res.Status)
	case res.Status.Live() && wasLive:
		// Still live: refresh caches only, session identity is untouched.
		c.mu.Lock()
		rt.status = res.Status
		live := rt.live
		c.mu.Unlock()
		if live != nil {
			live.observeViewers(res.ViewerCount)
			c.store.UpdatePeakViewers(ctx, live.SessionID, res.ViewerCount)
		}
	default:
		c.mu.Lock()
		rt.status = res.Status
		c.mu.Unlock()
	}
}

// goLive opens a session and starts the event stream.
func (c *Collector) goLive(ctx context.Context, rt *runtime, res platformapi.StatusResult) {
	start := c.now().UTC()
	candidate := session.DeriveID(rt.accountID, rt.name, start)
	id := c.sessions.Open(ctx, rt.accountID, rt.name, candidate, start)

	live := &Live{SessionID: id, StartedAt: start}
	live.observeViewers(res.ViewerCount)

	c.mu.Lock()
	if !rt.alive {
		// Unregister raced with the open; don't leave the fresh row dangling.
		c.mu.Unlock()
		c.sessions.Close(ctx, id, rt.name, session.Summary{})
		return
	}
	rt.status = res.Status
	rt.live = live
	runCtx := c.runCtx
	modelID := rt.modelID
	c.mu.Unlock()

	if runCtx == nil {
		runCtx = ctx
	}
	stream := c.streams(eventstream.Config{
		URL:              c.cfg.PlatformWSURL,
		Target:           rt.name,
		ModelID:          modelID,
		BrowserChallenge: c.cfg.BrowserChallenge,
		Token: func(ctx context.Context) (string, error) {
			cred, err := c.auth.Get(ctx)
			if err != nil {
				return "", err
			}
			return cred.JWT, nil
		},
		OnRecord: func(rec eventstream.Record) {
			c.handleRecord(rt, live, rec)
		},
		OnAuthError: func() {
			// Debounced and single-flight; concurrent stream failures share
			// one refresh. The client reconnects on its own with the fresh
			// credential from the Token callback.
			if _, err := c.auth.HandleAuthError(context.Background()); err != nil {
				slog.Warn("stream credential refresh failed",
					slog.String("target", rt.name),
					slog.Any("err", err),
					slog.String("component", "collector"))
			}
		},
	})
	live.Stream = stream
	go stream.Run(runCtx)

	telemetry.CountTransition("went_live")
	if telemetry.SessionsOpened != nil {
		telemetry.SessionsOpened.Inc()
	}
	c.store.MarkTargetOnline(ctx, rt.accountID, rt.name, modelID)

	// Session-start annotation, carried in the event stream like any record.
	c.persistEvent(ctx, rt, live, db.Event{
		AccountID:  rt.accountID,
		TargetName: rt.name,
		EventTime:  start,
		Kind:       "system",
		Body:       fmt.Sprintf("session start (audience %d)", res.ViewerCount),
		SessionID:  id,
		Metadata:   map[string]any{"status": string(res.Status)},
	}, false)

	if c.triggers != nil {
		t := c.dbTarget(rt)
		c.fireAndForget("session start trigger", func() {
			c.triggers.OnSessionTransition("start", t, id, session.Summary{PeakViewers: res.ViewerCount})
		})
	}

	slog.Info("target went live",
		slog.String("target", rt.name),
		slog.String("status", string(res.Status)),
		slog.Int("viewers", res.ViewerCount),
		slog.String("session_id", id),
		slog.String("component", "collector"))
}

// goOffline closes the session and tears the stream down. Reconnects stop for
// good: Disconnect abandons the client's retry loop.
func (c *Collector) goOffline(ctx context.Context, rt *runtime, status platformapi.Status) {
	c.mu.Lock()
	live := rt.live
	rt.live = nil
	rt.status = status
	c.mu.Unlock()
	if live == nil {
		return
	}

	if live.Stream != nil {
		live.Stream.Disconnect()
	}

	events, tokens, peak := live.counters()
	sum := session.Summary{EventCount: events, TokenTotal: tokens, PeakViewers: peak}

	// Session-end annotation with final counters, then the close itself.
	c.persistEvent(ctx, rt, nil, db.Event{
		AccountID:  rt.accountID,
		TargetName: rt.name,
		EventTime:  c.now().UTC(),
		Kind:       "system",
		Body:       fmt.Sprintf("session end (events %d, tokens %d, peak %d)", events, tokens, peak),
		SessionID:  live.SessionID,
	}, false)
	c.sessions.Close(ctx, live.SessionID, rt.name, sum)

	telemetry.CountTransition("went_offline")
	if telemetry.SessionsClosed != nil {
		telemetry.SessionsClosed.Inc()
	}

	sessionID := live.SessionID
	c.fireAndForget("viewer totals accumulation", func() {
		if err := c.store.AccumulateViewerTotals(context.Background(), sessionID); err != nil {
			slog.Warn("viewer totals accumulation failed",
				slog.String("session_id", sessionID),
				slog.Any("err", err),
				slog.String("component", "collector"))
		}
	})

	t := c.dbTarget(rt)
	if c.triggers != nil {
		c.fireAndForget("session end trigger", func() {
			c.triggers.OnSessionTransition("end", t, sessionID, sum)
		})
	}
	if c.reports != nil && rt.source == "owned" {
		c.fireAndForget("report scheduling", func() { c.reports.Schedule(sessionID, t) })
	}

	slog.Info("target went offline",
		slog.String("target", rt.name),
		slog.String("session_id", sessionID),
		slog.Int("events", events),
		slog.Int("tokens", tokens),
		slog.String("component", "collector"))
}

// handleRecord is the stream handler: normalize, persist once, bump the live
// counters. Runs on the stream goroutine; only additive counter state is
// touched.
func (c *Collector) handleRecord(rt *runtime, live *Live, rec eventstream.Record) {
	ev := db.Event{
		AccountID:   rt.accountID,
		TargetName:  rt.name,
		EventTime:   rec.At,
		Kind:        rec.Kind,
		Actor:       rec.Actor,
		Body:        rec.Body,
		Tokens:      rec.Tokens,
		IsVIP:       rec.VIP(c.cfg.VIPTokenThreshold),
		SessionID:   live.SessionID,
		ActorLeague: rec.League,
		ActorLevel:  rec.Level,
		Metadata:    rec.Metadata,
	}
	c.persistEvent(context.Background(), rt, live, ev, true)
	c.accum.RecordEvent(rec.Actor, rec.Kind, rec.Tokens)
}

// persistEvent writes one event best-effort and optionally bumps the live
// counters for it.
func (c *Collector) persistEvent(ctx context.Context, rt *runtime, live *Live, ev db.Event, count bool) {
	if err := c.store.InsertEvent(ctx, ev); err != nil {
		slog.Warn("event write failed",
			slog.String("target", rt.name),
			slog.String("kind", ev.Kind),
			slog.Any("err", err),
			slog.String("component", "collector"))
	}
	telemetry.CountEvent(ev.Kind)
	if count && live != nil {
		live.addEvent(ev.Tokens)
	}
}

func (c *Collector) dbTarget(rt *runtime) db.Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	return db.Target{
		AccountID:       rt.accountID,
		Name:            rt.name,
		PlatformModelID: rt.modelID,
		Source:          rt.source,
		Active:          rt.alive,
	}
}
