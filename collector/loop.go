package collector

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/cast-tender/db"
	"github.com/onnwee/cast-tender/platformapi"
	"github.com/onnwee/cast-tender/telemetry"
)

// Run drives the polling loop until the context is cancelled. One cycle walks
// every registered target with a short stagger between them; each target gets
// a status poll and, while live, a viewer poll, each on its own interval gate.
func (c *Collector) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.runCtx = ctx
	c.runCancel = cancel
	c.mu.Unlock()
	defer cancel()

	slog.Info("collector loop starting",
		slog.Duration("cycle", c.cfg.CycleInterval),
		slog.Duration("stagger", c.cfg.TargetStagger),
		slog.String("component", "collector"))

	ticker := time.NewTicker(c.cfg.CycleInterval)
	defer ticker.Stop()
	for {
		telemetry.TimeFunc(telemetry.PollCycleDuration, func() { c.cycle(ctx) })
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// cycle performs one pass over the watch list.
func (c *Collector) cycle(ctx context.Context) {
	if c.triggers != nil {
		c.fireAndForget("warmup tick", func() { c.triggers.AdvanceWarmup() })
	}

	c.mu.Lock()
	keys := make([]string, 0, len(c.targets))
	for k, rt := range c.targets {
		if rt.alive {
			keys = append(keys, k)
		}
	}
	c.mu.Unlock()

	live := 0
	for i, key := range keys {
		if ctx.Err() != nil {
			return
		}
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cfg.TargetStagger):
			}
		}
		if c.processTarget(ctx, key) {
			live++
		}
	}
	telemetry.SetLiveTargets(live)
}

// processTarget runs one target's turn. Never panics across the pass: a bug in
// one target's handling must not take down the loop for the rest.
func (c *Collector) processTarget(ctx context.Context, key string) (isLive bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("target processing panicked",
				slog.String("target", key),
				slog.Any("panic", r),
				slog.String("component", "collector"))
		}
	}()

	c.mu.Lock()
	rt, ok := c.targets[key]
	if !ok || !rt.alive {
		c.mu.Unlock()
		return false
	}
	now := c.now()
	statusDue := now.Sub(rt.lastStatusPoll) >= c.cfg.StatusPollInterval
	viewersDue := rt.live != nil && now.Sub(rt.lastViewerPoll) >= c.cfg.ViewerPollInterval
	c.mu.Unlock()

	if statusDue && c.backoff.ShouldRetry(statusKey(rt)) {
		c.pollStatus(ctx, rt)
	}
	if viewersDue && c.backoff.ShouldRetry(viewersKey(rt)) {
		c.pollViewers(ctx, rt)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return rt.live != nil
}

// pollStatus probes presence and applies the transition table.
func (c *Collector) pollStatus(ctx context.Context, rt *runtime) {
	var res platformapi.StatusResult
	telemetry.TimeFunc(telemetry.StatusPollDuration, func() {
		res = c.status.PollStatus(ctx, rt.name, c.cfg.BrowserChallenge)
	})

	c.mu.Lock()
	rt.lastStatusPoll = c.now()
	c.mu.Unlock()

	if res.Status == platformapi.StatusUnknown {
		// "We don't know" is not "it is offline": only backoff bookkeeping,
		// no presence change, an open session stays open.
		telemetry.CountStatusPoll("unknown")
		c.backoff.RecordFailure(statusKey(rt))
		return
	}
	c.backoff.RecordSuccess(statusKey(rt))
	if res.Status.Live() {
		telemetry.CountStatusPoll("live")
	} else {
		telemetry.CountStatusPoll("off")
	}
	c.applyStatus(ctx, rt, res)
}

// pollViewers fetches the audience roster for a live target and records the
// snapshot. A 200 with an empty roster is success; non-200 is a failure.
func (c *Collector) pollViewers(ctx context.Context, rt *runtime) {
	cred, err := c.auth.Get(ctx)
	if err != nil {
		slog.Debug("viewer poll skipped: no credential",
			slog.String("target", rt.name),
			slog.Any("err", err),
			slog.String("component", "collector"))
		c.backoff.RecordFailure(viewersKey(rt))
		return
	}
	cookies := ""
	if s, err := c.store.LoadPlatformCookies(ctx, rt.accountID); err == nil {
		cookies = s
	}

	res, err := c.viewers.PollViewers(ctx, rt.name, cred.JWT, c.cfg.BrowserChallenge, cookies)

	c.mu.Lock()
	rt.lastViewerPoll = c.now()
	live := rt.live
	c.mu.Unlock()

	if err != nil {
		telemetry.CountViewerPoll("error")
		c.backoff.RecordFailure(viewersKey(rt))
		return
	}
	switch {
	case res.HTTPStatus == 200:
		// fall through below
	case res.HTTPStatus == 401 || res.HTTPStatus == 403:
		telemetry.CountViewerPoll("auth")
		c.backoff.RecordFailure(viewersKey(rt))
		// Debounced: concurrent auth failures share one refresh.
		if _, err := c.auth.HandleAuthError(ctx); err != nil {
			slog.Warn("credential refresh failed",
				slog.Any("err", err),
				slog.String("component", "collector"))
		}
		return
	default:
		telemetry.CountViewerPoll("error")
		c.backoff.RecordFailure(viewersKey(rt))
		return
	}

	telemetry.CountViewerPoll("ok")
	c.backoff.RecordSuccess(viewersKey(rt))
	if live == nil {
		// Target went offline while the poll was in flight; discard.
		return
	}

	roster := platformapi.NormalizeViewers(res.Viewers)
	names := make([]string, 0, len(roster))
	upserts := make([]db.ViewerUpsert, 0, len(roster))
	for _, v := range roster {
		names = append(names, v.Name)
		upserts = append(upserts, db.ViewerUpsert{
			Actor: v.Name, PlatformUserID: v.PlatformUserID,
			League: v.League, Level: v.Level, FanClub: v.FanClub,
		})
		c.accum.RecordPresence(v.Name)
	}
	if _, err := c.store.UpsertViewers(ctx, rt.accountID, rt.name, live.SessionID, upserts); err != nil {
		slog.Warn("viewer snapshot write failed",
			slog.String("target", rt.name),
			slog.Any("err", err),
			slog.String("component", "collector"))
	}
	live.observeViewers(len(roster))
	c.store.UpdatePeakViewers(ctx, live.SessionID, len(roster))

	if c.triggers != nil {
		t := c.dbTarget(rt)
		c.fireAndForget("viewer list trigger", func() { c.triggers.OnViewerListUpdate(t, names) })
	}
}

// fireAndForget spawns a collaborator call with its own error boundary.
func (c *Collector) fireAndForget(what string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Warn("collaborator call panicked",
					slog.String("call", what),
					slog.Any("panic", r),
					slog.String("component", "collector"))
			}
		}()
		fn()
	}()
}
