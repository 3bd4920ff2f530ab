package collector

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/cast-tender/backoff"
	"github.com/onnwee/cast-tender/config"
	"github.com/onnwee/cast-tender/db"
	"github.com/onnwee/cast-tender/eventstream"
	"github.com/onnwee/cast-tender/platformapi"
	"github.com/onnwee/cast-tender/platformauth"
	"github.com/onnwee/cast-tender/session"
)

// ---- fakes ----

type fakeSessionStore struct {
	mu        sync.Mutex
	open      map[string]string // account:target -> id
	closed    []string
	staleRuns int
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{open: make(map[string]string)}
}

func (s *fakeSessionStore) Insert(ctx context.Context, id, accountID, target string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := accountID + ":" + target
	if s.open[k] != "" {
		return fmt.Errorf("conflict: %w", session.ErrDuplicateOpen)
	}
	s.open[k] = id
	return nil
}

func (s *fakeSessionStore) FindOpen(ctx context.Context, accountID, target string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open[accountID+":"+target], nil
}

func (s *fakeSessionStore) Close(ctx context.Context, id string, endedAt time.Time, sum session.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, open := range s.open {
		if open == id {
			delete(s.open, k)
		}
	}
	s.closed = append(s.closed, id)
	return nil
}

func (s *fakeSessionStore) CloseStale(ctx context.Context, accountID, target string, endedAt time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staleRuns++
	k := accountID + ":" + target
	if s.open[k] != "" {
		s.closed = append(s.closed, s.open[k])
		delete(s.open, k)
		return 1, nil
	}
	return 0, nil
}

type fakeStore struct {
	mu      sync.Mutex
	events  []db.Event
	viewers [][]db.ViewerUpsert
	online  []string
}

func (s *fakeStore) InsertEvent(ctx context.Context, ev db.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeStore) UpsertViewers(ctx context.Context, accountID, target, sessionID string, viewers []db.ViewerUpsert) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewers = append(s.viewers, viewers)
	return len(viewers), nil
}

func (s *fakeStore) UpdatePeakViewers(ctx context.Context, sessionID string, count int) {}
func (s *fakeStore) MarkTargetOnline(ctx context.Context, accountID, name, modelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = append(s.online, name)
}
func (s *fakeStore) AccumulateViewerTotals(ctx context.Context, sessionID string) error { return nil }
func (s *fakeStore) LoadPlatformCookies(ctx context.Context, accountID string) (string, error) {
	return "", nil
}
func (s *fakeStore) UpsertTarget(ctx context.Context, t db.Target) error { return nil }
func (s *fakeStore) DeactivateTarget(ctx context.Context, accountID, name string) error {
	return nil
}

func (s *fakeStore) eventBodies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Body
	}
	return out
}

type fakeStatus struct {
	mu      sync.Mutex
	results map[string]platformapi.StatusResult
}

func (f *fakeStatus) set(target string, res platformapi.StatusResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.results == nil {
		f.results = make(map[string]platformapi.StatusResult)
	}
	f.results[target] = res
}

func (f *fakeStatus) PollStatus(ctx context.Context, target, challenge string) platformapi.StatusResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if res, ok := f.results[target]; ok {
		return res
	}
	return platformapi.StatusResult{Status: platformapi.StatusUnknown}
}

type fakeViewers struct {
	mu     sync.Mutex
	result platformapi.ViewerResult
	err    error
	calls  int
}

func (f *fakeViewers) PollViewers(ctx context.Context, target, jwt, challenge, cookies string) (platformapi.ViewerResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.err
}

type fakeStream struct {
	mu           sync.Mutex
	runs         int
	disconnects  int
	disconnected bool
}

func (f *fakeStream) Run(ctx context.Context) {
	f.mu.Lock()
	f.runs++
	f.mu.Unlock()
	<-ctx.Done()
}

func (f *fakeStream) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.disconnected = true
}

func (f *fakeStream) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs > 0 && !f.disconnected
}

// ---- harness ----

type harness struct {
	c        *Collector
	store    *fakeStore
	sessions *fakeSessionStore
	status   *fakeStatus
	viewers  *fakeViewers
	streams  []*fakeStream
	fetches  int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    &fakeStore{},
		sessions: newFakeSessionStore(),
		status:   &fakeStatus{},
		viewers:  &fakeViewers{result: platformapi.ViewerResult{HTTPStatus: 200}},
	}
	cfg := &config.Config{
		CycleInterval:     time.Millisecond,
		VIPTokenThreshold: 1000,
	}
	auth := platformauth.NewCache(func(ctx context.Context) (platformauth.Credential, error) {
		h.fetches++
		return platformauth.Credential{JWT: "jwt"}, nil
	}, 10*time.Second, nil)
	h.c = New(Deps{
		Config:   cfg,
		Store:    h.store,
		Status:   h.status,
		Viewers:  h.viewers,
		Auth:     auth,
		Sessions: session.NewManager(h.sessions),
		Backoff:  backoff.NewTracker(),
		Streams: func(cfg eventstream.Config) Stream {
			s := &fakeStream{}
			h.streams = append(h.streams, s)
			return s
		},
	})
	return h
}

func (h *harness) register(t *testing.T, name, source string) {
	t.Helper()
	h.c.LoadTargets([]db.Target{{AccountID: "acct", Name: name, Source: source, Active: true}})
}

func (h *harness) cycle() {
	h.c.cycle(context.Background())
}

func (h *harness) snapshotOf(name string) TargetStatus {
	for _, ts := range h.c.Snapshot() {
		if ts.Name == name {
			return ts
		}
	}
	return TargetStatus{}
}

// ---- tests ----

func TestGoLiveOpensSessionAndStream(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice", "observed")
	h.status.set("alice", platformapi.StatusResult{Status: platformapi.StatusPublic, ViewerCount: 12, ModelID: "99"})

	h.cycle()

	ts := h.snapshotOf("alice")
	if ts.Status != "public" || ts.SessionID == "" {
		t.Fatalf("after live poll: %+v", ts)
	}
	if len(h.streams) != 1 {
		t.Fatalf("streams started = %d, want 1", len(h.streams))
	}
	if h.sessions.staleRuns != 1 {
		t.Errorf("stale cleanup runs = %d, want 1 (first-ever read)", h.sessions.staleRuns)
	}

	found := false
	for _, body := range h.store.eventBodies() {
		if strings.Contains(body, "session start") && strings.Contains(body, "12") {
			found = true
		}
	}
	if !found {
		t.Errorf("no session-start annotation with audience count, events: %v", h.store.eventBodies())
	}
}

func TestLiveToOfflineClosesEverything(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice", "observed")
	h.status.set("alice", platformapi.StatusResult{Status: platformapi.StatusPublic, ViewerCount: 5})
	h.cycle()

	sessionID := h.snapshotOf("alice").SessionID

	// Some stream activity while live.
	h.c.mu.Lock()
	live := h.c.targets["acct/alice"].live
	h.c.mu.Unlock()
	h.c.handleRecord(h.c.targets["acct/alice"], live, eventstream.Record{Kind: "tip", Actor: "v", Tokens: 200, At: time.Now()})

	h.status.set("alice", platformapi.StatusResult{Status: platformapi.StatusOff})
	// Allow another status poll immediately.
	h.c.mu.Lock()
	h.c.targets["acct/alice"].lastStatusPoll = time.Time{}
	h.c.mu.Unlock()
	h.cycle()

	ts := h.snapshotOf("alice")
	if ts.Status != "off" || ts.SessionID != "" {
		t.Fatalf("after offline poll: %+v", ts)
	}
	if len(h.sessions.closed) != 1 || h.sessions.closed[0] != sessionID {
		t.Fatalf("closed sessions = %v, want [%s]", h.sessions.closed, sessionID)
	}
	if !h.streams[0].disconnected {
		t.Error("stream must be disconnected on offline transition")
	}

	// Further cycles must not resurrect anything.
	h.c.mu.Lock()
	h.c.targets["acct/alice"].lastStatusPoll = time.Time{}
	h.c.mu.Unlock()
	h.cycle()
	if len(h.streams) != 1 {
		t.Errorf("streams = %d after offline, want no new connections", len(h.streams))
	}

	foundEnd := false
	for _, body := range h.store.eventBodies() {
		if strings.Contains(body, "session end") && strings.Contains(body, "tokens 200") {
			foundEnd = true
		}
	}
	if !foundEnd {
		t.Errorf("no session-end annotation with counters, events: %v", h.store.eventBodies())
	}
}

func TestUnknownPollKeepsSessionOpen(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice", "observed")
	h.status.set("alice", platformapi.StatusResult{Status: platformapi.StatusPublic, ViewerCount: 3})
	h.cycle()
	sessionID := h.snapshotOf("alice").SessionID

	// Flaky probe: unknown must not read as offline.
	h.status.set("alice", platformapi.StatusResult{Status: platformapi.StatusUnknown})
	h.c.mu.Lock()
	h.c.targets["acct/alice"].lastStatusPoll = time.Time{}
	h.c.mu.Unlock()
	h.cycle()

	ts := h.snapshotOf("alice")
	if ts.SessionID != sessionID {
		t.Fatalf("session id changed across unknown poll: %q -> %q", sessionID, ts.SessionID)
	}
	if len(h.sessions.closed) != 0 {
		t.Errorf("unknown poll closed a session: %v", h.sessions.closed)
	}
}

func TestSessionIDIffLiveInvariant(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice", "observed")

	sequence := []platformapi.Status{
		platformapi.StatusUnknown, platformapi.StatusOff, platformapi.StatusPublic,
		platformapi.StatusUnknown, platformapi.StatusPrivate, platformapi.StatusOff,
		platformapi.StatusP2P, platformapi.StatusOff, platformapi.StatusUnknown,
	}
	for _, st := range sequence {
		h.status.set("alice", platformapi.StatusResult{Status: st})
		h.c.mu.Lock()
		h.c.targets["acct/alice"].lastStatusPoll = time.Time{}
		h.c.mu.Unlock()
		h.cycle()

		ts := h.snapshotOf("alice")
		isLive := platformapi.Status(ts.Status).Live()
		if isLive != (ts.SessionID != "") {
			t.Fatalf("invariant broken at status %s: live=%v session=%q", st, isLive, ts.SessionID)
		}
	}
}

func TestRestartAdoptsViaStaleCleanupAndNewSession(t *testing.T) {
	h := newHarness(t)
	// Simulate a row left open by a crash.
	staleID := session.DeriveID("acct", "alice", time.Now().Add(-time.Hour))
	_ = h.sessions.Insert(context.Background(), staleID, "acct", "alice", time.Now().Add(-time.Hour))

	h.register(t, "alice", "observed")
	h.status.set("alice", platformapi.StatusResult{Status: platformapi.StatusPublic})
	h.cycle()

	ts := h.snapshotOf("alice")
	if ts.SessionID == staleID {
		t.Fatal("first poll after restart must open a brand-new session, not reuse the stale id")
	}
	if len(h.sessions.closed) != 1 || h.sessions.closed[0] != staleID {
		t.Fatalf("stale session not closed first: closed=%v", h.sessions.closed)
	}
}

func TestOfflineFirstRestartClosesStaleSession(t *testing.T) {
	h := newHarness(t)
	// Row left open by a crash, discovered offline on restart.
	staleID := session.DeriveID("acct", "alice", time.Now().Add(-time.Hour))
	_ = h.sessions.Insert(context.Background(), staleID, "acct", "alice", time.Now().Add(-time.Hour))

	h.register(t, "alice", "observed")
	h.status.set("alice", platformapi.StatusResult{Status: platformapi.StatusOff})
	h.cycle()

	// Cleanup runs on the first confirmed read even when it says offline.
	if h.sessions.staleRuns != 1 {
		t.Fatalf("stale cleanup runs = %d, want 1 after offline first read", h.sessions.staleRuns)
	}
	if len(h.sessions.closed) != 1 || h.sessions.closed[0] != staleID {
		t.Fatalf("stale session not closed: closed=%v", h.sessions.closed)
	}

	// When the target later goes live the session is brand new, not the
	// pre-crash row adopted through the open-conflict path.
	h.status.set("alice", platformapi.StatusResult{Status: platformapi.StatusPublic})
	h.c.mu.Lock()
	h.c.targets["acct/alice"].lastStatusPoll = time.Time{}
	h.c.mu.Unlock()
	h.cycle()

	ts := h.snapshotOf("alice")
	if ts.SessionID == "" || ts.SessionID == staleID {
		t.Fatalf("live after restart got session %q, want a fresh id distinct from %q", ts.SessionID, staleID)
	}
}

func TestInFlightPollAfterUnregisterIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice", "observed")

	h.c.mu.Lock()
	rt := h.c.targets["acct/alice"]
	h.c.mu.Unlock()

	if err := h.c.Unregister(context.Background(), "acct", "alice"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}

	// A poll that was already in flight when Unregister ran delivers its
	// result afterwards. It must be dropped, not open a session.
	h.c.applyStatus(context.Background(), rt, platformapi.StatusResult{Status: platformapi.StatusPublic, ViewerCount: 7})

	if len(h.streams) != 0 {
		t.Fatalf("streams = %d, want 0 for a dead target", len(h.streams))
	}
	h.sessions.mu.Lock()
	open := len(h.sessions.open)
	h.sessions.mu.Unlock()
	if open != 0 {
		t.Fatalf("open sessions = %d, want 0 for a dead target", open)
	}
	if ts := h.snapshotOf("alice"); ts.SessionID != "" {
		t.Fatalf("dead target carries session %q", ts.SessionID)
	}
}

func TestViewerPollBackoffSemantics(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice", "observed")
	h.status.set("alice", platformapi.StatusResult{Status: platformapi.StatusPublic})
	h.cycle()

	tracker := h.c.backoff.(*backoff.Tracker)
	key := "viewers:acct/alice"

	// Second cycle actually runs the viewer poll (the first one only
	// discovered the live state). 200 with an empty roster is a success.
	h.cycle()
	if h.viewers.calls == 0 {
		t.Fatal("viewer poll never ran")
	}
	if n := tracker.FailureCount(key); n != 0 {
		t.Fatalf("failures after empty 200 = %d, want 0", n)
	}

	// A 500 is a real failure.
	h.viewers.mu.Lock()
	h.viewers.result = platformapi.ViewerResult{HTTPStatus: 500}
	h.viewers.mu.Unlock()
	h.c.mu.Lock()
	h.c.targets["acct/alice"].lastViewerPoll = time.Time{}
	h.c.mu.Unlock()
	h.cycle()
	if n := tracker.FailureCount(key); n != 1 {
		t.Fatalf("failures after 500 = %d, want 1", n)
	}

	// A 200 whose body failed to decode surfaces as an error; that counts as
	// a failure too, never as an empty roster.
	h.viewers.mu.Lock()
	h.viewers.result = platformapi.ViewerResult{HTTPStatus: 200}
	h.viewers.err = fmt.Errorf("decode members payload: invalid character '<'")
	h.viewers.mu.Unlock()
	h.c.mu.Lock()
	h.c.targets["acct/alice"].lastViewerPoll = time.Time{}
	h.c.mu.Unlock()
	h.cycle()
	if n := tracker.FailureCount(key); n != 2 {
		t.Fatalf("failures after decode error = %d, want 2", n)
	}
}

func TestViewerPollAuthErrorTriggersSingleRefresh(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice", "observed")
	h.register(t, "bob", "observed")
	h.status.set("alice", platformapi.StatusResult{Status: platformapi.StatusPublic})
	h.status.set("bob", platformapi.StatusResult{Status: platformapi.StatusPublic})
	h.viewers.mu.Lock()
	h.viewers.result = platformapi.ViewerResult{HTTPStatus: 401}
	h.viewers.mu.Unlock()

	h.cycle()
	h.cycle() // viewer polls run once live state is known

	// Both targets hit 401 within one cycle (well inside the 10s debounce):
	// the initial lazy fetch plus at most one refresh.
	if h.fetches < 1 {
		t.Fatal("credential never fetched")
	}
	if h.fetches > 2 {
		t.Errorf("credential fetches = %d, want at most 2 (debounce collapses refreshes)", h.fetches)
	}
}

func TestUnregisterStopsTrackingAndClosesSession(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice", "observed")
	h.status.set("alice", platformapi.StatusResult{Status: platformapi.StatusPublic})
	h.cycle()
	sessionID := h.snapshotOf("alice").SessionID

	if err := h.c.Unregister(context.Background(), "acct", "alice"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if !h.streams[0].disconnected {
		t.Error("unregister must disconnect the stream")
	}
	if len(h.sessions.closed) != 1 || h.sessions.closed[0] != sessionID {
		t.Errorf("unregister should close the open session, closed=%v", h.sessions.closed)
	}

	// The loop skips it afterwards.
	h.c.mu.Lock()
	h.c.targets["acct/alice"].lastStatusPoll = time.Time{}
	h.c.mu.Unlock()
	h.cycle()
	if ts := h.snapshotOf("alice"); ts.Active {
		t.Error("unregistered target still marked active")
	}
}

func TestShutdownClosesAllSessions(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice", "observed")
	h.register(t, "bob", "observed")
	h.status.set("alice", platformapi.StatusResult{Status: platformapi.StatusPublic})
	h.status.set("bob", platformapi.StatusResult{Status: platformapi.StatusP2P})
	h.cycle()

	h.c.Shutdown(context.Background())

	if len(h.sessions.closed) != 2 {
		t.Fatalf("closed = %v, want both sessions closed", h.sessions.closed)
	}
	for _, s := range h.streams {
		if !s.disconnected {
			t.Error("all streams must be disconnected at shutdown")
		}
	}
	for _, ts := range h.c.Snapshot() {
		if ts.SessionID != "" {
			t.Errorf("session id lingers after shutdown: %+v", ts)
		}
	}
}

func TestEventRecordVIPAndCounters(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice", "observed")
	h.status.set("alice", platformapi.StatusResult{Status: platformapi.StatusPublic})
	h.cycle()

	h.c.mu.Lock()
	rt := h.c.targets["acct/alice"]
	live := rt.live
	h.c.mu.Unlock()

	h.c.handleRecord(rt, live, eventstream.Record{Kind: "tip", Actor: "whale", Tokens: 1200, At: time.Now()})
	h.c.handleRecord(rt, live, eventstream.Record{Kind: "chat", Actor: "v", Body: "hi", At: time.Now()})

	events, tokens, _ := live.counters()
	if events != 2 || tokens != 1200 {
		t.Errorf("counters = (%d, %d), want (2, 1200)", events, tokens)
	}

	var vipSeen bool
	h.store.mu.Lock()
	for _, ev := range h.store.events {
		if ev.Actor == "whale" && ev.IsVIP {
			vipSeen = true
		}
	}
	h.store.mu.Unlock()
	if !vipSeen {
		t.Error("1200-token tip should be flagged VIP")
	}

	top := h.c.Accumulator().Top(1)
	if len(top) != 1 || top[0].Actor != "whale" || top[0].Tokens != 1200 {
		t.Errorf("accumulator top = %+v", top)
	}
}
