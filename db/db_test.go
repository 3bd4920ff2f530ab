package db_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/onnwee/cast-tender/db"
	"github.com/onnwee/cast-tender/session"
	"github.com/onnwee/cast-tender/testutil"
)

func TestConnectUsesProvidedDSN(t *testing.T) {
	// The DSN comes from the caller (config.Load's DBDsn); only an empty
	// string falls back to the compose default. Neither handle dials until
	// first use, so both opens succeed without a server.
	database, err := db.Connect("postgres://u:p@localhost:5432/x?sslmode=disable")
	if err != nil {
		t.Fatalf("Connect with explicit dsn failed: %v", err)
	}
	_ = database.Close()

	fallback, err := db.Connect("")
	if err != nil {
		t.Fatalf("Connect with empty dsn failed: %v", err)
	}
	_ = fallback.Close()
}

func TestSessionStoreDuplicateOpen(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.TruncateTables(t, database, "sessions")
	ctx := context.Background()

	store := db.NewSessionStore(database)
	start := time.Now().UTC().Truncate(time.Second)
	id1 := session.DeriveID("acct", "alice", start)

	if err := store.Insert(ctx, id1, "acct", "alice", start); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}

	// Second open row for the same target must hit the partial unique index.
	id2 := session.DeriveID("acct", "alice", start.Add(time.Minute))
	err := store.Insert(ctx, id2, "acct", "alice", start.Add(time.Minute))
	if !errors.Is(err, session.ErrDuplicateOpen) {
		t.Fatalf("second insert error = %v, want ErrDuplicateOpen", err)
	}

	open, err := store.FindOpen(ctx, "acct", "alice")
	if err != nil {
		t.Fatalf("FindOpen failed: %v", err)
	}
	if open != id1 {
		t.Errorf("FindOpen = %s, want %s", open, id1)
	}

	// Closing the first row frees the slot for a new open session.
	if err := store.Close(ctx, id1, time.Now().UTC(), session.Summary{EventCount: 3, TokenTotal: 50}); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := store.Insert(ctx, id2, "acct", "alice", start.Add(time.Minute)); err != nil {
		t.Fatalf("insert after close failed: %v", err)
	}
}

func TestSessionStoreCloseStale(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.TruncateTables(t, database, "sessions")
	ctx := context.Background()

	store := db.NewSessionStore(database)
	start := time.Now().UTC().Add(-2 * time.Hour)
	id := session.DeriveID("acct", "bob", start)
	if err := store.Insert(ctx, id, "acct", "bob", start); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	n, err := store.CloseStale(ctx, "acct", "bob", time.Now().UTC())
	if err != nil {
		t.Fatalf("CloseStale failed: %v", err)
	}
	if n != 1 {
		t.Errorf("CloseStale = %d, want 1", n)
	}

	open, err := store.FindOpen(ctx, "acct", "bob")
	if err != nil {
		t.Fatalf("FindOpen failed: %v", err)
	}
	if open != "" {
		t.Errorf("FindOpen after CloseStale = %q, want empty", open)
	}
}

func TestInsertEventBumpsSessionCounters(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.TruncateTables(t, database, "events", "sessions")
	ctx := context.Background()

	store := db.NewSessionStore(database)
	start := time.Now().UTC()
	id := session.DeriveID("acct", "carol", start)
	if err := store.Insert(ctx, id, "acct", "carol", start); err != nil {
		t.Fatalf("insert session failed: %v", err)
	}

	events := []db.Event{
		{AccountID: "acct", TargetName: "carol", EventTime: start, Kind: "chat", Actor: "v1", Body: "hi", SessionID: id},
		{AccountID: "acct", TargetName: "carol", EventTime: start, Kind: "tip", Actor: "v2", Tokens: 120, IsVIP: false, SessionID: id},
	}
	for _, ev := range events {
		if err := db.InsertEvent(ctx, database, ev); err != nil {
			t.Fatalf("InsertEvent failed: %v", err)
		}
	}

	var count, tokens int
	err := database.QueryRowContext(ctx,
		`SELECT event_count, token_total FROM sessions WHERE session_id = $1`, id).Scan(&count, &tokens)
	if err != nil {
		t.Fatalf("query session failed: %v", err)
	}
	if count != 2 || tokens != 120 {
		t.Errorf("counters = (%d, %d), want (2, 120)", count, tokens)
	}
}

func TestUpsertViewersRefreshesLastSeen(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.TruncateTables(t, database, "viewers")
	ctx := context.Background()

	batch := []db.ViewerUpsert{
		{Actor: "v1", League: "gold", Level: 10},
		{Actor: "v2"},
		{Actor: ""}, // dropped
	}
	n, err := db.UpsertViewers(ctx, database, "acct", "dana", "sess-1", batch)
	if err != nil {
		t.Fatalf("UpsertViewers failed: %v", err)
	}
	if n != 2 {
		t.Errorf("written = %d, want 2", n)
	}

	// Re-upsert with a higher level; level must only go up.
	_, err = db.UpsertViewers(ctx, database, "acct", "dana", "sess-1", []db.ViewerUpsert{{Actor: "v1", Level: 12}})
	if err != nil {
		t.Fatalf("second UpsertViewers failed: %v", err)
	}
	var level int
	if err := database.QueryRowContext(ctx,
		`SELECT level FROM viewers WHERE actor = 'v1' AND session_id = 'sess-1'`).Scan(&level); err != nil {
		t.Fatalf("query viewer failed: %v", err)
	}
	if level != 12 {
		t.Errorf("level = %d, want 12", level)
	}
}

func TestPlatformCookiesRoundTrip(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.TruncateTables(t, database, "platform_sessions")
	ctx := context.Background()

	const cookies = "sessionId=abc; csrfToken=def"
	if err := db.SavePlatformCookies(ctx, database, "acct", cookies); err != nil {
		t.Fatalf("SavePlatformCookies failed: %v", err)
	}
	got, err := db.LoadPlatformCookies(ctx, database, "acct")
	if err != nil {
		t.Fatalf("LoadPlatformCookies failed: %v", err)
	}
	if got != cookies {
		t.Errorf("cookies = %q, want %q", got, cookies)
	}

	db.InvalidatePlatformCookies(ctx, database, "acct")
	got, err = db.LoadPlatformCookies(ctx, database, "acct")
	if err != nil {
		t.Fatalf("LoadPlatformCookies after invalidate failed: %v", err)
	}
	if got != "" {
		t.Errorf("invalidated cookies should not load, got %q", got)
	}
}

func TestTargetLifecycle(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.TruncateTables(t, database, "targets")
	ctx := context.Background()

	if err := db.UpsertTarget(ctx, database, db.Target{AccountID: "acct", Name: "erin", Source: "owned"}); err != nil {
		t.Fatalf("UpsertTarget failed: %v", err)
	}
	if err := db.UpsertTarget(ctx, database, db.Target{AccountID: "acct", Name: "frank"}); err != nil {
		t.Fatalf("UpsertTarget failed: %v", err)
	}
	if err := db.DeactivateTarget(ctx, database, "acct", "frank"); err != nil {
		t.Fatalf("DeactivateTarget failed: %v", err)
	}

	targets, err := db.LoadActiveTargets(ctx, database)
	if err != nil {
		t.Fatalf("LoadActiveTargets failed: %v", err)
	}
	if len(targets) != 1 || targets[0].Name != "erin" || targets[0].Source != "owned" {
		t.Fatalf("unexpected active targets %+v", targets)
	}
}
