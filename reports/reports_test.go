package reports_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/onnwee/cast-tender/db"
	"github.com/onnwee/cast-tender/reports"
	"github.com/onnwee/cast-tender/session"
	"github.com/onnwee/cast-tender/testutil"
)

func TestGenerateAggregatesSession(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.TruncateTables(t, database, "session_reports", "events", "viewers", "sessions")
	ctx := context.Background()

	start := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	end := start.Add(45 * time.Minute)
	sessionID := session.DeriveID("acct", "alice", start)
	store := db.NewSessionStore(database)
	if err := store.Insert(ctx, sessionID, "acct", "alice", start); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	if err := store.Close(ctx, sessionID, end, session.Summary{PeakViewers: 20}); err != nil {
		t.Fatalf("close session: %v", err)
	}

	events := []db.Event{
		{AccountID: "acct", TargetName: "alice", EventTime: start, Kind: "chat", Actor: "v1", Body: "hi", SessionID: sessionID},
		{AccountID: "acct", TargetName: "alice", EventTime: start, Kind: "chat", Actor: "v2", Body: "yo", SessionID: sessionID},
		{AccountID: "acct", TargetName: "alice", EventTime: start, Kind: "tip", Actor: "v2", Tokens: 500, SessionID: sessionID},
		{AccountID: "acct", TargetName: "alice", EventTime: start, Kind: "tip", Actor: "whale", Tokens: 1500, IsVIP: true, SessionID: sessionID},
		{AccountID: "acct", TargetName: "alice", EventTime: start, Kind: "system", Body: "session start", SessionID: sessionID},
	}
	for _, ev := range events {
		if err := db.InsertEvent(ctx, database, ev); err != nil {
			t.Fatalf("insert event: %v", err)
		}
	}
	if _, err := db.UpsertViewers(ctx, database, "acct", "alice", sessionID, []db.ViewerUpsert{
		{Actor: "v1"}, {Actor: "v2"}, {Actor: "lurker"},
	}); err != nil {
		t.Fatalf("upsert viewers: %v", err)
	}

	g := reports.NewGenerator(database)
	target := db.Target{AccountID: "acct", Name: "alice", Source: "owned"}
	if err := g.Generate(ctx, sessionID, target); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	var raw []byte
	if err := database.QueryRowContext(ctx,
		`SELECT summary FROM session_reports WHERE session_id = $1`, sessionID).Scan(&raw); err != nil {
		t.Fatalf("report row missing: %v", err)
	}
	var sum reports.Summary
	if err := json.Unmarshal(raw, &sum); err != nil {
		t.Fatalf("summary not valid JSON: %v", err)
	}
	if sum.EventCount != 5 || sum.ChatCount != 2 || sum.TipCount != 2 {
		t.Errorf("counts = %+v", sum)
	}
	if sum.TokenTotal != 2000 || sum.VIPCount != 1 || sum.UniqueViewers != 3 {
		t.Errorf("totals = %+v", sum)
	}
	if sum.DurationSec != int(45*time.Minute/time.Second) {
		t.Errorf("duration = %d", sum.DurationSec)
	}
	if len(sum.TopTippers) == 0 || sum.TopTippers[0].Actor != "whale" {
		t.Errorf("top tippers = %+v", sum.TopTippers)
	}

	// Regeneration replaces, not duplicates.
	if err := g.Generate(ctx, sessionID, target); err != nil {
		t.Fatalf("second Generate failed: %v", err)
	}
	var count int
	if err := database.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM session_reports WHERE session_id = $1`, sessionID).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("report rows = %d, want 1", count)
	}
}
