// Package reports generates post-session summaries for self-owned targets:
// one JSON document per closed session aggregating its events and audience.
package reports

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/onnwee/cast-tender/db"
	"github.com/onnwee/cast-tender/telemetry"
)

// Summary is the report payload stored in session_reports.summary.
type Summary struct {
	SessionID     string         `json:"session_id"`
	Target        string         `json:"target"`
	StartedAt     time.Time      `json:"started_at"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
	DurationSec   int            `json:"duration_sec"`
	EventCount    int            `json:"event_count"`
	ChatCount     int            `json:"chat_count"`
	TipCount      int            `json:"tip_count"`
	TokenTotal    int            `json:"token_total"`
	UniqueChatter int            `json:"unique_chatters"`
	UniqueViewers int            `json:"unique_viewers"`
	PeakViewers   int            `json:"peak_viewers"`
	VIPCount      int            `json:"vip_count"`
	TopTippers    []TipperTotals `json:"top_tippers,omitempty"`
}

type TipperTotals struct {
	Actor  string `json:"actor"`
	Tokens int    `json:"tokens"`
	Tips   int    `json:"tips"`
}

// Generator builds and persists reports. Schedule is fire-and-forget; the
// collector never waits on it.
type Generator struct {
	DB *sql.DB
}

func NewGenerator(database *sql.DB) *Generator {
	return &Generator{DB: database}
}

// Schedule generates a report for one closed session in the background.
func (g *Generator) Schedule(sessionID string, t db.Target) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := g.Generate(ctx, sessionID, t); err != nil {
			slog.Error("session report generation failed",
				slog.String("session_id", sessionID),
				slog.String("target", t.Name),
				slog.Any("err", err),
				slog.String("component", "reports"))
		}
	}()
}

// Generate aggregates one session into a report row. Idempotent: regenerating
// replaces the previous summary.
func (g *Generator) Generate(ctx context.Context, sessionID string, t db.Target) error {
	sum := Summary{SessionID: sessionID, Target: t.Name}

	err := g.DB.QueryRowContext(ctx, `
		SELECT started_at, ended_at, peak_viewers FROM sessions WHERE session_id = $1`,
		sessionID).Scan(&sum.StartedAt, &sum.EndedAt, &sum.PeakViewers)
	if err != nil {
		return err
	}
	if sum.EndedAt != nil {
		sum.DurationSec = int(sum.EndedAt.Sub(sum.StartedAt) / time.Second)
	}

	err = g.DB.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE kind = 'chat'),
			COUNT(*) FILTER (WHERE kind = 'tip'),
			COALESCE(SUM(tokens), 0),
			COUNT(DISTINCT actor) FILTER (WHERE kind IN ('chat', 'tip')),
			COUNT(DISTINCT actor) FILTER (WHERE is_vip)
		FROM events WHERE session_id = $1`,
		sessionID).Scan(&sum.EventCount, &sum.ChatCount, &sum.TipCount, &sum.TokenTotal, &sum.UniqueChatter, &sum.VIPCount)
	if err != nil {
		return err
	}

	err = g.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM viewers WHERE session_id = $1`, sessionID).Scan(&sum.UniqueViewers)
	if err != nil {
		return err
	}

	sum.TopTippers, err = g.topTippers(ctx, sessionID, 5)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(sum)
	if err != nil {
		return err
	}
	_, err = g.DB.ExecContext(ctx, `
		INSERT INTO session_reports (session_id, account_id, target_name, summary, generated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (session_id) DO UPDATE SET summary = EXCLUDED.summary, generated_at = NOW()`,
		sessionID, t.AccountID, t.Name, payload)
	if err != nil {
		return err
	}

	if telemetry.ReportsGenerated != nil {
		telemetry.ReportsGenerated.Inc()
	}
	slog.Info("session report generated",
		slog.String("session_id", sessionID),
		slog.String("target", t.Name),
		slog.Int("events", sum.EventCount),
		slog.Int("tokens", sum.TokenTotal),
		slog.String("component", "reports"))
	return nil
}

func (g *Generator) topTippers(ctx context.Context, sessionID string, n int) ([]TipperTotals, error) {
	rows, err := g.DB.QueryContext(ctx, `
		SELECT actor, COALESCE(SUM(tokens), 0), COUNT(*)
		FROM events WHERE session_id = $1 AND kind = 'tip' AND actor IS NOT NULL
		GROUP BY actor ORDER BY SUM(tokens) DESC LIMIT $2`,
		sessionID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TipperTotals
	for rows.Next() {
		var tt TipperTotals
		if err := rows.Scan(&tt.Actor, &tt.Tokens, &tt.Tips); err != nil {
			return nil, err
		}
		out = append(out, tt)
	}
	return out, rows.Err()
}
