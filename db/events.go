package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// Event is a normalized event record: chat line, tip, system annotation, or
// presence marker. Records flow in from the event stream and the viewer poll.
type Event struct {
	AccountID   string
	TargetName  string
	EventTime   time.Time
	Kind        string // "chat", "tip", "system"
	Actor       string
	Body        string
	Tokens      int
	IsVIP       bool
	SessionID   string
	ActorLeague string
	ActorLevel  int
	Metadata    map[string]any
}

// InsertEvent appends one event row. Session counters are bumped in the same
// round trip so a close can stamp totals without a rescan.
func InsertEvent(ctx context.Context, db *sql.DB, ev Event) error {
	var meta []byte
	if len(ev.Metadata) > 0 {
		meta, _ = json.Marshal(ev.Metadata)
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO events (account_id, target_name, event_time, kind, actor, body, tokens, is_vip, session_id, actor_league, actor_level, metadata)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), $11, $12)`,
		ev.AccountID, ev.TargetName, ev.EventTime.UTC(), ev.Kind, ev.Actor, ev.Body,
		ev.Tokens, ev.IsVIP, ev.SessionID, ev.ActorLeague, ev.ActorLevel, nullableJSON(meta))
	if err != nil {
		return err
	}
	if ev.SessionID != "" {
		_, _ = db.ExecContext(ctx, `
			UPDATE sessions SET event_count = event_count + 1, token_total = token_total + $2
			WHERE session_id = $1`,
			ev.SessionID, ev.Tokens)
	}
	return nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// ViewerUpsert is one row of a viewer snapshot.
type ViewerUpsert struct {
	Actor          string
	PlatformUserID string
	League         string
	Level          int
	FanClub        bool
}

// UpsertViewers records a viewer snapshot for a session, refreshing
// last_seen_at for names already present. Returns the rows written.
func UpsertViewers(ctx context.Context, db *sql.DB, accountID, target, sessionID string, viewers []ViewerUpsert) (int, error) {
	written := 0
	for _, v := range viewers {
		if v.Actor == "" {
			continue
		}
		_, err := db.ExecContext(ctx, `
			INSERT INTO viewers (account_id, target_name, session_id, actor, platform_user_id, league, level, fan_club)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8)
			ON CONFLICT (account_id, target_name, session_id, actor) DO UPDATE SET
				platform_user_id = COALESCE(EXCLUDED.platform_user_id, viewers.platform_user_id),
				league = COALESCE(EXCLUDED.league, viewers.league),
				level = GREATEST(EXCLUDED.level, viewers.level),
				fan_club = viewers.fan_club OR EXCLUDED.fan_club,
				last_seen_at = NOW()`,
			accountID, target, sessionID, v.Actor, v.PlatformUserID, v.League, v.Level, v.FanClub)
		if err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// UpdatePeakViewers raises a session's peak viewer count if the new value
// exceeds the stored one. Best-effort.
func UpdatePeakViewers(ctx context.Context, db *sql.DB, sessionID string, count int) {
	if sessionID == "" || count <= 0 {
		return
	}
	_, _ = db.ExecContext(ctx, `
		UPDATE sessions SET peak_viewers = GREATEST(peak_viewers, $2) WHERE session_id = $1`,
		sessionID, count)
}

// AccumulateViewerTotals folds a finished session's events and viewer rows
// into the cross-session viewer_profiles table. Runs off the hot path after a
// session closes.
func AccumulateViewerTotals(ctx context.Context, db *sql.DB, sessionID string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO viewer_profiles (actor, platform_user_id, league, level, fan_club, total_visits, last_seen_at)
		SELECT v.actor, MAX(v.platform_user_id), MAX(v.league), MAX(v.level), BOOL_OR(v.fan_club), 1, NOW()
		FROM viewers v WHERE v.session_id = $1
		GROUP BY v.actor
		ON CONFLICT (actor) DO UPDATE SET
			platform_user_id = COALESCE(EXCLUDED.platform_user_id, viewer_profiles.platform_user_id),
			league = COALESCE(EXCLUDED.league, viewer_profiles.league),
			level = GREATEST(EXCLUDED.level, viewer_profiles.level),
			fan_club = viewer_profiles.fan_club OR EXCLUDED.fan_club,
			total_visits = viewer_profiles.total_visits + 1,
			last_seen_at = NOW()`,
		sessionID)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		UPDATE viewer_profiles p SET
			message_count = p.message_count + agg.messages,
			tip_count = p.tip_count + agg.tips,
			token_total = p.token_total + agg.tokens
		FROM (
			SELECT actor,
				COUNT(*) FILTER (WHERE kind = 'chat') AS messages,
				COUNT(*) FILTER (WHERE kind = 'tip') AS tips,
				COALESCE(SUM(tokens), 0) AS tokens
			FROM events WHERE session_id = $1 AND actor IS NOT NULL
			GROUP BY actor
		) agg
		WHERE p.actor = agg.actor`,
		sessionID)
	return err
}
