package db

import (
	"context"
	"database/sql"
	"time"
)

// Target is a broadcast account being watched. Owned targets belong to the
// operating account and get post-session reports; observed targets are tracked
// for presence and events only.
type Target struct {
	AccountID       string
	Name            string
	DisplayName     string
	PlatformModelID string
	Source          string // "owned" or "observed"
	Active          bool
	LastSeenOnline  *time.Time
}

// LoadActiveTargets returns every active target, the startup watch list.
func LoadActiveTargets(ctx context.Context, db *sql.DB) ([]Target, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT account_id, name, COALESCE(display_name, ''), COALESCE(platform_model_id, ''), source, active, last_seen_online
		FROM targets WHERE active = TRUE ORDER BY account_id, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []Target
	for rows.Next() {
		var t Target
		if err := rows.Scan(&t.AccountID, &t.Name, &t.DisplayName, &t.PlatformModelID, &t.Source, &t.Active, &t.LastSeenOnline); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// UpsertTarget registers a target or reactivates an existing row.
func UpsertTarget(ctx context.Context, db *sql.DB, t Target) error {
	if t.Source == "" {
		t.Source = "observed"
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO targets (account_id, name, display_name, platform_model_id, source, active, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, TRUE, NOW())
		ON CONFLICT (account_id, name) DO UPDATE SET
			display_name = COALESCE(EXCLUDED.display_name, targets.display_name),
			platform_model_id = COALESCE(EXCLUDED.platform_model_id, targets.platform_model_id),
			active = TRUE,
			updated_at = NOW()`,
		t.AccountID, t.Name, t.DisplayName, t.PlatformModelID, t.Source)
	return err
}

// DeactivateTarget marks a target inactive. The row and its history survive.
func DeactivateTarget(ctx context.Context, db *sql.DB, accountID, name string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE targets SET active = FALSE, updated_at = NOW() WHERE account_id = $1 AND name = $2`,
		accountID, name)
	return err
}

// MarkTargetOnline stamps the last-seen-online time and stores the platform
// model id the status poll resolved. Best-effort.
func MarkTargetOnline(ctx context.Context, db *sql.DB, accountID, name, modelID string) {
	_, _ = db.ExecContext(ctx, `
		UPDATE targets SET last_seen_online = NOW(),
			platform_model_id = COALESCE(NULLIF($3, ''), platform_model_id),
			updated_at = NOW()
		WHERE account_id = $1 AND name = $2`,
		accountID, name, modelID)
}
