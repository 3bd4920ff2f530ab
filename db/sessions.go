package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/onnwee/cast-tender/session"
)

// uniqueViolation is the Postgres SQLSTATE raised when the partial unique
// index on open sessions rejects an insert.
const uniqueViolation = "23505"

// SessionStore implements session.Store against Postgres.
type SessionStore struct {
	DB *sql.DB
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{DB: db}
}

var _ session.Store = (*SessionStore)(nil)

// Insert writes an open session row. A collision with the one-open-per-target
// index is reported as session.ErrDuplicateOpen so the caller can adopt the
// existing row.
func (s *SessionStore) Insert(ctx context.Context, id, accountID, target string, startedAt time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sessions (session_id, account_id, target_name, started_at)
		VALUES ($1, $2, $3, $4)`,
		id, accountID, target, startedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("insert sessions: %w", session.ErrDuplicateOpen)
		}
		return fmt.Errorf("insert sessions: %w", err)
	}
	return nil
}

// FindOpen returns the open session id for a target, or "" when none exists.
func (s *SessionStore) FindOpen(ctx context.Context, accountID, target string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `
		SELECT session_id FROM sessions
		WHERE account_id = $1 AND target_name = $2 AND ended_at IS NULL
		ORDER BY started_at DESC LIMIT 1`,
		accountID, target).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find open session: %w", err)
	}
	return id, nil
}

// Close stamps the end time and final counters on a session row.
func (s *SessionStore) Close(ctx context.Context, id string, endedAt time.Time, sum session.Summary) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE sessions SET ended_at = $2, event_count = $3, token_total = $4, peak_viewers = $5
		WHERE session_id = $1 AND ended_at IS NULL`,
		id, endedAt.UTC(), sum.EventCount, sum.TokenTotal, sum.PeakViewers)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

// CloseStale closes every open session for a target, returning the row count.
// Counters already accumulated on the row are preserved.
func (s *SessionStore) CloseStale(ctx context.Context, accountID, target string, endedAt time.Time) (int, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE sessions SET ended_at = $3
		WHERE account_id = $1 AND target_name = $2 AND ended_at IS NULL`,
		accountID, target, endedAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("close stale sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SessionRow is a persisted session as exposed over the HTTP API.
type SessionRow struct {
	SessionID   string     `json:"session_id"`
	AccountID   string     `json:"account_id"`
	TargetName  string     `json:"target_name"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	EventCount  int        `json:"event_count"`
	TokenTotal  int        `json:"token_total"`
	PeakViewers int        `json:"peak_viewers"`
}

// ListSessions returns recent sessions for a target, newest first.
func ListSessions(ctx context.Context, db *sql.DB, accountID, target string, limit int) ([]SessionRow, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT session_id, account_id, target_name, started_at, ended_at, event_count, token_total, peak_viewers
		FROM sessions WHERE account_id = $1 AND target_name = $2
		ORDER BY started_at DESC LIMIT $3`,
		accountID, target, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		if err := rows.Scan(&r.SessionID, &r.AccountID, &r.TargetName, &r.StartedAt, &r.EndedAt, &r.EventCount, &r.TokenTotal, &r.PeakViewers); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
