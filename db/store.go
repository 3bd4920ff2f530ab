package db

import (
	"context"
	"database/sql"
)

// Store bundles the package-level helpers behind one handle so callers can
// depend on a narrow interface instead of *sql.DB.
type Store struct {
	DB *sql.DB
}

func NewStore(database *sql.DB) *Store {
	return &Store{DB: database}
}

func (s *Store) InsertEvent(ctx context.Context, ev Event) error {
	return InsertEvent(ctx, s.DB, ev)
}

func (s *Store) UpsertViewers(ctx context.Context, accountID, target, sessionID string, viewers []ViewerUpsert) (int, error) {
	return UpsertViewers(ctx, s.DB, accountID, target, sessionID, viewers)
}

func (s *Store) UpdatePeakViewers(ctx context.Context, sessionID string, count int) {
	UpdatePeakViewers(ctx, s.DB, sessionID, count)
}

func (s *Store) MarkTargetOnline(ctx context.Context, accountID, name, modelID string) {
	MarkTargetOnline(ctx, s.DB, accountID, name, modelID)
}

func (s *Store) AccumulateViewerTotals(ctx context.Context, sessionID string) error {
	return AccumulateViewerTotals(ctx, s.DB, sessionID)
}

func (s *Store) LoadPlatformCookies(ctx context.Context, accountID string) (string, error) {
	return LoadPlatformCookies(ctx, s.DB, accountID)
}

func (s *Store) UpsertTarget(ctx context.Context, t Target) error {
	return UpsertTarget(ctx, s.DB, t)
}

func (s *Store) DeactivateTarget(ctx context.Context, accountID, name string) error {
	return DeactivateTarget(ctx, s.DB, accountID, name)
}
