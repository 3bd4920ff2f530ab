// Package session manages the lifecycle of broadcast sessions: deterministic
// identifier derivation, open/close persistence, and startup recovery of
// sessions left open by an unclean shutdown.
//
// Session identifiers are content-addressed, not random: the same
// (account, target, start time) always derives the same identifier, which makes
// opening a session idempotent under process restarts and races.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicateOpen is returned by Store.Insert when the partial uniqueness
// constraint (one open session per target) rejects the row.
var ErrDuplicateOpen = errors.New("open session already exists for target")

// Summary carries the final counters written at close.
type Summary struct {
	EventCount  int
	TokenTotal  int
	PeakViewers int
}

// Store is the narrow persistence surface the manager needs. The db package
// implements it against Postgres.
type Store interface {
	// Insert persists a new open session row. Must return ErrDuplicateOpen
	// (possibly wrapped) when an open row for the same target already exists.
	Insert(ctx context.Context, id, accountID, target string, startedAt time.Time) error
	// FindOpen returns the identifier of the open session for a target, or ""
	// when none exists.
	FindOpen(ctx context.Context, accountID, target string) (string, error)
	// Close stamps the end time and summary counters on a session row.
	Close(ctx context.Context, id string, endedAt time.Time, sum Summary) error
	// CloseStale closes every open session for a target and reports how many
	// rows were touched.
	CloseStale(ctx context.Context, accountID, target string, endedAt time.Time) (int, error)
}

// idNamespace is the fixed UUIDv5 namespace for session identity.
var idNamespace = uuid.MustParse("2f1ed174-5c95-4f0a-9d8e-6b0a8a1c3d42")

// DeriveID computes the deterministic session identifier for a live period.
// The result is a SHA-1-based UUIDv5 over "account:target:startTime", so
// re-deriving from identical inputs yields byte-identical output.
func DeriveID(accountID, target string, startedAt time.Time) string {
	name := fmt.Sprintf("%s:%s:%s", accountID, target, startedAt.UTC().Format(time.RFC3339))
	return uuid.NewSHA1(idNamespace, []byte(name)).String()
}

// Manager performs best-effort session persistence. Failures are logged and
// swallowed: presence tracking must keep advancing even when storage degrades.
type Manager struct {
	store Store
}

func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Open persists a new open session using the candidate identifier. On a
// uniqueness conflict it adopts the already-open row's identifier instead of
// failing, which makes a duplicate open (e.g. restart discovering a target it
// had already opened) collide safely. The returned identifier is always usable;
// on unrelated storage errors it falls back to the candidate.
func (m *Manager) Open(ctx context.Context, accountID, target, candidateID string, startedAt time.Time) string {
	err := m.store.Insert(ctx, candidateID, accountID, target, startedAt)
	if err == nil {
		slog.Info("session opened",
			slog.String("target", target),
			slog.String("session_id", candidateID),
			slog.String("component", "session"))
		return candidateID
	}
	if errors.Is(err, ErrDuplicateOpen) {
		existing, ferr := m.store.FindOpen(ctx, accountID, target)
		if ferr == nil && existing != "" {
			slog.Info("session already open; adopting existing id",
				slog.String("target", target),
				slog.String("session_id", existing),
				slog.String("component", "session"))
			return existing
		}
		slog.Warn("duplicate open but no open row found",
			slog.String("target", target),
			slog.Any("err", ferr),
			slog.String("component", "session"))
		return candidateID
	}
	slog.Error("session open failed",
		slog.String("target", target),
		slog.String("session_id", candidateID),
		slog.Any("err", err),
		slog.String("component", "session"))
	return candidateID
}

// Close stamps end time and summary counters on a session. Best-effort.
func (m *Manager) Close(ctx context.Context, id, target string, sum Summary) {
	if id == "" {
		return
	}
	if err := m.store.Close(ctx, id, time.Now().UTC(), sum); err != nil {
		slog.Error("session close failed",
			slog.String("target", target),
			slog.String("session_id", id),
			slog.Any("err", err),
			slog.String("component", "session"))
		return
	}
	slog.Info("session closed",
		slog.String("target", target),
		slog.String("session_id", id),
		slog.Int("events", sum.EventCount),
		slog.Int("tokens", sum.TokenTotal),
		slog.String("component", "session"))
}

// CloseStale closes sessions left open by a prior crash for one target. Called
// once at startup before acting on the first poll.
func (m *Manager) CloseStale(ctx context.Context, accountID, target string) int {
	n, err := m.store.CloseStale(ctx, accountID, target, time.Now().UTC())
	if err != nil {
		slog.Warn("stale session cleanup failed",
			slog.String("target", target),
			slog.Any("err", err),
			slog.String("component", "session"))
		return 0
	}
	if n > 0 {
		slog.Info("closed stale sessions",
			slog.String("target", target),
			slog.Int("count", n),
			slog.String("component", "session"))
	}
	return n
}
