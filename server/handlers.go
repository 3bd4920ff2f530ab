package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/cast-tender/collector"
	"github.com/onnwee/cast-tender/db"
	"github.com/onnwee/cast-tender/trigger"
)

// Presence is the collector surface the API serves. Satisfied by
// *collector.Collector.
type Presence interface {
	Snapshot() []collector.TargetStatus
	LiveTargets() []collector.LiveTarget
	Register(ctx context.Context, t db.Target) error
	Unregister(ctx context.Context, accountID, name string) error
	ResetViewerBackoff(accountID, name string)
	Accumulator() *collector.Accumulator
}

// FiringLog exposes recent trigger activity. Satisfied by *trigger.Engine.
type FiringLog interface {
	RecentFirings(n int) []trigger.Firing
}

// Deps wires handler collaborators. Firings and AuthValid are optional.
type Deps struct {
	Presence  Presence
	Firings   FiringLog
	AuthValid func() bool
}

var errNoCredential = errors.New("no valid platform credential")

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db      *sql.DB
	deps    Deps
	started time.Time
}

func NewHandlers(database *sql.DB, deps Deps) *Handlers {
	return &Handlers{db: database, deps: deps, started: time.Now()}
}

// HandleHealthz responds to liveness probes by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probes with per-dependency checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"platform_auth", func() error {
			if h.deps.AuthValid != nil && !h.deps.AuthValid() {
				return errNoCredential
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus returns the presence snapshot for every tracked target.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := h.deps.Presence.Snapshot()
	liveCount := 0
	for _, ts := range snap {
		if ts.SessionID != "" {
			liveCount++
		}
	}
	writeJSON(w, map[string]any{
		"targets":      snap,
		"live_count":   liveCount,
		"uptime_sec":   int(time.Since(h.started) / time.Second),
		"generated_at": time.Now().UTC(),
	})
}

// registerRequest is the POST /targets body.
type registerRequest struct {
	AccountID   string `json:"account_id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	ModelID     string `json:"model_id,omitempty"`
	Source      string `json:"source,omitempty"`
}

// HandleTargets lists, registers, or unregisters watched targets.
func (h *Handlers) HandleTargets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, h.deps.Presence.Snapshot())

	case http.MethodPost:
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.AccountID == "" || req.Name == "" {
			http.Error(w, "account_id and name are required", http.StatusBadRequest)
			return
		}
		t := db.Target{
			AccountID:       req.AccountID,
			Name:            req.Name,
			DisplayName:     req.DisplayName,
			PlatformModelID: req.ModelID,
			Source:          req.Source,
			Active:          true,
		}
		if err := h.deps.Presence.Register(r.Context(), t); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "registered", "target": req.Name})

	case http.MethodDelete:
		account := r.URL.Query().Get("account")
		name := r.URL.Query().Get("name")
		if account == "" || name == "" {
			http.Error(w, "account and name query params are required", http.StatusBadRequest)
			return
		}
		if err := h.deps.Presence.Unregister(r.Context(), account, name); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "unregistered", "target": name})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleTargetsLive returns the currently-live subset.
func (h *Handlers) HandleTargetsLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	live := h.deps.Presence.LiveTargets()
	writeJSON(w, map[string]any{"live": live, "count": len(live)})
}

// HandleSessions lists recent sessions for one target.
func (h *Handlers) HandleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	account, target := q.Get("account"), q.Get("target")
	if account == "" || target == "" {
		http.Error(w, "account and target query params are required", http.StatusBadRequest)
		return
	}
	limit := 0
	if s := q.Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			limit = n
		}
	}
	rows, err := db.ListSessions(r.Context(), h.db, account, target, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"sessions": rows, "count": len(rows)})
}

// HandleBackoffReset clears viewer-poll backoff, for one target or all.
func (h *Handlers) HandleBackoffReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	account := r.URL.Query().Get("account")
	name := r.URL.Query().Get("name")
	h.deps.Presence.ResetViewerBackoff(account, name)
	scope := "all"
	if name != "" {
		scope = account + "/" + name
	}
	writeJSON(w, map[string]string{"status": "ok", "scope": scope})
}

// HandleMonitor returns a monitoring summary: live targets, top actors by
// in-memory totals, and recent trigger firings.
func (h *Handlers) HandleMonitor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	out := map[string]any{
		"live_targets": h.deps.Presence.LiveTargets(),
		"top_actors":   h.deps.Presence.Accumulator().Top(20),
		"uptime_sec":   int(time.Since(h.started) / time.Second),
	}
	if h.deps.Firings != nil {
		out["recent_firings"] = h.deps.Firings.RecentFirings(50)
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
