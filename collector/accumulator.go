package collector

import (
	"sort"
	"sync"
)

// ActorTotals are the running in-memory totals for one audience member across
// every target this process has watched.
type ActorTotals struct {
	Actor    string `json:"actor"`
	Messages int    `json:"messages"`
	Tips     int    `json:"tips"`
	Tokens   int    `json:"tokens"`
	Seen     int    `json:"seen"`
}

// Accumulator keeps per-actor message/tip/presence totals in memory. It is a
// monitoring aid; durable totals live in viewer_profiles.
type Accumulator struct {
	mu     sync.Mutex
	actors map[string]*ActorTotals
}

func NewAccumulator() *Accumulator {
	return &Accumulator{actors: make(map[string]*ActorTotals)}
}

// RecordEvent folds one chat/tip record in.
func (a *Accumulator) RecordEvent(actor, kind string, tokens int) {
	if actor == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.get(actor)
	switch kind {
	case "chat":
		t.Messages++
	case "tip":
		t.Tips++
		t.Tokens += tokens
	}
}

// RecordPresence folds one viewer-snapshot appearance in.
func (a *Accumulator) RecordPresence(actor string) {
	if actor == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.get(actor).Seen++
}

func (a *Accumulator) get(actor string) *ActorTotals {
	t, ok := a.actors[actor]
	if !ok {
		t = &ActorTotals{Actor: actor}
		a.actors[actor] = t
	}
	return t
}

// Top returns up to n actors ordered by token total then message count.
func (a *Accumulator) Top(n int) []ActorTotals {
	a.mu.Lock()
	out := make([]ActorTotals, 0, len(a.actors))
	for _, t := range a.actors {
		out = append(out, *t)
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tokens != out[j].Tokens {
			return out[i].Tokens > out[j].Tokens
		}
		return out[i].Messages > out[j].Messages
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
