package eventstream

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Record is a normalized event parsed from a push frame.
type Record struct {
	Kind        string // "chat", "tip", "system"
	Actor       string
	Body        string
	Tokens      int
	At          time.Time
	League      string
	Level       int
	IsModel     bool
	IsKing      bool
	IsKnight    bool
	FanClub     bool
	PlatformUID string
	Metadata    map[string]any
}

// VIP reports whether the actor counts as a VIP: a single tip at or above the
// token threshold, or a king/knight badge.
func (r Record) VIP(tokenThreshold int) bool {
	if tokenThreshold > 0 && r.Tokens >= tokenThreshold {
		return true
	}
	return r.IsKing || r.IsKnight
}

// ParsePush normalizes one push payload. The channel name before '@' selects
// the parser; payloads that carry no usable record return ok=false.
func ParsePush(channel string, data json.RawMessage) (Record, bool) {
	event := channel
	if i := strings.IndexByte(channel, '@'); i >= 0 {
		event = channel[:i]
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return Record{}, false
	}
	switch event {
	case "newChatMessage":
		return parseChat(payload)
	case "newModelEvent":
		return parseModelEvent(payload)
	case "clearChatMessages":
		return Record{Kind: "system", Body: "chat cleared", At: time.Now().UTC()}, true
	case "userUpdated":
		return parseUserUpdated(payload)
	}
	return Record{}, false
}

// parseChat handles newChatMessage payloads:
//
//	message.userData.username / .screenName
//	message.details.body / .text, message.details.amount
//	message.type ("text" | "tip"), message.createdAt
//	message.userData.userRanking.{league,level}
//	message.additionalData.{isKing,isKnight}
func parseChat(payload map[string]any) (Record, bool) {
	m, ok := payload["message"].(map[string]any)
	if !ok {
		return Record{}, false
	}
	userData, _ := m["userData"].(map[string]any)
	details, _ := m["details"].(map[string]any)
	additional, _ := m["additionalData"].(map[string]any)

	r := Record{At: time.Now().UTC()}
	r.Actor = firstStr(userData["username"], userData["screenName"], payload["username"])
	if r.Actor == "" {
		return Record{}, false
	}
	r.Body = firstStr(details["body"], details["text"])
	r.Tokens = asInt(details["amount"])
	if r.Tokens == 0 {
		r.Tokens = asInt(payload["tokens"])
	}

	r.Kind = "chat"
	if asStr(m["type"]) == "tip" || r.Tokens > 0 {
		r.Kind = "tip"
	}

	if ts := asStr(m["createdAt"]); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			r.At = t.UTC()
		}
	}

	if ranking, ok := userData["userRanking"].(map[string]any); ok {
		r.League = asStr(ranking["league"])
		r.Level = asInt(ranking["level"])
	}
	r.IsModel = userData["isModel"] == true
	r.IsKing = additional["isKing"] == true
	r.IsKnight = additional["isKnight"] == true
	r.PlatformUID = asStr(userData["id"])
	r.FanClub = asInt(details["fanClubNumberMonthsOfSubscribed"]) > 0 ||
		userData["isFanClubMember"] == true
	return r, true
}

// parseModelEvent covers broadcaster-side events (goal reached, show mode
// changes). The payload shape varies; keep the raw type and a metadata copy.
func parseModelEvent(payload map[string]any) (Record, bool) {
	eventType := firstStr(payload["type"], payload["eventType"])
	if eventType == "" {
		return Record{}, false
	}
	return Record{
		Kind:     "system",
		Body:     eventType,
		At:       time.Now().UTC(),
		Metadata: map[string]any{"model_event": payload},
	}, true
}

// parseUserUpdated carries audience membership changes. Only entries with a
// username are worth recording.
func parseUserUpdated(payload map[string]any) (Record, bool) {
	user, _ := payload["user"].(map[string]any)
	name := firstStr(user["username"], payload["username"])
	if name == "" {
		return Record{}, false
	}
	r := Record{
		Kind:        "system",
		Actor:       name,
		Body:        "user updated",
		At:          time.Now().UTC(),
		PlatformUID: asStr(user["id"]),
	}
	if ranking, ok := user["userRanking"].(map[string]any); ok {
		r.League = asStr(ranking["league"])
		r.Level = asInt(ranking["level"])
	}
	return r, true
}

func asStr(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return ""
	}
}

func firstStr(vals ...any) string {
	for _, v := range vals {
		if s := asStr(v); s != "" {
			return s
		}
	}
	return ""
}

func asInt(v any) int {
	switch x := v.(type) {
	case float64:
		return int(x)
	case int:
		return x
	case string:
		if n, err := strconv.Atoi(x); err == nil {
			return n
		}
	}
	return 0
}
