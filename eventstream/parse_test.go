package eventstream

import (
	"encoding/json"
	"testing"
)

func TestParseChatMessage(t *testing.T) {
	data := json.RawMessage(`{
		"message": {
			"type": "text",
			"createdAt": "2026-03-01T20:15:00Z",
			"userData": {
				"id": 777,
				"username": "viewer1",
				"userRanking": {"league": "gold", "level": 24}
			},
			"details": {"body": "hello there"}
		}
	}`)
	rec, ok := ParsePush("newChatMessage@8445194", data)
	if !ok {
		t.Fatal("expected a record")
	}
	if rec.Kind != "chat" || rec.Actor != "viewer1" || rec.Body != "hello there" {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.League != "gold" || rec.Level != 24 {
		t.Errorf("ranking not parsed: %+v", rec)
	}
	if rec.At.Format("2006-01-02") != "2026-03-01" {
		t.Errorf("createdAt not honored: %v", rec.At)
	}
	if rec.VIP(1000) {
		t.Error("plain chat should not be VIP")
	}
}

func TestParseTip(t *testing.T) {
	data := json.RawMessage(`{
		"message": {
			"type": "tip",
			"userData": {"username": "bigspender"},
			"details": {"amount": 1500, "body": ""}
		}
	}`)
	rec, ok := ParsePush("newChatMessage@1", data)
	if !ok {
		t.Fatal("expected a record")
	}
	if rec.Kind != "tip" || rec.Tokens != 1500 {
		t.Errorf("unexpected record %+v", rec)
	}
	if !rec.VIP(1000) {
		t.Error("1500-token tip should clear the VIP threshold")
	}
}

func TestParseChatKnightIsVIP(t *testing.T) {
	data := json.RawMessage(`{
		"message": {
			"type": "text",
			"userData": {"username": "sir"},
			"details": {"body": "o7"},
			"additionalData": {"isKnight": true}
		}
	}`)
	rec, ok := ParsePush("newChatMessage@1", data)
	if !ok {
		t.Fatal("expected a record")
	}
	if !rec.IsKnight || !rec.VIP(1000) {
		t.Errorf("knight badge should make VIP: %+v", rec)
	}
}

func TestParseChatImplicitTip(t *testing.T) {
	// type says "text" but an amount is present; tokens win.
	data := json.RawMessage(`{
		"message": {
			"type": "text",
			"userData": {"username": "quiet"},
			"details": {"amount": 50}
		}
	}`)
	rec, ok := ParsePush("newChatMessage@1", data)
	if !ok {
		t.Fatal("expected a record")
	}
	if rec.Kind != "tip" || rec.Tokens != 50 {
		t.Errorf("amount should force tip kind: %+v", rec)
	}
}

func TestParseChatNoActorDropped(t *testing.T) {
	data := json.RawMessage(`{"message": {"details": {"body": "orphan"}}}`)
	if _, ok := ParsePush("newChatMessage@1", data); ok {
		t.Error("message without an actor must be dropped")
	}
}

func TestParseModelEvent(t *testing.T) {
	data := json.RawMessage(`{"type": "goalReached", "goal": 5000}`)
	rec, ok := ParsePush("newModelEvent@1", data)
	if !ok {
		t.Fatal("expected a record")
	}
	if rec.Kind != "system" || rec.Body != "goalReached" {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.Metadata["model_event"] == nil {
		t.Error("raw payload should be kept in metadata")
	}
}

func TestParseClearChat(t *testing.T) {
	rec, ok := ParsePush("clearChatMessages@1", json.RawMessage(`{}`))
	if !ok || rec.Kind != "system" {
		t.Fatalf("unexpected result %+v ok=%v", rec, ok)
	}
}

func TestParseUserUpdated(t *testing.T) {
	data := json.RawMessage(`{
		"user": {"id": 42, "username": "lurker", "userRanking": {"league": "bronze", "level": 3}}
	}`)
	rec, ok := ParsePush("userUpdated@1", data)
	if !ok {
		t.Fatal("expected a record")
	}
	if rec.Actor != "lurker" || rec.League != "bronze" || rec.PlatformUID != "42" {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestParseUnknownChannelDropped(t *testing.T) {
	if _, ok := ParsePush("somethingElse@1", json.RawMessage(`{"a":1}`)); ok {
		t.Error("unknown channels carry no records")
	}
}
