package eventstream

import "testing"

func TestSplitFramesSingle(t *testing.T) {
	out := splitFrames([]byte(`{"id":1,"connect":{"client":"abc"}}`))
	if len(out) != 1 {
		t.Fatalf("len = %d, want 1", len(out))
	}
}

func TestSplitFramesConcatenated(t *testing.T) {
	raw := []byte(`{"id":2,"subscribe":{}}{"id":3,"subscribe":{}}{"push":{"channel":"newChatMessage@1","pub":{"data":{"a":1}}}}`)
	out := splitFrames(raw)
	if len(out) != 3 {
		t.Fatalf("len = %d, want 3", len(out))
	}
	if string(out[0]) != `{"id":2,"subscribe":{}}` {
		t.Errorf("first frame = %s", out[0])
	}
}

func TestSplitFramesNewlineSeparated(t *testing.T) {
	raw := []byte("{\"id\":1}\n{\"id\":2}")
	out := splitFrames(raw)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
}

func TestSplitFramesBracesInsideStrings(t *testing.T) {
	raw := []byte(`{"push":{"pub":{"data":{"body":"smile :} {ok}"}}}}{"id":5}`)
	out := splitFrames(raw)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2 (braces inside string literals must not split)", len(out))
	}
}

func TestSplitFramesEscapedQuote(t *testing.T) {
	raw := []byte(`{"body":"say \"hi\" {now}"}{"id":9}`)
	out := splitFrames(raw)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
}

func TestIsEmptyObject(t *testing.T) {
	if !isEmptyObject([]byte("{}")) {
		t.Error("{} should be the ping frame")
	}
	if !isEmptyObject([]byte(" {} ")) {
		t.Error("whitespace-padded {} should be the ping frame")
	}
	if isEmptyObject([]byte(`{"id":1}`)) {
		t.Error("non-empty object is not a ping")
	}
}
