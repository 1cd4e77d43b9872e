package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid cursor-change message
// ---------------------------------------------------------------------------

func TestParseClientMessage_CursorChange(t *testing.T) {
	input := []byte(`{"type":"cursor-change","socketId":"sock-1","pos":{"x":120.5,"y":44}}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeCursorChange {
		t.Fatalf("expected type %q, got %q", TypeCursorChange, msgType)
	}

	cm, ok := msg.(CursorChangeMsg)
	if !ok {
		t.Fatalf("expected CursorChangeMsg, got %T", msg)
	}
	if cm.SocketID != "sock-1" {
		t.Errorf("expected socketId %q, got %q", "sock-1", cm.SocketID)
	}
	if cm.Pos.X != 120.5 || cm.Pos.Y != 44 {
		t.Errorf("expected pos (120.5, 44), got (%v, %v)", cm.Pos.X, cm.Pos.Y)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid msg-send message
// ---------------------------------------------------------------------------

func TestParseClientMessage_MsgSend(t *testing.T) {
	input := []byte(`{"type":"msg-send","content":"hello there"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMsgSend {
		t.Fatalf("expected type %q, got %q", TypeMsgSend, msgType)
	}

	sm, ok := msg.(MsgSendMsg)
	if !ok {
		t.Fatalf("expected MsgSendMsg, got %T", msg)
	}
	if sm.Content != "hello there" {
		t.Errorf("expected content %q, got %q", "hello there", sm.Content)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a confetti-send message
// ---------------------------------------------------------------------------

func TestParseClientMessage_ConfettiSend(t *testing.T) {
	input := []byte(`{"type":"confetti-send","id":"sock-1-1700000000-0.5","emoji":"🔥","x":10,"y":20}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeConfettiSend {
		t.Fatalf("expected type %q, got %q", TypeConfettiSend, msgType)
	}

	cs, ok := msg.(ConfettiSendMsg)
	if !ok {
		t.Fatalf("expected ConfettiSendMsg, got %T", msg)
	}
	if cs.ID != "sock-1-1700000000-0.5" {
		t.Errorf("unexpected burst id %q", cs.ID)
	}
	if cs.Emoji != "🔥" {
		t.Errorf("expected emoji 🔥, got %q", cs.Emoji)
	}
	if cs.X != 10 || cs.Y != 20 {
		t.Errorf("expected coords (10, 20), got (%v, %v)", cs.X, cs.Y)
	}
}

// ---------------------------------------------------------------------------
// Test: Unknown and server-only types are rejected
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"bogus","x":1}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatalf("expected error for unknown type, got msg %v", msg)
	}
	if msgType != "bogus" {
		t.Errorf("expected type %q returned even on error, got %q", "bogus", msgType)
	}
}

func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	// A client must not be able to inject server events like msg-receive.
	input := []byte(`{"type":"msg-receive","content":"spoofed"}`)

	if _, _, err := ParseClientMessage(input); err == nil {
		t.Fatal("expected error for server-only type, got nil")
	}
}

func TestParseClientMessage_MissingType(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"content":"no type"}`)); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestParseClientMessage_MalformedJSON(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"type":`)); err == nil {
		t.Fatal("expected error for malformed JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Building server messages
// ---------------------------------------------------------------------------

func TestNewServerMessage_Session(t *testing.T) {
	data, err := NewServerMessage(TypeSession, SessionMsg{SessionID: "sess-abc"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["type"] != TypeSession {
		t.Errorf("expected type %q, got %v", TypeSession, decoded["type"])
	}
	if decoded["sessionId"] != "sess-abc" {
		t.Errorf("expected sessionId %q, got %v", "sess-abc", decoded["sessionId"])
	}
}

func TestNewServerMessage_CursorChanged(t *testing.T) {
	payload := CursorChangedMsg{
		SocketID: "sock-2",
		Pos:      Position{X: 3, Y: 7},
		Name:     "Ada",
		Flag:     "🇬🇧",
	}

	data, err := NewServerMessage(TypeCursorChanged, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded CursorChangedMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded.Type != TypeCursorChanged {
		t.Errorf("expected type %q, got %q", TypeCursorChanged, decoded.Type)
	}
	if decoded.Pos.X != 3 || decoded.Pos.Y != 7 {
		t.Errorf("expected pos (3, 7), got (%v, %v)", decoded.Pos.X, decoded.Pos.Y)
	}
	if decoded.Name != "Ada" {
		t.Errorf("expected name Ada, got %q", decoded.Name)
	}
}

func TestNewServerMessage_HistoryKeepsOrder(t *testing.T) {
	payload := MsgsReceiveInitMsg{
		Msgs: []Message{
			{ID: 1, Content: "first"},
			{ID: 2, Content: "second"},
			{ID: 3, Content: "third"},
		},
	}

	data, err := NewServerMessage(TypeMsgsReceiveInit, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded MsgsReceiveInitMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if len(decoded.Msgs) != 3 {
		t.Fatalf("expected 3 msgs, got %d", len(decoded.Msgs))
	}
	for i, want := range []string{"first", "second", "third"} {
		if decoded.Msgs[i].Content != want {
			t.Errorf("msgs[%d]: expected %q, got %q", i, want, decoded.Msgs[i].Content)
		}
	}
}
