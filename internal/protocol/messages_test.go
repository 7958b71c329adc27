package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid setUsername message
// ---------------------------------------------------------------------------

func TestParseClientMessage_SetUsername(t *testing.T) {
	input := []byte(`{"type":"setUsername","username":"alice"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSetUsername {
		t.Fatalf("expected type %q, got %q", TypeSetUsername, msgType)
	}

	sm, ok := msg.(SetUsernameMsg)
	if !ok {
		t.Fatalf("expected SetUsernameMsg, got %T", msg)
	}
	if sm.Username != "alice" {
		t.Errorf("expected username %q, got %q", "alice", sm.Username)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid chat message keeps the text verbatim
// ---------------------------------------------------------------------------

func TestParseClientMessage_ChatMsg(t *testing.T) {
	input := []byte(`{"type":"message","text":"  <b>Hello!</b>  "}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMessage {
		t.Fatalf("expected type %q, got %q", TypeMessage, msgType)
	}

	cm, ok := msg.(ChatMsg)
	if !ok {
		t.Fatalf("expected ChatMsg, got %T", msg)
	}
	if cm.Text != "  <b>Hello!</b>  " {
		t.Errorf("expected verbatim text, got %q", cm.Text)
	}
}

// A message without a text field still parses; the relay decides whether the
// empty body is acceptable.
func TestParseClientMessage_ChatMsgMissingText(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"message"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cm := msg.(ChatMsg); cm.Text != "" {
		t.Errorf("expected empty text, got %q", cm.Text)
	}
}

func TestParseClientMessage_WrongPayloadShape(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"setUsername","username":42}`))
	if err == nil {
		t.Fatal("expected decode error for numeric username, got nil")
	}
	if msgType != TypeSetUsername {
		t.Errorf("expected returned type %q, got %q", TypeSetUsername, msgType)
	}
	if msg != nil {
		t.Errorf("expected nil message, got %v", msg)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a chat message server frame
// ---------------------------------------------------------------------------

func TestNewServerMessage_Chat(t *testing.T) {
	payload := ServerChatMsg{
		ID:        "conn-1",
		Username:  "alice",
		Text:      "hi",
		Timestamp: "2026-10-19T08:30:00.000Z",
	}

	data, err := NewServerMessage(TypeMessage, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	want := map[string]string{
		"type":      TypeMessage,
		"id":        "conn-1",
		"username":  "alice",
		"text":      "hi",
		"timestamp": "2026-10-19T08:30:00.000Z",
	}
	for k, v := range want {
		if result[k] != v {
			t.Errorf("expected %s %q, got %v", k, v, result[k])
		}
	}
	if len(result) != len(want) {
		t.Errorf("expected %d fields, got %d: %v", len(want), len(result), result)
	}
}

func TestNewServerMessage_OverridesType(t *testing.T) {
	data, err := NewServerMessage(TypeUserLeft, PresenceMsg{
		Type:     "bogus",
		Username: "bob",
		Message:  "bob left the chat",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded PresenceMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeUserLeft {
		t.Errorf("expected type %q, got %q", TypeUserLeft, decoded.Type)
	}
	if decoded.Message != "bob left the chat" {
		t.Errorf("unexpected message %q", decoded.Message)
	}
}

func TestNewServerMessage_EmptyPayload(t *testing.T) {
	data, err := NewServerMessage(TypePong, PongMsg{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"type":"pong"}` {
		t.Errorf("unexpected frame %s", data)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown or server-only message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	cases := []string{"unknown_type", TypeUserJoined, TypeConnected}

	for _, typ := range cases {
		t.Run(typ, func(t *testing.T) {
			input := []byte(`{"type":"` + typ + `","data":"something"}`)
			msgType, msg, err := ParseClientMessage(input)
			if err == nil {
				t.Fatal("expected an error for unknown message type, got nil")
			}
			if msg != nil {
				t.Errorf("expected nil message for unknown type, got %v", msg)
			}
			if msgType != typ {
				t.Errorf("expected returned type %q, got %q", typ, msgType)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"text":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"setUsername", `{"type":"setUsername","username":"bob"}`, TypeSetUsername},
		{"message", `{"type":"message","text":"hi"}`, TypeMessage},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
