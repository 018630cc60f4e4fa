package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseClientMessage_Connect(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"connect","user_id":"u1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeConnect {
		t.Errorf("expected type %q, got %q", TypeConnect, msgType)
	}
	m, ok := msg.(ConnectMsg)
	if !ok {
		t.Fatalf("expected ConnectMsg, got %T", msg)
	}
	if m.UserID != "u1" {
		t.Errorf("expected user_id u1, got %q", m.UserID)
	}
}

func TestParseClientMessage_TypingStartHints(t *testing.T) {
	raw := `{"type":"typing_start","conversation_id":"c7","energy_hint":"slow","emotional_hint":"warm"}`
	_, msg, err := ParseClientMessage([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := msg.(TypingStartMsg)
	if m.ConversationID != "c7" {
		t.Errorf("unexpected conversation_id: %q", m.ConversationID)
	}
	if m.EnergyHint != "slow" || m.EmotionalHint != "warm" {
		t.Errorf("hints not decoded: %+v", m)
	}
}

func TestParseClientMessage_UnknownType(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"presence_changed"}`))
	if err == nil {
		t.Fatal("expected error for server-only type")
	}
}

func TestParseClientMessage_MissingType(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"conversation_id":"c7"}`))
	if err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestParseClientMessage_Malformed(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{not json`))
	if err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestNewServerMessage_InjectsType(t *testing.T) {
	data, err := NewServerMessage(TypeTypingStopped, TypingStoppedMsg{
		UserID:         "u1",
		ConversationID: "c7",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["type"] != TypeTypingStopped {
		t.Errorf("expected type %q, got %v", TypeTypingStopped, decoded["type"])
	}
	if decoded["user_id"] != "u1" || decoded["conversation_id"] != "c7" {
		t.Errorf("payload fields missing: %s", data)
	}
}

func TestNewServerMessage_OmitsEmptyHints(t *testing.T) {
	data, err := NewServerMessage(TypeTypingStarted, TypingStartedMsg{
		UserID:         "u1",
		ConversationID: "c7",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(string(data), "energy_hint") {
		t.Errorf("empty hint should be omitted: %s", data)
	}
}
