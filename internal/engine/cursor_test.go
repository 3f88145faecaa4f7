package engine

import (
	"encoding/json"
	"testing"
)

func TestCursorResponseParsing(t *testing.T) {
	var resp cursorResponse
	if err := json.Unmarshal([]byte(`{"result":"all changes applied","chat_id":"chat_9","is_error":false}`), &resp); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if resp.Result != "all changes applied" || resp.ChatID != "chat_9" || resp.IsError {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestCursorSessionResume(t *testing.T) {
	e := NewCursorEngine(Config{SessionID: "chat_1"}, nil)
	if e.SessionID() != "chat_1" {
		t.Errorf("SessionID = %q", e.SessionID())
	}
}

func TestNewEngineFactory(t *testing.T) {
	pm := NewProcessManager()

	for _, typ := range Types() {
		eng, err := New(Config{Type: typ}, pm)
		if err != nil {
			t.Errorf("New(%q) failed: %v", typ, err)
			continue
		}
		if eng.Name() != typ {
			t.Errorf("Name() = %q, want %q", eng.Name(), typ)
		}
	}

	if _, err := New(Config{Type: "copilot"}, pm); err == nil {
		t.Error("expected error for unknown engine type")
	}
}
