package models

import (
	"encoding/json"
	"testing"
)

func TestToolCallRoundTrip(t *testing.T) {
	call := ToolCall{ID: "t1", Name: "read_file", Input: json.RawMessage(`{"path":"/tmp/a.txt"}`)}

	data, err := json.Marshal(call)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got ToolCall
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != call.ID || got.Name != call.Name || string(got.Input) != string(call.Input) {
		t.Errorf("round trip mismatch: %+v != %+v", got, call)
	}
}

func TestToolResultErrorFlagOmittedWhenFalse(t *testing.T) {
	data, err := json.Marshal(ToolResult{ToolCallID: "t1", Content: "ok"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, present := raw["is_error"]; present {
		t.Errorf("is_error should be omitted for success results, got %s", data)
	}
}

func TestAttachmentOptionalFieldsOmitted(t *testing.T) {
	data, err := json.Marshal(Attachment{ID: "a1", Type: "image", URL: "https://example.com/a.png"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"filename", "mime_type", "size"} {
		if _, present := raw[key]; present {
			t.Errorf("%s should be omitted when zero, got %s", key, data)
		}
	}
}

func TestRoleConstants(t *testing.T) {
	roles := map[Role]string{
		RoleUser:      "user",
		RoleAssistant: "assistant",
		RoleSystem:    "system",
		RoleTool:      "tool",
	}
	for role, want := range roles {
		if string(role) != want {
			t.Errorf("role %q != %q", role, want)
		}
	}
}
