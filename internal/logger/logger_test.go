package logger

import "testing"

func TestSanitizeKVs(t *testing.T) {
	out := sanitizeKVs([]any{"token", "abc", "user_id", "u1", "content_id", "c1", "dangling"})
	if len(out) != 7 {
		t.Fatalf("len = %d, want 7", len(out))
	}
	if out[1] != "[REDACTED]" {
		t.Errorf("token not redacted: %v", out[1])
	}
	if out[3] == "u1" || len(out[3].(string)) != 12 {
		t.Errorf("user_id not hashed: %v", out[3])
	}
	if out[5] != "c1" {
		t.Errorf("content_id changed: %v", out[5])
	}
	if out[6] != "dangling" {
		t.Errorf("dangling key lost: %v", out[6])
	}
}

func TestSanitizeNestedMap(t *testing.T) {
	v := sanitizeValue("headers", map[string]any{"Authorization": "Bearer x", "Accept": "json"})
	m := v.(map[string]any)
	if m["Authorization"] != "[REDACTED]" {
		t.Errorf("Authorization = %v", m["Authorization"])
	}
	if m["Accept"] != "json" {
		t.Errorf("Accept = %v", m["Accept"])
	}
}

func TestNewLevels(t *testing.T) {
	if _, err := New("dev", "debug"); err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := New("prod", "loud"); err == nil {
		t.Fatal("expected error for bad level")
	}
	OrNop(nil).Info("discarded", "k", "v")
}
