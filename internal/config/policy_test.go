package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestApplyPolicyFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	content := `
max_session_duration: 2h
max_idle_time: 15m
output_buffer_lines: 500
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write policy file: %v", err)
	}

	s := Settings{
		MaxSessionDuration: 4 * time.Hour,
		MaxIdleTime:        30 * time.Minute,
		OrphanGrace:        5 * time.Minute,
		OutputBufferLines:  1000,
	}
	if err := applyPolicyFile(path, &s); err != nil {
		t.Fatalf("applyPolicyFile: %v", err)
	}

	if s.MaxSessionDuration != 2*time.Hour {
		t.Errorf("expected max_session_duration 2h, got %s", s.MaxSessionDuration)
	}
	if s.MaxIdleTime != 15*time.Minute {
		t.Errorf("expected max_idle_time 15m, got %s", s.MaxIdleTime)
	}
	if s.OutputBufferLines != 500 {
		t.Errorf("expected output_buffer_lines 500, got %d", s.OutputBufferLines)
	}
	// Unset fields keep their existing values
	if s.OrphanGrace != 5*time.Minute {
		t.Errorf("expected orphan_grace unchanged, got %s", s.OrphanGrace)
	}
}

func TestApplyPolicyFileMissing(t *testing.T) {
	s := Settings{MaxIdleTime: 30 * time.Minute}
	if err := applyPolicyFile("/nonexistent/policy.yaml", &s); err == nil {
		t.Fatal("expected error for missing policy file")
	}
	if s.MaxIdleTime != 30*time.Minute {
		t.Errorf("settings must be untouched on error, got %s", s.MaxIdleTime)
	}
}

func TestApplyPolicyFileRejectsInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("max_idle_time: [unterminated"), 0644); err != nil {
		t.Fatalf("write policy file: %v", err)
	}
	if err := applyPolicyFile(path, &Settings{}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestApplyPolicyFileRejectsBadDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("max_idle_time: fifteen minutes"), 0644); err != nil {
		t.Fatalf("write policy file: %v", err)
	}
	if err := applyPolicyFile(path, &Settings{}); err == nil {
		t.Fatal("expected duration parse error")
	}
}
