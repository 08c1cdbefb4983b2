package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestDisabledLoggerWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Enabled: false, Output: &buf})
	log.Error("should not appear")
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}
}

func TestEnabledLoggerHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Enabled: true, Level: "warn", Format: "json", Output: &buf})
	log.Info("dropped")
	log.Warn("kept", "chain_id", 137)

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("info record leaked: %q", out)
	}
	if !strings.Contains(out, `"chain_id":137`) {
		t.Fatalf("expected structured field, got %q", out)
	}
}
