package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestLogger_ComponentAndFieldsRendered(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(INFO)
	defer SetOutput(&bytes.Buffer{})

	InfoCF("memory", "job completed", map[string]interface{}{"thread_id": "t1", "attempts": 2})

	out := buf.String()
	for _, want := range []string{"component=memory", "msg=\"job completed\"", "thread_id=t1", "attempts=2"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in log output, got %q", want, out)
		}
	}
}

func TestLogger_LevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(INFO)
	defer SetOutput(&bytes.Buffer{})

	DebugC("agent", "hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected debug output to be filtered, got %q", buf.String())
	}

	SetLevel(DEBUG)
	defer SetLevel(INFO)
	DebugC("agent", "visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("expected debug output after SetLevel(DEBUG), got %q", buf.String())
	}
	if GetLevel() != DEBUG {
		t.Fatalf("expected DEBUG level, got %v", GetLevel())
	}
}
