package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "debug", Format: "json", Writer: &buf})

	l.With(String("tank_id", "A")).Info(context.Background(), "reading accepted",
		Float("level_percent", 92.5), Err(errors.New("boom")), Bool("fast_path", true))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if rec["tank_id"] != "A" || rec["level_percent"] != 92.5 || rec["error"] != "boom" || rec["fast_path"] != true {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "warn", Format: "text", Writer: &buf})
	l.Info(context.Background(), "hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
	l.Warn(context.Background(), "shown")
	if buf.Len() == 0 {
		t.Fatalf("warn should be written")
	}
}

func TestCycleIDIsStable(t *testing.T) {
	ctx, id := EnsureCycleID(context.Background())
	if id == "" {
		t.Fatalf("expected cycle id")
	}
	ctx2, id2 := EnsureCycleID(ctx)
	if id2 != id || CycleIDFromContext(ctx2) != id {
		t.Fatalf("cycle id changed: %q vs %q", id, id2)
	}
}

func TestLoggerFromContextFallback(t *testing.T) {
	if LoggerFromContext(context.Background(), nil) == nil {
		t.Fatalf("expected noop fallback")
	}
	ctx, l := WithRequestLogger(context.Background(), Noop())
	if LoggerFromContext(ctx, nil) != l {
		t.Fatalf("expected logger stored on context")
	}
	if RequestIDFromContext(ctx) == "" {
		t.Fatalf("expected request id on context")
	}
}
