package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewRespectsLevel(t *testing.T) {
	ctx := context.Background()

	debug := New("debug", "text")
	if !debug.Enabled(ctx, slog.LevelDebug) {
		t.Error("debug logger should enable debug records")
	}

	errOnly := New("error", "json")
	if errOnly.Enabled(ctx, slog.LevelInfo) {
		t.Error("error logger should drop info records")
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if id := RequestID(ctx); id != "" {
		t.Errorf("fresh context should have no request ID, got %q", id)
	}

	ctx = WithRequestID(ctx, "req-123")
	ctx = WithRequestID(ctx, "req-456")
	if id := RequestID(ctx); id != "req-456" {
		t.Errorf("RequestID = %q, want req-456", id)
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("expected default logger for empty context")
	}

	custom := New("debug", "json")
	ctx := WithLogger(context.Background(), custom)
	if FromContext(ctx) != custom {
		t.Error("expected the stored logger back")
	}
}

func TestLTagsRequestID(t *testing.T) {
	ctx := WithLogger(context.Background(), New("info", "text"))
	if L(ctx) == nil {
		t.Fatal("L returned nil without request ID")
	}

	ctx = WithRequestID(ctx, "req-789")
	if L(ctx) == nil {
		t.Fatal("L returned nil with request ID")
	}
}
