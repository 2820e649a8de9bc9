package util

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoggerFromContextFallsBackToDefault(t *testing.T) {
	if LoggerFromContext(context.Background()) != slog.Default() {
		t.Fatalf("expected default logger")
	}
	custom := slog.Default().With("k", "v")
	ctx := ContextWithLogger(context.Background(), custom)
	if LoggerFromContext(ctx) != custom {
		t.Fatalf("expected stored logger")
	}
}

func TestFatalLogsAndExits(t *testing.T) {
	prevLogger, prevExit := slog.Default(), exit
	t.Cleanup(func() {
		slog.SetDefault(prevLogger)
		exit = prevExit
	})
	var buf bytes.Buffer
	InitLoggerTo(&buf, "info")
	code := -1
	exit = func(c int) { code = c }

	Fatal("startup failed", "err", "boom")

	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if out := buf.String(); !strings.Contains(out, `"msg":"startup failed"`) || !strings.Contains(out, `"err":"boom"`) {
		t.Fatalf("unexpected log output: %s", out)
	}
}
