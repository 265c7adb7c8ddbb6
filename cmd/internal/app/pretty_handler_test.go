package app

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestPrettyHandler_PlainOutput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false)
	log := slog.New(h)

	log.Info("room.member.join", "scene_id", "scene-1", "occupancy", 3)

	out := buf.String()
	if !strings.Contains(out, "lvl=[INFO]") {
		t.Fatalf("missing level tag: %q", out)
	}
	if !strings.Contains(out, "msg=room.member.join") {
		t.Fatalf("missing message: %q", out)
	}
	if !strings.Contains(out, "scene_id=scene-1") {
		t.Fatalf("missing attr: %q", out)
	}
	if !strings.Contains(out, "occupancy=3") {
		t.Fatalf("missing int attr: %q", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("color disabled but found escape codes: %q", out)
	}
}

func TestPrettyHandler_GroupsFlattened(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := newPrettyHandler(&buf, nil, false)
	log := slog.New(h).WithGroup("http").With("method", "POST")

	log.Info("http.request", "status", 201)

	out := buf.String()
	if !strings.Contains(out, "http.method=POST") {
		t.Fatalf("missing grouped attr: %q", out)
	}
	if !strings.Contains(out, "http.status=201") {
		t.Fatalf("missing grouped status: %q", out)
	}
}

func TestPrettyHandler_QuotesValuesWithSpaces(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := newPrettyHandler(&buf, nil, false)
	slog.New(h).Warn("ws.reject.origin", "origin", "https://evil.example.com some junk")

	out := buf.String()
	if !strings.Contains(out, `origin="https://evil.example.com some junk"`) {
		t.Fatalf("value with spaces not quoted: %q", out)
	}
}

func TestPrettyHandler_RespectsLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, false)

	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatalf("info should be disabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatalf("error should be enabled at warn level")
	}
}

func TestColorizeStatusCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code int
		want string
	}{
		{code: 200, want: ansiGreen + "200" + ansiReset},
		{code: 404, want: ansiYellow + "404" + ansiReset},
		{code: 503, want: ansiRed + "503" + ansiReset},
	}
	for _, tc := range cases {
		if got := colorizeStatusCode(tc.code, true); got != tc.want {
			t.Fatalf("colorizeStatusCode(%d)=%q want=%q", tc.code, got, tc.want)
		}
	}
	if got := colorizeStatusCode(500, false); got != "500" {
		t.Fatalf("colorizeStatusCode no-color=%q want 500", got)
	}
}

func TestLevelTag(t *testing.T) {
	t.Parallel()

	cases := []struct {
		level slog.Level
		want  string
	}{
		{level: slog.LevelDebug, want: "[DEBUG]"},
		{level: slog.LevelInfo, want: "[INFO]"},
		{level: slog.LevelWarn, want: "[WARN]"},
		{level: slog.LevelError, want: "[ERROR]"},
	}
	for _, tc := range cases {
		if got := levelTag(tc.level, false); got != tc.want {
			t.Fatalf("levelTag(%v)=%q want=%q", tc.level, got, tc.want)
		}
	}
}
