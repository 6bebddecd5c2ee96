package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestContextFieldsAreLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "production", "info")

	ctx := WithFields(context.Background(), Fields{RequestID: "req-1"})
	ctx = WithFields(ctx, Fields{UserID: "usr_1"})
	logger.InfoContext(ctx, "hello", "extra", 1)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if line["request_id"] != "req-1" || line["user_id"] != "usr_1" || line["msg"] != "hello" {
		t.Fatalf("unexpected log line: %v", line)
	}
	if _, ok := line["collaboration_id"]; ok {
		t.Fatal("empty fields should be omitted")
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		level, env string
		want       slog.Level
	}{
		{level: "debug", env: "production", want: slog.LevelDebug},
		{level: "WARN", env: "", want: slog.LevelWarn},
		{level: "", env: "production", want: slog.LevelInfo},
		{level: "", env: "development", want: slog.LevelDebug},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.level, tc.env); got != tc.want {
			t.Errorf("parseLevel(%q, %q) = %v, want %v", tc.level, tc.env, got, tc.want)
		}
	}
}
