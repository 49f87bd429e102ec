package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSlogHandlerWritesAttributes(t *testing.T) {
	var buf bytes.Buffer
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	logger := slog.New(NewSlogHandler(zerolog.New(&buf)))

	logger.With("stream_id", "stream1").WithGroup("proc").Info("started",
		"pid", 42, "error", errors.New("boom"))

	out := buf.String()
	for _, want := range []string{`"stream_id":"stream1"`, `"proc.pid":42`, `"proc.error":"boom"`, `"message":"started"`, `"level":"info"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output %s missing %s", out, want)
		}
	}
}

func TestSlogHandlerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.DebugLevel) })

	logger := slog.New(NewSlogHandler(zerolog.New(&buf)))
	logger.Debug("hidden")

	if buf.Len() != 0 {
		t.Fatalf("debug record written at info level: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARN":    zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"nonsens": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
