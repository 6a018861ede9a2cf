package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{
		"debug":   DebugLevel,
		"INFO":    InfoLevel,
		" warn ":  WarnLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
		"verbose": InfoLevel,
		"":        InfoLevel,
	} {
		assert.Equal(t, want, ParseLevel(in), "ParseLevel(%q)", in)
	}
	assert.Equal(t, "warn", WarnLevel.String())
	assert.Equal(t, "unknown", Level(42).String())
}

func TestLevelRoundTrip(t *testing.T) {
	log := NewWithWriter(&bytes.Buffer{}, "json", InfoLevel)
	for _, lv := range []Level{DebugLevel, InfoLevel, WarnLevel, ErrorLevel} {
		log.SetLevel(lv)
		assert.Equal(t, lv, log.GetLevel())
	}
}

func TestJSONRecordShape(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "json", InfoLevel)

	log.Info("packet stored", "packet_id", "pkt-1")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	rec := lines[0]
	assert.Equal(t, "packet stored", rec["message"])
	assert.Equal(t, "INFO", rec["level"])
	assert.Equal(t, "pkt-1", rec["packet_id"])
	assert.NotContains(t, rec, "msg")

	src, _ := rec["source"].(string)
	assert.True(t, strings.HasPrefix(src, "logger/logger_test.go:"), "source %q", src)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "json", WarnLevel)

	log.Debug("hidden")
	log.Info("hidden")
	log.Warn("shown")
	log.SetLevel(DebugLevel)
	log.Debug("now shown")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "shown", lines[0]["message"])
	assert.Equal(t, "now shown", lines[1]["message"])
}

func TestContextAddsTraceIDs(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "json", InfoLevel).With("component", "pipeline")

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x0a, 0x0b},
		SpanID:     trace.SpanID{0x0c},
		TraceFlags: trace.FlagsSampled,
	})
	log.InfoContext(trace.ContextWithSpanContext(context.Background(), sc), "run finished")
	log.InfoContext(context.Background(), "no span")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, sc.TraceID().String(), lines[0]["trace_id"])
	assert.Equal(t, sc.SpanID().String(), lines[0]["span_id"])
	assert.Equal(t, "pipeline", lines[0]["component"])
	assert.NotContains(t, lines[1], "trace_id")
}

func TestWithSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	parent := NewWithWriter(&buf, "text", InfoLevel)
	child := parent.With("lane", "sinks")

	parent.SetLevel(ErrorLevel)
	child.Info("dropped")
	assert.Empty(t, buf.String())
	assert.Equal(t, ErrorLevel, child.GetLevel())

	child.Error("kept")
	assert.Contains(t, buf.String(), "lane=sinks")
	assert.NoError(t, child.Close(), "derived loggers own no output")
}

func TestNop(t *testing.T) {
	log := Nop()
	log.Error("nothing")
	assert.NoError(t, log.Close())
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mnemo.log")
	log := New(&Config{Level: InfoLevel, Format: "json", Output: path})

	log.Info("to file", "k", "v")
	require.NoError(t, log.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"message":"to file"`)
}

func TestUnwritableFileFallsBack(t *testing.T) {
	log := New(&Config{Level: InfoLevel, Output: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
	assert.NoError(t, log.Close(), "stderr fallback has nothing to close")
}

func TestGlobal(t *testing.T) {
	prev := Global()
	t.Cleanup(func() { SetGlobal(prev) })

	var buf bytes.Buffer
	SetGlobal(NewWithWriter(&buf, "text", InfoLevel))
	SetGlobal(nil)

	Global().Info("via global")
	assert.Contains(t, buf.String(), "via global")
}
