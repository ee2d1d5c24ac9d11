package zlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velmie/beacon"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var lines []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var fields map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &fields), line)
		lines = append(lines, fields)
	}

	return lines
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(zerolog.New(&buf))

	log.Info("beacon client ready", "queued", 3, "fresh_install", true, "err", errors.New("boom"), "outcome", beacon.OutcomeRetryableServer)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	line := lines[0]
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "beacon client ready", line["message"])
	assert.Equal(t, float64(3), line["queued"])
	assert.Equal(t, true, line["fresh_install"])
	assert.Equal(t, "boom", line["err"])
	assert.Equal(t, "server", line["outcome"])
}

func TestLoggerOddArgs(t *testing.T) {
	var buf bytes.Buffer
	log := New(zerolog.New(&buf))

	log.Warn("odd", "key", "value", "dangling")
	log.Error("non-string key", 42, "answer")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "value", lines[0]["key"])
	assert.Equal(t, "dangling", lines[0]["!BADKEY"])
	assert.Equal(t, "answer", lines[1]["42"])
	assert.Equal(t, "error", lines[1]["level"])
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWriter(&buf, "warning", false)
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("hidden")
	log.Warn("shown")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["message"])
	assert.Contains(t, lines[0], "time")
}

func TestLoggerWith(t *testing.T) {
	var buf bytes.Buffer
	log := New(zerolog.New(&buf)).With("app_key", "demo")

	log.Info("hello")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "demo", lines[0]["app_key"])
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"DEBUG":   zerolog.DebugLevel,
		"warn":    zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestPrettyWriter(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWriter(&buf, "info", true)
	require.NoError(t, err)

	log.Info("drained", "delivered", 2)
	assert.Contains(t, buf.String(), "drained")
	assert.Contains(t, buf.String(), "delivered=")
}
