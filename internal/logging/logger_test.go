package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSONRenamesTime(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(LoggerConfig{Format: "json", Level: slog.LevelInfo, Output: &buf})

	log.Debug("hidden")
	log.Info("stream connected", "user_id", 12345)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Contains(t, rec, "timestamp")
	assert.NotContains(t, rec, "time")
	assert.Equal(t, "stream connected", rec["msg"])
	assert.EqualValues(t, 12345, rec["user_id"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestOrDiscard(t *testing.T) {
	assert.NotNil(t, OrDiscard(nil))

	log := slog.Default()
	assert.Same(t, log, OrDiscard(log))
}
