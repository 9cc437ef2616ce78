package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureDefault(t *testing.T, level LogLevel) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	originalLevel := defaultLogger.level
	originalZL := defaultLogger.zl
	SetOutput(&buf)
	SetLevel(level)
	t.Cleanup(func() {
		defaultLogger.zl = originalZL
		SetLevel(originalLevel)
	})
	return &buf
}

func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &entry))
	return entry
}

func TestLevels(t *testing.T) {
	tests := []struct {
		name  string
		logFn func(string, ...map[string]interface{})
		level string
	}{
		{"debug", Debug, "DEBUG"},
		{"info", Info, "INFO"},
		{"warn", Warn, "WARN"},
		{"error", Error, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureDefault(t, DEBUG)

			tt.logFn("grant applied", map[string]interface{}{"family": "market-assassin", "count": 2})

			entry := lastEntry(t, buf)
			assert.Equal(t, tt.level, entry["level"])
			assert.Equal(t, "grant applied", entry["message"])
			assert.NotEmpty(t, entry["timestamp"])

			fields, ok := entry["fields"].(map[string]interface{})
			require.True(t, ok)
			assert.Equal(t, "market-assassin", fields["family"])
			assert.EqualValues(t, 2, fields["count"])
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := captureDefault(t, WARN)

	Debug("dropped")
	Info("dropped")
	assert.Empty(t, buf.String())

	Warn("kept")
	assert.Equal(t, "kept", lastEntry(t, buf)["message"])
}

func TestLogWithoutFields(t *testing.T) {
	buf := captureDefault(t, INFO)

	Info("message without fields")

	entry := lastEntry(t, buf)
	_, hasFields := entry["fields"]
	assert.False(t, hasFields)
}

func TestSanitizeFields(t *testing.T) {
	sanitized := sanitizeFields(map[string]interface{}{
		"email":          "jane@co.com",
		"token":          "ABCDEFGHJKLMNPQRSTUV",
		"admin_password": "short",
		"access_code":    "ABCD-1234-EFGH-5678",
		"signature":      42,
	})

	assert.Equal(t, "jane@co.com", sanitized["email"])
	assert.Equal(t, "ABC...TUV", sanitized["token"])
	assert.Equal(t, "[REDACTED]", sanitized["admin_password"])
	assert.Equal(t, "ABC...678", sanitized["access_code"])
	assert.Equal(t, "[REDACTED]", sanitized["signature"])
	assert.Nil(t, sanitizeFields(nil))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, WARN, ParseLevel(" WARN "))
	assert.Equal(t, ERROR, ParseLevel("error"))
	assert.Equal(t, INFO, ParseLevel(""))
	assert.Equal(t, INFO, ParseLevel("verbose"))
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "j***@co.com", MaskEmail("jane@co.com"))
	assert.Equal(t, "*****", MaskEmail("nomai"))
}

func BenchmarkInfo(b *testing.B) {
	logger := NewWithWriter(INFO, &bytes.Buffer{})
	fields := map[string]interface{}{
		"email":  "bench@example.com",
		"action": "benchmark",
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Info("benchmark info message", fields)
	}
}
