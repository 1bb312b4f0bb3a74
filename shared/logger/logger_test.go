package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decodeLines parses JSON log output into one map per record
func decodeLines(t *testing.T, output *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(output.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestNew_LevelThreshold(t *testing.T) {
	tests := []struct {
		name       string
		level      string
		wantLevels []string
	}{
		{name: "debug logs everything", level: "debug", wantLevels: []string{"DEBUG", "INFO", "WARN", "ERROR"}},
		{name: "info is the default", level: "", wantLevels: []string{"INFO", "WARN", "ERROR"}},
		{name: "warn", level: "WARN", wantLevels: []string{"WARN", "ERROR"}},
		{name: "error", level: "error", wantLevels: []string{"ERROR"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := &bytes.Buffer{}
			logger, err := New(&Config{Level: tt.level, Format: "json", writer: output})
			require.NoError(t, err)

			logger.Debug("Chunk translated")
			logger.Info("Job submitted")
			logger.Warn("Status cache read failed")
			logger.Error("Failed to dispatch job")

			var got []string
			for _, entry := range decodeLines(t, output) {
				got = append(got, entry["level"].(string))
			}
			assert.Equal(t, tt.wantLevels, got)
		})
	}
}

func TestNew_Attributes(t *testing.T) {
	output := &bytes.Buffer{}
	logger, err := New(&Config{
		Level:        "info",
		Format:       "json",
		Service:      "translation-api-service",
		EnableSource: true,
		writer:       output,
	})
	require.NoError(t, err)

	logger.Component("ledger").Info("Job settled",
		slog.String("job_id", "job-1"),
		slog.Int64("consumed_credits", 12),
	)

	entries := decodeLines(t, output)
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, "Job settled", entry["msg"])
	assert.Equal(t, "translation-api-service", entry["service"])
	assert.Equal(t, "ledger", entry["component"])
	assert.Equal(t, "job-1", entry["job_id"])
	assert.Equal(t, float64(12), entry["consumed_credits"])

	source, ok := entry["source"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, source, "file")
}

func TestNew_ConsoleFormat(t *testing.T) {
	tests := []struct {
		name   string
		format string
	}{
		{name: "explicit console", format: "console"},
		{name: "empty format", format: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := &bytes.Buffer{}
			logger, err := New(&Config{Format: tt.format, writer: output})
			require.NoError(t, err)

			logger.Info("Worker started", slog.Int("concurrency", 4))

			// tint abbreviates levels
			assert.Contains(t, output.String(), "INF")
			assert.Contains(t, output.String(), "Worker started")
			assert.Contains(t, output.String(), "concurrency=4")
		})
	}
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.log")

	logger, err := New(&Config{
		Level:   "info",
		Format:  "json",
		Output:  path,
		Service: "translation-worker-service",
	})
	require.NoError(t, err)

	logger.Component("scheduler").Info("Job finished", slog.String("job_id", "job-1"))
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var logEntry map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &logEntry))
	assert.Equal(t, "translation-worker-service", logEntry["service"])
	assert.Equal(t, "scheduler", logEntry["component"])
	assert.Equal(t, "job-1", logEntry["job_id"])
}

func TestNew_FileOutputError(t *testing.T) {
	logger, err := New(&Config{Output: filepath.Join(t.TempDir(), "missing", "dir", "app.log")})
	require.Error(t, err)
	assert.Nil(t, logger)
	assert.Contains(t, err.Error(), "failed to open log file")
}

func TestLogger_CloseWithoutFile(t *testing.T) {
	logger, err := New(&Config{Output: "stderr"})
	require.NoError(t, err)
	assert.NoError(t, logger.Close())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected slog.Level
	}{
		{level: "debug", expected: slog.LevelDebug},
		{level: "Info", expected: slog.LevelInfo},
		{level: "warning", expected: slog.LevelWarn},
		{level: "ERROR", expected: slog.LevelError},
		{level: "verbose", expected: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLevel(tt.level))
		})
	}
}
