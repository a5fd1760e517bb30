package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abid-rules-server/internal/domain"
)

func TestNew_LevelAndFormat(t *testing.T) {
	tests := []struct {
		name       string
		config     domain.LoggingConfig
		wantLevel  logrus.Level
		wantFormat logrus.Formatter
	}{
		{"json debug", domain.LoggingConfig{Level: "debug", Format: "json"}, logrus.DebugLevel, &logrus.JSONFormatter{}},
		{"text warn", domain.LoggingConfig{Level: "warn", Format: "text", Output: "stderr"}, logrus.WarnLevel, &logrus.TextFormatter{}},
		{"unknown level falls back to info", domain.LoggingConfig{Level: "chatty"}, logrus.InfoLevel, &logrus.JSONFormatter{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, closer, err := New(tt.config)
			require.NoError(t, err)
			defer closer.Close()

			assert.Equal(t, tt.wantLevel, logger.GetLevel())
			assert.IsType(t, tt.wantFormat, logger.Formatter)
		})
	}
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "abid.log")

	logger, closer, err := New(domain.LoggingConfig{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)
	logger.WithField("session_id", "s1").Info("evaluated")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var line map[string]any
	require.NoError(t, json.Unmarshal(data, &line))
	assert.Equal(t, "evaluated", line["message"])
	assert.Equal(t, "s1", line["session_id"])
	assert.Contains(t, line, "timestamp")
}
