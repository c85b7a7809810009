package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

var allVars = []string{
	"PORT", "DB_PATH", "POLICY_PATH", "FACILITIES_PATH", "REDIS_ADDRESS",
	"LOG_LEVEL", "LOG_DEVELOPMENT", "ROLLOVER_INTERVAL", "CORS_ORIGINS",
}

// clearEnv unsets every variable Load reads and restores them after the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allVars {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, ":8080", cfg.Addr())
}

func TestLoad_Environment(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("DB_PATH", ":memory:")
	t.Setenv("POLICY_PATH", "/etc/attendance/policy.yaml")
	t.Setenv("REDIS_ADDRESS", "localhost:6379")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_DEVELOPMENT", "true")
	t.Setenv("ROLLOVER_INTERVAL", "30s")
	t.Setenv("CORS_ORIGINS", "https://hr.example.com, ,https://app.example.com")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, ":memory:", cfg.DBPath)
	assert.Equal(t, "/etc/attendance/policy.yaml", cfg.PolicyPath)
	assert.Equal(t, "localhost:6379", cfg.RedisAddress)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.LogDevelopment)
	assert.Equal(t, 30*time.Second, cfg.RolloverInterval)
	assert.Equal(t, []string{"https://hr.example.com", "https://app.example.com"}, cfg.CORSOrigins)
}

func TestLoad_EnvFileDoesNotOverrideEnvironment(t *testing.T) {
	// GIVEN: a .env file setting PORT and DB_PATH, and PORT already exported
	// WHEN: loading
	// THEN: the exported PORT wins and DB_PATH comes from the file
	clearEnv(t)
	t.Setenv("PORT", "7000")

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("PORT=9999\nDB_PATH=/var/lib/attendance.db\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, "/var/lib/attendance.db", cfg.DBPath)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"PORT", "http"},
		{"PORT", "70000"},
		{"LOG_LEVEL", "chatty"},
		{"LOG_DEVELOPMENT", "sometimes"},
		{"ROLLOVER_INTERVAL", "-1m"},
		{"ROLLOVER_INTERVAL", "soon"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("warn", false)
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	dev, err := NewLogger("", true)
	require.NoError(t, err)
	assert.True(t, dev.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, dev.Core().Enabled(zapcore.DebugLevel))

	_, err = NewLogger("loud", false)
	assert.Error(t, err)
}
