package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeoutDuration())

	assert.Equal(t, "taskhub.db", cfg.Database.Path)
	assert.False(t, cfg.Database.UsePostgres())

	assert.Empty(t, cfg.NATS.URL, "empty URL selects the in-memory bus")
	assert.Empty(t, cfg.Auth.SecretKey)

	assert.Equal(t, 60, cfg.Broker.LeaseSeconds)
	assert.Equal(t, 10*time.Second, cfg.Broker.SweepIntervalDuration())
	assert.Equal(t, 5*time.Minute, cfg.Broker.AgingThresholdDuration())
	assert.Equal(t, 3, cfg.Broker.MaxPriority)
	assert.Equal(t, 3600, cfg.Broker.BackoffCapSec)
	assert.Equal(t, 5*time.Minute, cfg.Broker.SignatureMaxAgeDuration())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TASKHUB_SERVER_PORT", "9090")
	t.Setenv("TASKHUB_BROKER_LEASESECONDS", "120")
	t.Setenv("TASKHUB_LOGGING_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 120, cfg.Broker.LeaseSeconds)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadBareSecretKeyEnv(t *testing.T) {
	t.Setenv("SECRET_KEY", "deploy-secret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "deploy-secret", cfg.Auth.SecretKey)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	data := []byte(`
server:
  port: 7070
auth:
  secretKey: file-secret
broker:
  leaseSeconds: 90
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "file-secret", cfg.Auth.SecretKey)
	assert.Equal(t, 90, cfg.Broker.LeaseSeconds)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad port", map[string]string{"TASKHUB_SERVER_PORT": "70000"}, "server.port"},
		{"bad log level", map[string]string{"TASKHUB_LOGGING_LEVEL": "verbose"}, "logging.level"},
		{"bad log format", map[string]string{"TASKHUB_LOGGING_FORMAT": "xml"}, "logging.format"},
		{"bad lease", map[string]string{"TASKHUB_BROKER_LEASESECONDS": "0"}, "broker.leaseSeconds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPostgresSelection(t *testing.T) {
	t.Setenv("TASKHUB_DATABASE_HOST", "db.internal")
	t.Setenv("TASKHUB_DATABASE_PASSWORD", "pw")

	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.Database.UsePostgres())
	assert.Contains(t, cfg.Database.DSN(), "host=db.internal")
	assert.Contains(t, cfg.Database.DSN(), "dbname=taskhub")
}
