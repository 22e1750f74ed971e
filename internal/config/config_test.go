package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/beacon-dashboard/internal/ingest"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestGetDefaults_Valid(t *testing.T) {
	cfg := GetDefaults()
	require.NoError(t, validateConfig(cfg))

	assert.Equal(t, ingest.PolicyAppend, cfg.Ingest.UploadPolicy)
	assert.Equal(t, 10, cfg.Ingest.MaxUploadMB)
	assert.Equal(t, 6, cfg.Aggregate.HeatmapStart)
	assert.Equal(t, 21, cfg.Aggregate.HeatmapEnd)
	assert.Equal(t, 22, cfg.Aggregate.DisplayEnd)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  read_timeout: 5s
ingest:
  upload_policy: replace
  debug_errors: true
  timezone: Europe/Berlin
aggregate:
  heatmap_start: 8
  heatmap_end: 18
logging:
  level: debug
  format: console
mqtt:
  enabled: true
  broker: tcp://broker:1883
  topic_prefix: site-a
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, ingest.PolicyReplace, cfg.Ingest.UploadPolicy)
	assert.True(t, cfg.Ingest.DebugErrors)
	assert.True(t, cfg.Ingest.Salvage)
	assert.Equal(t, "Europe/Berlin", cfg.Ingest.Timezone)
	assert.Equal(t, 8, cfg.Aggregate.HeatmapStart)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, "site-a", cfg.MQTT.TopicPrefix)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")
	t.Setenv("BEACON_SERVER_PORT", "7070")
	t.Setenv("BEACON_DATABASE_DATABASE_URL", "postgres://env@db/beacon")
	t.Setenv("BEACON_INGEST_SALVAGE", "false")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "postgres://env@db/beacon", cfg.Database.DatabaseURL)
	assert.False(t, cfg.Ingest.Salvage)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"port", "server:\n  port: 70000\n"},
		{"log level", "logging:\n  level: verbose\n"},
		{"log format", "logging:\n  format: xml\n"},
		{"upload policy", "ingest:\n  upload_policy: merge\n"},
		{"timezone", "aggregate:\n  timezone: Mars/Olympus\n"},
		{"window", "aggregate:\n  heatmap_start: 20\n  heatmap_end: 6\n"},
		{"mqtt broker", "mqtt:\n  enabled: true\n  broker: \"\"\n"},
		{"upload size", "ingest:\n  max_upload_mb: 0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestWatch_Reloads(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")

	reloaded := make(chan *Config, 4)
	require.NoError(t, Watch(path, func(c *Config) { reloaded <- c }, nil))

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9191\n"), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 9191, cfg.Server.Port)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}
}
