package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8817, cfg.Port)
	assert.Equal(t, "anthropic", cfg.Agent.Provider)
	assert.FileExists(t, path)

	// Derived paths follow the data dir.
	assert.Equal(t, filepath.Join("./data", "courier.db"), cfg.Database.Path)
	assert.Equal(t, filepath.Join("./data", "secret.key"), cfg.Database.KeyFile)
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"port": 9000,
		"data_dir": "/tmp/courier",
		"agent": {"provider": "anthropic", "model": "claude-sonnet-4"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "/tmp/courier/courier.db", cfg.Database.Path)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
port: 9001
data_dir: /tmp/courier
agent:
  provider: anthropic
  model: claude-sonnet-4
gateway:
  stream_edit_interval_ms: 750
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Port)
	assert.Equal(t, 750, cfg.Gateway.StreamEditIntervalMs)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("COURIER_TEST_KEY", "sk-secret")

	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"port": 9000,
		"agent": {"provider": "anthropic", "model": "claude-sonnet-4", "api_key": "${COURIER_TEST_KEY}"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", cfg.Agent.APIKey)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Port = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Agent.Provider = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Gateway.StreamEditIntervalMs = -1
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Gateway.PairingTTLMinutes = -1
	assert.Error(t, cfg.Validate())
}

func TestSaveRoundTripYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")

	cfg := Default()
	cfg.Port = 9100
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, loaded.Port)
}
