package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
agent:
  model: openai/gpt-test
`

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), minimalYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, "UTC", cfg.Agent.Timezone)
	assert.Equal(t, "https://api.openai.com/v1", cfg.Agent.APIBase)
	assert.Equal(t, 3, cfg.Tools.Workers.MaxConcurrent)
	assert.Equal(t, 900, cfg.Tools.Workers.TimeoutSeconds)
	assert.Equal(t, 5000, cfg.Queue.MergeWindowMs)
	assert.Equal(t, 10, cfg.Queue.MaxDepth)
	assert.Equal(t, 10, cfg.Queue.RateLimit)
	assert.Equal(t, "valet", cfg.Telemetry.ServiceName)
	assert.Equal(t, 5*time.Second, cfg.MergeWindow())
}

func TestLoadRejectsMissingModel(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "agent: {}\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBadTimezone(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
agent:
  model: openai/gpt-test
  timezone: Mars/Olympus
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLocationFallsBackToUTC(t *testing.T) {
	cfg := &Config{}
	cfg.Agent.Timezone = "not-a-zone"
	assert.Equal(t, time.UTC, cfg.Location())

	cfg.Agent.Timezone = "Europe/Berlin"
	loc := cfg.Location()
	assert.Equal(t, "Europe/Berlin", loc.String())
}

func TestSnapshotAndRollback(t *testing.T) {
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	path := writeConfig(t, dir, minimalYAML)

	require.NoError(t, Snapshot(path, dataDir))
	_, err := os.Stat(SnapshotPath(dataDir))
	require.NoError(t, err)

	// Break the config the way a bad self-edit would.
	require.NoError(t, os.WriteFile(path, []byte("agent: ["), 0o600))

	cfg, rolledBack, err := LoadWithRollback(path, dataDir)
	require.NoError(t, err)
	assert.True(t, rolledBack)
	assert.Equal(t, "openai/gpt-test", cfg.Agent.Model)

	// The config file itself was restored and the snapshot consumed.
	restored, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, minimalYAML, string(restored))
	_, err = os.Stat(SnapshotPath(dataDir))
	assert.True(t, os.IsNotExist(err))
}

func TestLoadWithRollbackCleansSnapshotOnSuccess(t *testing.T) {
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	path := writeConfig(t, dir, minimalYAML)

	require.NoError(t, Snapshot(path, dataDir))

	_, rolledBack, err := LoadWithRollback(path, dataDir)
	require.NoError(t, err)
	assert.False(t, rolledBack)
	_, err = os.Stat(SnapshotPath(dataDir))
	assert.True(t, os.IsNotExist(err), "a good load discards the stale snapshot")
}

func TestLoadWithRollbackNoSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "agent: [")

	_, _, err := LoadWithRollback(path, filepath.Join(dir, "data"))
	assert.Error(t, err, "a broken config with no snapshot aborts startup")
}
