package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 6, cfg.Summary.Threshold)
	assert.Equal(t, 0.7, cfg.Scoring.ModelWeight)
	assert.Equal(t, 0.3, cfg.Scoring.PriorityWeight)
	assert.Equal(t, 3, cfg.Retry.Attempts)
	assert.Equal(t, "INBOX", cfg.Fetch.Mailbox)
	assert.Equal(t, "local", cfg.Lock.Backend)
}

func TestLoadConfigFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
database:
  driver: postgres
  dsn: postgres://localhost/maildigest
summary:
  threshold: 8
fetch:
  workers: 2
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("MAILDIGEST_FETCH_WORKERS", "9")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 8, cfg.Summary.Threshold)
	assert.Equal(t, 9, cfg.Fetch.Workers)
	assert.Equal(t, 300, cfg.Fetch.IntervalSec)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("summary:\n  threshold: 11\n"), 0o600))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	cfg.Summary.Threshold = 4
	cfg.Lock.Backend = "redis"

	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.Summary.Threshold)
	assert.Equal(t, "redis", loaded.Lock.Backend)
}
