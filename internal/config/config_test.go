package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesSpecKnobs(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 5000, cfg.ChunkSize)
	assert.Equal(t, 6, cfg.WorkerConcurrency)
	assert.Equal(t, 200, cfg.Pool.MaxTotal)
	assert.Equal(t, 100, cfg.Pool.MaxPerHost)
	assert.Equal(t, 30*time.Second, cfg.Pool.AcquireTimeout)
	assert.Equal(t, 120*time.Second, cfg.Pool.ConnectionTTL)
	assert.Equal(t, 10*time.Second, cfg.Pool.IdleValidateAfter)
	assert.Equal(t, 100*time.Millisecond, cfg.Scheduler.TickInterval)
	assert.Equal(t, 3, cfg.Scheduler.MaxRetries)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}, cfg.Scheduler.RetryBackoffs)
}

func TestFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("ORCH_CHUNK_SIZE", "2500")
	t.Setenv("ORCH_WORKER_CONCURRENCY", "10")
	t.Setenv("ORCH_REDERIVE_CHUNKS", "true")

	cfg := FromEnv(Default())
	assert.Equal(t, 2500, cfg.ChunkSize)
	assert.Equal(t, 10, cfg.WorkerConcurrency)
	assert.True(t, cfg.RederiveChunks)
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chunk_size: 1234\nworker_concurrency: 8\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1234, cfg.ChunkSize)
	assert.Equal(t, 8, cfg.WorkerConcurrency)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.ChunkSize)
}

func TestWatcherReloadsLiveTunables(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chunk_size: 5000\n"), 0o644))

	initial, err := Load(path)
	require.NoError(t, err)

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, initial, func(c *Config) { reloaded <- c })
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("chunk_size: 9000\n"), 0o644))

	select {
	case c := <-reloaded:
		assert.Equal(t, 9000, c.ChunkSize)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
