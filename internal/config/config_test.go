package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
orchestrator:
  num_agents: 5
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Orchestrator.NumAgents)
	assert.Equal(t, 2, cfg.Orchestrator.DefaultTurns)
	assert.Equal(t, "synthesis", cfg.Orchestrator.ConsensusAlgorithm)
	assert.EqualValues(t, 1000, cfg.MessageBus.StreamMaxLen)
	assert.EqualValues(t, 10, cfg.AuditSink.PoolSize)
	assert.EqualValues(t, 20, cfg.AuditSink.PoolOverflow)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 100, cfg.RateLimit.Requests)
	assert.Equal(t, 10, cfg.RateLimit.Burst)
	assert.Equal(t, 24, cfg.Auth.TokenExpiryHours)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeTempConfig(t, `
orchestrator:
  num_agents: 3
not_a_real_field: true
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}
