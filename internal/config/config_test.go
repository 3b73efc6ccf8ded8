package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalswap/backend/internal/core"
)

func validEnv(t *testing.T) {
	t.Helper()
	t.Setenv("MASTER_ENCRYPTION_KEY", strings.Repeat("ab", 32))
	t.Setenv("DATABASE_URL", "postgres://localhost/signalswap_test")
}

func TestLoad_DefaultsApplied(t *testing.T) {
	validEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 15*time.Minute, cfg.PollInterval)
	assert.Equal(t, 30*time.Minute, cfg.StalenessMax)
	assert.Equal(t, CommitmentFinalized, cfg.Commitment)
	assert.Equal(t, 200, cfg.SlippageBps)
	assert.Equal(t, 90*time.Second, cfg.TransactionTimeout)
	assert.Equal(t, 8, cfg.Workers)
	assert.True(t, cfg.ExecutionEnabled)
	assert.Len(t, cfg.MasterKey(), 32)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	validEnv(t)
	t.Setenv("POLL_INTERVAL_MS", "60000")
	t.Setenv("STALENESS_MAX_MS", "120000")
	t.Setenv("TRANSACTION_CONFIRMATION_COMMITMENT", "confirmed")
	t.Setenv("SLIPPAGE_TOLERANCE_BPS", "50")
	t.Setenv("EXECUTION_ENABLED", "false")
	t.Setenv("POLL_WORKERS", "3")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, time.Minute, cfg.PollInterval)
	assert.Equal(t, 2*time.Minute, cfg.StalenessMax)
	assert.Equal(t, CommitmentConfirmed, cfg.Commitment)
	assert.Equal(t, 50, cfg.SlippageBps)
	assert.False(t, cfg.ExecutionEnabled)
	assert.Equal(t, 3, cfg.Workers)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	validEnv(t)
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("slippage_bps: 75\nworkers: 2\n"), 0o600))
	t.Setenv("SLIPPAGE_TOLERANCE_BPS", "25")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.SlippageBps, "environment wins over the file")
	assert.Equal(t, 2, cfg.Workers, "file wins over defaults")
}

func TestLoad_MissingFileIsFine(t *testing.T) {
	validEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.NoError(t, err)
}

func TestLoad_RejectsBadMasterKey(t *testing.T) {
	validEnv(t)
	for _, bad := range []string{"", "zz", strings.Repeat("ab", 16)} {
		t.Setenv("MASTER_ENCRYPTION_KEY", bad)
		_, err := Load("")
		assert.ErrorIs(t, err, core.ErrConfigInvalid, "key %q must be rejected", bad)
	}
}

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	validEnv(t)
	t.Setenv("DATABASE_URL", "")
	_, err := Load("")
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestLoad_RejectsBadDurations(t *testing.T) {
	validEnv(t)
	for _, bad := range []string{"abc", "-5", "0"} {
		t.Setenv("POLL_INTERVAL_MS", bad)
		_, err := Load("")
		assert.ErrorIs(t, err, core.ErrConfigInvalid, "POLL_INTERVAL_MS=%q must be rejected", bad)
	}
}

func TestLoad_RejectsUnknownCommitment(t *testing.T) {
	validEnv(t)
	t.Setenv("TRANSACTION_CONFIRMATION_COMMITMENT", "processed")
	_, err := Load("")
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestLoad_RejectsOutOfRangeSlippage(t *testing.T) {
	validEnv(t)
	for _, bad := range []string{"0", "-1", "10001"} {
		t.Setenv("SLIPPAGE_TOLERANCE_BPS", bad)
		_, err := Load("")
		assert.ErrorIs(t, err, core.ErrConfigInvalid, "slippage %q must be rejected", bad)
	}
}
