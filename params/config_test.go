package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.Equal(t, 10, cfg.Settlement.MaxLegs)
	require.False(t, cfg.Settlement.RescheduleUnaffirmed)
	require.Equal(t, 200*time.Millisecond, cfg.Node.MinBlockTime)
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("SETTLEMENT_MAX_LEGS", "4")
	t.Setenv("SETTLEMENT_AUTO_AFFIRM_RECEIPTS", "true")
	t.Setenv("NODE_MIN_BLOCK_TIME_MS", "50")
	t.Setenv("P2P_BOOTSTRAP", " /ip4/1.2.3.4/tcp/1 , ,/ip4/5.6.7.8/tcp/2")
	t.Setenv("COMPLIANCE_MAX_TRANSFER", "ACME:500, BOND:10")

	cfg := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	require.Equal(t, 4, cfg.Settlement.MaxLegs)
	require.True(t, cfg.Settlement.AutoAffirmReceipts)
	require.Equal(t, 50*time.Millisecond, cfg.Node.MinBlockTime)
	require.Equal(t, []string{"/ip4/1.2.3.4/tcp/1", "/ip4/5.6.7.8/tcp/2"}, cfg.P2P.Bootstrap)
	require.Equal(t, []string{"ACME:500", "BOND:10"}, cfg.Compliance.MaxTransfer)
}

func TestLoadFromEnv_DotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("SETTLEMENT_RESCHEDULE_DELAY=7\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("SETTLEMENT_RESCHEDULE_DELAY") })

	cfg := LoadFromEnv(path)
	require.Equal(t, uint64(7), cfg.Settlement.RescheduleDelay)
}

func TestLoadFromEnv_InvalidValuesKeepDefaults(t *testing.T) {
	t.Setenv("SETTLEMENT_MAX_LEGS", "-3")
	t.Setenv("P2P_ENABLED", "maybe")

	cfg := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	require.Equal(t, 10, cfg.Settlement.MaxLegs)
	require.False(t, cfg.P2P.Enabled)
}
