package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultMintRetries, cfg.MintRetries)
	assert.Equal(t, DefaultBreakerFailures, cfg.BreakerFailures)
	assert.Equal(t, DefaultNettingAckWindow, cfg.NettingAckWindow)
	assert.False(t, cfg.IsProduction())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("MINT_TIMEOUT", "2s")
	t.Setenv("NETTING_ACK_WINDOW", "30m")
	t.Setenv("BREAKER_FAILURES", "3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, 2*time.Second, cfg.MintTimeout)
	assert.Equal(t, 30*time.Minute, cfg.NettingAckWindow)
	assert.Equal(t, 3, cfg.BreakerFailures)
}

func TestValidateProductionRequiresSecrets(t *testing.T) {
	cfg := &Config{
		Env:             "production",
		MintRetries:     1,
		BreakerFailures: 1,
		BreakerProbes:   1,
	}
	assert.Error(t, cfg.Validate())

	cfg.SecretsKey = "k"
	cfg.ReceiptSecret = "r"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	cfg := &Config{Env: "development", MintRetries: 0, BreakerFailures: 5, BreakerProbes: 2}
	assert.Error(t, cfg.Validate())

	cfg = &Config{Env: "development", MintRetries: 1, BreakerFailures: 0, BreakerProbes: 2}
	assert.Error(t, cfg.Validate())
}

func TestInvalidDurationFallsBack(t *testing.T) {
	t.Setenv("MINT_TIMEOUT", "not-a-duration")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultMintTimeout, cfg.MintTimeout)
}
