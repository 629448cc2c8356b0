package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 5, cfg.MaxAckReplay)
	assert.Equal(t, 90*time.Second, cfg.ConnectionTimeout)
	assert.False(t, cfg.NATSEnabled)
}

func TestLoadReadsEnvironmentOverrides(t *testing.T) {
	t.Setenv("RELAY_ADDR", ":9999")
	t.Setenv("RELAY_MAX_ACK_REPLAY", "10")
	t.Setenv("RELAY_NATS_ENABLED", "true")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, 10, cfg.MaxAckReplay)
	assert.True(t, cfg.NATSEnabled)
}

func TestValidateRejectsEmptyAddr(t *testing.T) {
	cfg := &Config{
		ConnectionTimeout:      90 * time.Second,
		HeartbeatSweepInterval: 30 * time.Second,
		LogLevel:               "info",
		LogFormat:              "json",
	}
	err := cfg.Validate()
	assert.Error(t, err)
}

func TestValidateRejectsTimeoutNotExceedingSweepInterval(t *testing.T) {
	cfg := &Config{
		Addr:                   ":8080",
		ConnectionTimeout:      10 * time.Second,
		HeartbeatSweepInterval: 30 * time.Second,
		LogLevel:               "info",
		LogFormat:              "json",
	}
	err := cfg.Validate()
	assert.Error(t, err)
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := &Config{
		Addr:                   ":8080",
		ConnectionTimeout:      90 * time.Second,
		HeartbeatSweepInterval: 30 * time.Second,
		LogLevel:               "verbose",
		LogFormat:              "json",
	}
	err := cfg.Validate()
	assert.Error(t, err)
}
