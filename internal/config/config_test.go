package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/travisim/farmify/internal/errors"
	"github.com/travisim/farmify/internal/models"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestWriteLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "farmify.yaml")

	cfg := Default()
	cfg.Platform.FeeMode = models.FeeModeTransfer
	cfg.Distribution.Parallelism = 4
	cfg.TransferLedger.Accounts = []AccountConfig{{Identity: "treasury", Asset: "USD", Balance: "100000"}}
	require.NoError(t, Write(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, models.FeeModeTransfer, loaded.Platform.FeeMode)
	assert.Equal(t, 4, loaded.Distribution.Parallelism)
	assert.Equal(t, cfg.TransferLedger.Accounts, loaded.TransferLedger.Accounts)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "farmify.yaml")
	require.NoError(t, os.WriteFile(path, []byte("platform:\n  identity: treasury-ops\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "treasury-ops", cfg.Platform.Identity)
	assert.Equal(t, models.FeeModeRetained, cfg.Platform.FeeMode)
	assert.Equal(t, 4096, cfg.AuditLedger.MaxPayloadBytes)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9191")
	t.Setenv("PLATFORM_FEE_MODE", "transfer")
	t.Setenv("DB_PATH", "/tmp/override.db")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, models.FeeModeTransfer, cfg.Platform.FeeMode)
	assert.Equal(t, "/tmp/override.db", cfg.Database.Path)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad fee mode", func(c *Config) { c.Platform.FeeMode = "burn" }},
		{"no platform identity", func(c *Config) { c.Platform.Identity = "" }},
		{"zero parallelism", func(c *Config) { c.Distribution.Parallelism = 0 }},
		{"unknown lock backend", func(c *Config) { c.Lock.Backend = "etcd" }},
		{"postgres without dsn", func(c *Config) { c.TransferLedger.Backend = BackendPostgres }},
		{"bad default fee", func(c *Config) { c.Platform.DefaultFeePercentage = "lots" }},
		{"bad account balance", func(c *Config) {
			c.TransferLedger.Accounts = []AccountConfig{{Identity: "t", Asset: "USD", Balance: "x"}}
		}},
		{"zero transfer timeout", func(c *Config) { c.Timeouts.TransferSeconds = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.ErrConfiguration.Is(err), "got %v", err)
		})
	}
}
