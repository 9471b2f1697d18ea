package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "RPC_URL", "TX_TIMEOUT", "ACCOUNT_POOL_SIZE", "SCAN_MAX_PAGES", "ENV"} {
		setEnv(t, key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultRPCURL, cfg.RPCURL)
	assert.Equal(t, DefaultTxTimeout, cfg.TxTimeout)
	assert.Equal(t, DefaultAccountPoolSize, cfg.AccountPoolSize)
	assert.Equal(t, DefaultScanMaxPages, cfg.ScanMaxPages)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "RPC_URL", "http://ganache:8545")
	setEnv(t, "TX_TIMEOUT", "90s")
	setEnv(t, "ACCOUNT_POOL_SIZE", "3")
	setEnv(t, "RECONCILE_INTERVAL", "0s")
	setEnv(t, "ALLOWED_ORIGINS", "http://localhost:3000, https://shop.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "http://ganache:8545", cfg.RPCURL)
	assert.Equal(t, 90*time.Second, cfg.TxTimeout)
	assert.Equal(t, 3, cfg.AccountPoolSize)
	assert.Equal(t, time.Duration(0), cfg.ReconcileInterval)
	assert.Equal(t, []string{"http://localhost:3000", "https://shop.example"}, cfg.AllowedOrigins)
}

func TestLoad_MalformedValuesFallBackToDefaults(t *testing.T) {
	setEnv(t, "TX_TIMEOUT", "soon")
	setEnv(t, "SCAN_PAGE_SIZE", "lots")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultTxTimeout, cfg.TxTimeout)
	assert.Equal(t, DefaultScanPageSize, cfg.ScanPageSize)
}

func TestLoad_ProductionRequiresAdminSecret(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "ADMIN_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ADMIN_SECRET")
}

func validConfig() Config {
	return Config{
		RPCURL:                  DefaultRPCURL,
		TxTimeout:               DefaultTxTimeout,
		TxPollInterval:          DefaultTxPollInterval,
		AccountPoolSize:         1,
		DefaultReturnWindowDays: 1,
		ScanPageSize:            1,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing rpc url", func(c *Config) { c.RPCURL = "" }, "RPC_URL is required"},
		{"zero tx timeout", func(c *Config) { c.TxTimeout = 0 }, "TX_TIMEOUT"},
		{"zero poll interval", func(c *Config) { c.TxPollInterval = 0 }, "TX_POLL_INTERVAL"},
		{"empty pool", func(c *Config) { c.AccountPoolSize = 0 }, "ACCOUNT_POOL_SIZE"},
		{"zero return window", func(c *Config) { c.DefaultReturnWindowDays = 0 }, "DEFAULT_RETURN_WINDOW_DAYS"},
		{"zero page size", func(c *Config) { c.ScanPageSize = 0 }, "SCAN_PAGE_SIZE"},
		{"negative max pages", func(c *Config) { c.ScanMaxPages = -1 }, "SCAN_MAX_PAGES"},
		{"negative reconcile interval", func(c *Config) { c.ReconcileInterval = -time.Second }, "RECONCILE_INTERVAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_EnvHelpers(t *testing.T) {
	assert.True(t, (&Config{Env: "development"}).IsDevelopment())
	assert.True(t, (&Config{Env: "production"}).IsProduction())
	assert.False(t, (&Config{Env: "staging"}).IsProduction())
}
