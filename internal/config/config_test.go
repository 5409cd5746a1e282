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
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func setRequiredEnv(t *testing.T) {
	t.Helper()
	setEnv(t, "GATEWAY_BASE_URL", "https://gateway.example.com")
	setEnv(t, "GATEWAY_KEY_ID", "key_test_1234")
	setEnv(t, "GATEWAY_KEY_SECRET", "checkoutsecret")
	setEnv(t, "GATEWAY_WEBHOOK_SECRET", "webhooksecret")
}

func TestLoad_WithValidConfig(t *testing.T) {
	setRequiredEnv(t)
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultCurrency, cfg.Currency)
	assert.Equal(t, DefaultOrderExpiry, cfg.OrderExpiry)
	assert.Equal(t, "key_test_1234", cfg.GatewayKeyID)
}

func TestLoad_MissingGatewayKey(t *testing.T) {
	setRequiredEnv(t)
	setEnv(t, "GATEWAY_KEY_ID", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "GATEWAY_KEY_ID is required")
}

func TestLoad_SharedSecretsRejected(t *testing.T) {
	setRequiredEnv(t)
	setEnv(t, "GATEWAY_WEBHOOK_SECRET", "checkoutsecret")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "must differ")
}

func TestLoad_OrderExpiry(t *testing.T) {
	setRequiredEnv(t)
	setEnv(t, "ORDER_EXPIRY", "15m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, cfg.OrderExpiry)
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		GatewayBaseURL:       "https://gateway.example.com",
		GatewayKeyID:         "key_1",
		GatewayKeySecret:     "a",
		GatewayWebhookSecret: "b",
		Currency:             "USD",
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "missing key id",
			mutate:  func(c *Config) { c.GatewayKeyID = "" },
			wantErr: "GATEWAY_KEY_ID is required",
		},
		{
			name:    "missing key secret",
			mutate:  func(c *Config) { c.GatewayKeySecret = "" },
			wantErr: "GATEWAY_KEY_SECRET is required",
		},
		{
			name:    "missing webhook secret",
			mutate:  func(c *Config) { c.GatewayWebhookSecret = "" },
			wantErr: "GATEWAY_WEBHOOK_SECRET is required",
		},
		{
			name: "shared secrets",
			mutate: func(c *Config) {
				c.GatewayKeySecret = "same"
				c.GatewayWebhookSecret = "same"
			},
			wantErr: "must differ",
		},
		{
			name:    "missing base url",
			mutate:  func(c *Config) { c.GatewayBaseURL = "" },
			wantErr: "GATEWAY_BASE_URL is required",
		},
		{
			name:    "bad currency",
			mutate:  func(c *Config) { c.Currency = "DOLLARS" },
			wantErr: "ISO 4217",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_BAD_DUR", "ninety")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("NONEXISTENT_VAR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_BAD_DUR", time.Minute))
}
