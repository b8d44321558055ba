package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	setDefaults(v)
	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	cfg.Identity.Secret = "test-secret"
	return &cfg
}

func TestDefaultsMatchReferencePolicy(t *testing.T) {
	cfg := defaultConfig(t)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 500.0, cfg.Quality.MinBitrateKbps)
	assert.Equal(t, 2.0, cfg.Quality.MaxPacketLossPct)
	assert.Equal(t, 300.0, cfg.Quality.MaxLatencyMs)
	assert.Equal(t, "10s", cfg.Quality.SampleInterval.String())
	assert.Equal(t, "1s", cfg.Reconnect.BaseDelay.String())
	assert.Equal(t, "30s", cfg.Reconnect.MaxDelay.String())
	assert.Equal(t, 2.0, cfg.Reconnect.Multiplier)
	assert.Equal(t, 3, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, []string{"CONSULTATION"}, cfg.Compliance.ConsentRequiredFor)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Port = 0 }},
		{"zero interval", func(c *Config) { c.Quality.SampleInterval = 0 }},
		{"unknown reset policy", func(c *Config) { c.Quality.ResetPolicy = "whenever" }},
		{"multiplier below one", func(c *Config) { c.Reconnect.Multiplier = 0.5 }},
		{"max below base", func(c *Config) { c.Reconnect.MaxDelay = c.Reconnect.BaseDelay / 2 }},
		{"unknown store", func(c *Config) { c.Store.Driver = "mongo" }},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }},
		{"kafka without brokers", func(c *Config) { c.Alerts.Sink = "kafka" }},
		{"missing secret", func(c *Config) { c.Identity.Secret = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
