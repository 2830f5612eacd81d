package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("WEBHOOK_SECRET", "s3cret")

	cfg := LoadConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.Webhook.Tolerance)
	assert.Equal(t, 24*time.Hour, cfg.Webhook.ReplayRetention)
	assert.Equal(t, 0.01, cfg.RateLimit.CleanupProbability)
	assert.Equal(t, "ratelimit:", cfg.RateLimit.KeyPrefix)
	assert.Equal(t, 5, cfg.RateLimit.TxRetries)
	assert.True(t, cfg.IsDevelopment())
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")
	t.Setenv("WEBHOOK_TIMESTAMP_TOLERANCE", "90s")
	t.Setenv("RATE_LIMIT_CLEANUP_PROBABILITY", "0.5")

	cfg := LoadConfig()

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 90*time.Second, cfg.Webhook.Tolerance)
	assert.Equal(t, 0.5, cfg.RateLimit.CleanupProbability)
	assert.Same(t, cfg, Get())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing secret", func(c *Config) { c.Webhook.Secret = "" }, true},
		{"encrypted secret without kms", func(c *Config) { c.Webhook.EncryptedSecret = "AQID" }, true},
		{"bad probability", func(c *Config) { c.RateLimit.CleanupProbability = 2 }, true},
		{"production without admin token", func(c *Config) { c.Environment = "production" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Environment: "development",
				Webhook:     WebhookConfig{Secret: "s", Tolerance: time.Minute},
				RateLimit:   RateLimitConfig{CleanupProbability: 0.01},
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
