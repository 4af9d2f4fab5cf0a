package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("RESERVATION_TIMEOUT", "")
	t.Setenv("WORKER_ROLE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "microservices.events", cfg.Exchange)
	assert.Equal(t, "webhook_publisher_queue", cfg.WebhookQueue)
	assert.Equal(t, 5, cfg.WebhookMaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.WebhookBackoff)
	assert.Equal(t, time.Hour, cfg.DedupTTL)
	assert.Equal(t, 100, cfg.WebhookCompletedLimit)
	assert.Equal(t, 500, cfg.WebhookFailedLimit)
	assert.Equal(t, 2*time.Minute, cfg.ReservationTimeout)

	_, err = cfg.RequireWorkerRole()
	assert.Error(t, err)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("RESERVATION_TIMEOUT", "45s")
	t.Setenv("WEBHOOK_MAX_ATTEMPTS", "3")
	t.Setenv("RUN_LOCAL", "true")
	t.Setenv("WORKER_ROLE", "inventory")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.ReservationTimeout)
	assert.Equal(t, 3, cfg.WebhookMaxAttempts)
	assert.True(t, cfg.RunLocal)

	role, err := cfg.RequireWorkerRole()
	require.NoError(t, err)
	assert.Equal(t, "inventory", role)
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := map[string]string{
		"RESERVATION_TIMEOUT":  "soon",
		"WEBHOOK_MAX_ATTEMPTS": "0",
		"RUN_LOCAL":            "maybe",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
