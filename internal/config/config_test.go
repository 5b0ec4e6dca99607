package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, []string{"localhost:19092"}, cfg.KafkaBrokers)
	assert.Equal(t, "orchestrator-escalations", cfg.EscalationTopic)
	assert.Equal(t, 5*time.Second, cfg.CycleInterval)
	assert.Equal(t, 10, cfg.MaxGlobalWorkers)
	assert.Equal(t, 3, cfg.MaxWorkersPerRepo)
	assert.Equal(t, 5, cfg.MaxWorkersPerUser)
	assert.False(t, cfg.AutoSpawnWorkers)
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
	assert.Equal(t, time.Second, cfg.RetryBaseDelay)
	assert.Equal(t, 60*time.Second, cfg.RetryMaxDelay)
	assert.True(t, cfg.IsDev())
	assert.False(t, cfg.IsProd())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("ORCH_CYCLE_INTERVAL", "250ms")
	t.Setenv("MAX_GLOBAL_WORKERS", "42")
	t.Setenv("KAFKA_BROKERS", "b1:9092,b2:9092")
	t.Setenv("AUTO_SPAWN_WORKERS", "true")
	t.Setenv("DEFAULT_TEMPLATE_ID", "tmpl-1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProd())
	assert.Equal(t, 250*time.Millisecond, cfg.CycleInterval)
	assert.Equal(t, 42, cfg.MaxGlobalWorkers)
	assert.Equal(t, []string{"b1:9092", "b2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.AutoSpawnWorkers)
	assert.Equal(t, "tmpl-1", cfg.DefaultTemplateID)
}

func TestLoad_ValidationErrors(t *testing.T) {
	t.Setenv("MAX_GLOBAL_WORKERS", "0")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=config.Load")
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("ORCH_CYCLE_INTERVAL", "not-a-duration")
	_, err := Load()
	require.Error(t, err)
}
