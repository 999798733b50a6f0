package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 9090, cfg.GRPCPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.True(t, cfg.MetricsEnabled)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 24*time.Hour, cfg.Redis.HistoryTTL)
	assert.Equal(t, 0, cfg.Workers.PoolSize)
	assert.Equal(t, 5*time.Minute, cfg.Steps.DefaultTimeout)
	assert.Equal(t, 2.0, cfg.Steps.BackoffMultiplier)
	assert.False(t, cfg.Steps.RollbackRetries)
	assert.Equal(t, time.Hour, cfg.Tracker.Retention)
	assert.Equal(t, 64, cfg.Tracker.SubscriberBuffer)
	assert.Equal(t, time.Hour, cfg.Timeouts.ExecutionTimeout)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.ShutdownTimeout)
	assert.Equal(t, ":8080", cfg.GetHTTPAddr())
	assert.Equal(t, ":9090", cfg.GetGRPCAddr())
}

func TestLoadFrom_Overrides(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"PLUGFLOW_HTTP_PORT":      "8181",
		"PLUGFLOW_STORE":          "redis",
		"REDIS_ADDR":              "redis:6379",
		"EXECUTION_HISTORY_TTL":   "2h",
		"WORKER_POOL_SIZE":        "8",
		"STEP_BACKOFF_MULTIPLIER": "1.5",
		"ROLLBACK_RETRIES":        "true",
		"LOG_LEVEL":               "debug",
	})
	require.NoError(t, err)

	assert.Equal(t, 8181, cfg.HTTPPort)
	assert.Equal(t, StoreRedis, cfg.Store)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 2*time.Hour, cfg.Redis.HistoryTTL)
	assert.Equal(t, 8, cfg.Workers.PoolSize)
	assert.Equal(t, 1.5, cfg.Steps.BackoffMultiplier)
	assert.True(t, cfg.Steps.RollbackRetries)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadFrom_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "port out of range", env: map[string]string{"PLUGFLOW_HTTP_PORT": "70000"}},
		{name: "unparsable port", env: map[string]string{"PLUGFLOW_GRPC_PORT": "grpc"}},
		{name: "unknown store", env: map[string]string{"PLUGFLOW_STORE": "etcd"}},
		{name: "negative pool", env: map[string]string{"WORKER_POOL_SIZE": "-1"}},
		{name: "multiplier below one", env: map[string]string{"STEP_BACKOFF_MULTIPLIER": "0.5"}},
		{name: "zero step timeout", env: map[string]string{"STEP_DEFAULT_TIMEOUT": "0s"}},
		{name: "bad log level", env: map[string]string{"LOG_LEVEL": "trace"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFrom(tt.env)
			assert.Error(t, err)
		})
	}
}
