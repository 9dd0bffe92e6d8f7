package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.False(t, cfg.DBEnabled)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "owlrd", cfg.Database.Database)
	assert.False(t, cfg.RedisEnabled)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.False(t, cfg.MQTTEnabled)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)

	assert.Equal(t, 72*time.Hour, cfg.Notify.Retention)
	assert.Equal(t, 500, cfg.Notify.ReplayLimit)
	assert.Equal(t, "@every 10m", cfg.Notify.PurgeSchedule)
	assert.Equal(t, "incident:snapshot:", cfg.Notify.SnapshotPrefix)

	assert.Equal(t, 5*time.Second, cfg.Sync.OperationTimeout)
	assert.Equal(t, 200, cfg.Sync.MaxBatchSize)

	assert.Equal(t, 4, cfg.Dispatch.Workers)
	assert.Equal(t, 5, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Dispatch.BaseBackoff)
	assert.Equal(t, 5*time.Minute, cfg.Dispatch.MaxBackoff)
	assert.Equal(t, "incident:dispatch:jobs", cfg.Dispatch.Stream)
	assert.Equal(t, "", cfg.Dispatch.IntegrationsFile)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	os.Clearenv()
	t.Setenv("DB_ENABLED", "true")
	t.Setenv("DB_HOST", "pg")
	t.Setenv("REDIS_ENABLED", "1")
	t.Setenv("DISPATCH_MAX_ATTEMPTS", "3")
	t.Setenv("DISPATCH_BASE_BACKOFF", "500ms")
	t.Setenv("SYNC_OPERATION_TIMEOUT", "1s")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.DBEnabled)
	assert.Equal(t, "pg", cfg.Database.Host)
	assert.True(t, cfg.RedisEnabled)
	assert.Equal(t, 3, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Dispatch.BaseBackoff)
	assert.Equal(t, time.Second, cfg.Sync.OperationTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_BackendEnvironment(t *testing.T) {
	os.Clearenv()
	t.Setenv("DB_PORT", "6543")
	t.Setenv("DB_NAME", "incidents")
	t.Setenv("DB_MAX_IDLE", "2")
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("MQTT_QOS", "0")
	t.Setenv("MQTT_TOPIC_PREFIX", "wf/incident")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, "incidents", cfg.Database.Database)
	assert.Equal(t, 2, cfg.Database.MaxIdle)
	assert.Equal(t, 20, cfg.Database.MaxConns)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, byte(0), cfg.MQTT.QoS)
	assert.Equal(t, "wf/incident", cfg.MQTT.TopicPrefix)
	assert.Equal(t, "wisefido-incident", cfg.MQTT.ClientID)

	t.Setenv("DB_DATABASE", "incidents_v2")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "incidents_v2", cfg.Database.Database)
}

func TestLoad_InvalidValues(t *testing.T) {
	os.Clearenv()
	t.Setenv("DISPATCH_SEND_TIMEOUT", "soon")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DISPATCH_SEND_TIMEOUT")

	os.Clearenv()
	t.Setenv("DISPATCH_MAX_BACKOFF", "1s")
	t.Setenv("DISPATCH_BASE_BACKOFF", "2s")
	_, err = Load()
	require.Error(t, err)
}
