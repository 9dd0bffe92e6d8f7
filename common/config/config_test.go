package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDatabaseConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("INC_DB_HOST", "db.internal")
	t.Setenv("INC_DB_PORT", "6543")
	t.Setenv("INC_DB_SSLMODE", "require")
	t.Setenv("INC_DB_MAX_CONNS", "not-a-number")

	c := DatabaseConfig{Host: "localhost", Port: 5432, User: "postgres", Database: "owlrd", SSLMode: "disable", MaxConns: 10}
	c.LoadFromEnv("INC_DB")

	assert.Equal(t, "db.internal", c.Host)
	assert.Equal(t, 6543, c.Port)
	assert.Equal(t, 10, c.MaxConns)
	assert.Equal(t, "host=db.internal port=6543 user=postgres password= dbname=owlrd sslmode=require", c.GetDSN())
}

func TestMQTTConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("INC_MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("INC_MQTT_QOS", "2")
	t.Setenv("INC_MQTT_TOPIC_PREFIX", "incidents")

	c := MQTTConfig{QoS: 1}
	c.LoadFromEnv("INC_MQTT")
	assert.Equal(t, "tcp://broker:1883", c.Broker)
	assert.Equal(t, byte(2), c.QoS)
	assert.Equal(t, "incidents", c.TopicPrefix)

	t.Setenv("INC_MQTT_QOS", "7")
	c.LoadFromEnv("INC_MQTT")
	assert.Equal(t, byte(2), c.QoS)
}

func TestRedisConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("INC_REDIS_ADDR", "cache:6379")
	t.Setenv("INC_REDIS_DB", "x")

	c := RedisConfig{Addr: "localhost:6379", DB: 1}
	c.LoadFromEnv("INC_REDIS")
	assert.Equal(t, "cache:6379", c.Addr)
	assert.Equal(t, "", c.Password)
	assert.Equal(t, 1, c.DB)

	t.Setenv("INC_REDIS_PASSWORD", "s3cret")
	t.Setenv("INC_REDIS_DB", "4")
	c.LoadFromEnv("INC_REDIS")
	assert.Equal(t, "s3cret", c.Password)
	assert.Equal(t, 4, c.DB)
}
