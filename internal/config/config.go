package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"wisefido-incident/common/config"
)

// Config 事件协调服务配置
type Config struct {
	HTTP struct {
		Addr            string
		ShutdownTimeout time.Duration
	}

	DBEnabled bool
	Database  config.DatabaseConfig

	RedisEnabled bool
	Redis        config.RedisConfig

	MQTTEnabled bool
	MQTT        config.MQTTConfig

	Notify struct {
		Retention      time.Duration // envelopes older than this are purged even if unacknowledged
		ReplayLimit    int           // max envelopes per replay page
		PurgeSchedule  string        // cron spec
		SnapshotTTL    time.Duration
		SnapshotPrefix string
		HubBuffer      int // per-subscriber outbound buffer
		PubSubChannel  string
		SinkTimeout    time.Duration
	}

	Sync struct {
		OperationTimeout time.Duration
		MaxBatchSize     int
	}

	Dispatch struct {
		Workers          int
		MaxAttempts      int
		BaseBackoff      time.Duration
		MaxBackoff       time.Duration
		SendTimeout      time.Duration
		RetrySchedule    string // cron spec
		RateLimit        float64
		RateBurst        int
		Stream           string
		ConsumerGroup    string
		ConsumerName     string
		IntegrationsFile string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []string
	dur := func(key string, def time.Duration) time.Duration {
		d, err := parseDuration(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return d
	}

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")
	cfg.HTTP.ShutdownTimeout = dur("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second)

	// Database (optional; memory store when disabled)
	cfg.DBEnabled = parseBool(getEnv("DB_ENABLED", "false"))
	cfg.Database = config.DatabaseConfig{
		Host: "localhost", Port: 5432, User: "postgres", Password: "postgres",
		Database: getEnv("DB_NAME", "owlrd"), SSLMode: "disable", MaxConns: 20, MaxIdle: 5,
	}
	cfg.Database.LoadFromEnv("DB") // DB_DATABASE wins over DB_NAME

	cfg.RedisEnabled = parseBool(getEnv("REDIS_ENABLED", "false"))
	cfg.Redis = config.RedisConfig{Addr: "localhost:6379"}
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTTEnabled = parseBool(getEnv("MQTT_ENABLED", "false"))
	cfg.MQTT = config.MQTTConfig{
		Broker: "tcp://localhost:1883", ClientID: "wisefido-incident", QoS: 1, TopicPrefix: "incident/notify",
	}
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Notify.Retention = dur("NOTIFY_RETENTION", 72*time.Hour)
	cfg.Notify.ReplayLimit = parseInt(getEnv("NOTIFY_REPLAY_LIMIT", "500"), 500)
	cfg.Notify.PurgeSchedule = getEnv("NOTIFY_PURGE_SCHEDULE", "@every 10m")
	cfg.Notify.SnapshotTTL = dur("NOTIFY_SNAPSHOT_TTL", 10*time.Minute)
	cfg.Notify.SnapshotPrefix = getEnv("NOTIFY_SNAPSHOT_PREFIX", "incident:snapshot:")
	cfg.Notify.HubBuffer = parseInt(getEnv("NOTIFY_HUB_BUFFER", "64"), 64)
	cfg.Notify.PubSubChannel = getEnv("NOTIFY_PUBSUB_CHANNEL", "incident:notify")
	cfg.Notify.SinkTimeout = dur("NOTIFY_SINK_TIMEOUT", 2*time.Second)

	cfg.Sync.OperationTimeout = dur("SYNC_OPERATION_TIMEOUT", 5*time.Second)
	cfg.Sync.MaxBatchSize = parseInt(getEnv("SYNC_MAX_BATCH_SIZE", "200"), 200)

	cfg.Dispatch.Workers = parseInt(getEnv("DISPATCH_WORKERS", "4"), 4)
	cfg.Dispatch.MaxAttempts = parseInt(getEnv("DISPATCH_MAX_ATTEMPTS", "5"), 5)
	cfg.Dispatch.BaseBackoff = dur("DISPATCH_BASE_BACKOFF", 2*time.Second)
	cfg.Dispatch.MaxBackoff = dur("DISPATCH_MAX_BACKOFF", 5*time.Minute)
	cfg.Dispatch.SendTimeout = dur("DISPATCH_SEND_TIMEOUT", 10*time.Second)
	cfg.Dispatch.RetrySchedule = getEnv("DISPATCH_RETRY_SCHEDULE", "@every 15s")
	cfg.Dispatch.RateLimit = parseFloat(getEnv("DISPATCH_RATE_LIMIT", "5"), 5)
	cfg.Dispatch.RateBurst = parseInt(getEnv("DISPATCH_RATE_BURST", "10"), 10)
	cfg.Dispatch.Stream = getEnv("DISPATCH_STREAM", "incident:dispatch:jobs")
	cfg.Dispatch.ConsumerGroup = getEnv("DISPATCH_CONSUMER_GROUP", "incident-dispatcher")
	cfg.Dispatch.ConsumerName = getEnv("DISPATCH_CONSUMER_NAME", defaultConsumerName())
	cfg.Dispatch.IntegrationsFile = getEnv("INTEGRATIONS_FILE", "")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values Load cannot default its way around.
func (c *Config) Validate() error {
	switch {
	case c.Dispatch.Workers <= 0:
		return fmt.Errorf("DISPATCH_WORKERS must be positive")
	case c.Dispatch.MaxAttempts <= 0:
		return fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be positive")
	case c.Dispatch.BaseBackoff <= 0 || c.Dispatch.MaxBackoff < c.Dispatch.BaseBackoff:
		return fmt.Errorf("DISPATCH_MAX_BACKOFF must be >= DISPATCH_BASE_BACKOFF > 0")
	case c.Sync.MaxBatchSize <= 0:
		return fmt.Errorf("SYNC_MAX_BATCH_SIZE must be positive")
	case c.MQTT.QoS > 2:
		return fmt.Errorf("MQTT_QOS must be 0, 1 or 2")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(s string, def int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		return n
	}
	return def
}

func parseFloat(s string, def float64) float64 {
	if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		return f
	}
	return def
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func parseDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s: %v", key, err)
	}
	return d, nil
}

func defaultConsumerName() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "incident-worker"
}
