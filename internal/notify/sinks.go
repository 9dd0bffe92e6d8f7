package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"wisefido-incident/internal/models"
)

// Sink 外部推送通道（MQTT、Redis Pub/Sub、短信网关等）
// Sinks are best-effort: failures are logged by the fan-out and never fail a transition.
type Sink interface {
	Name() string
	Send(ctx context.Context, groupKey string, env models.NotificationEnvelope) error
}

// MQTTPublisher is satisfied by common/mqtt.Client.
type MQTTPublisher interface {
	Publish(topic string, payload []byte, timeout time.Duration) error
}

// MQTTSink publishes to <prefix>/<group kind>/<group id>, e.g. incident/notify/responder/u-7.
type MQTTSink struct {
	pub     MQTTPublisher
	prefix  string
	timeout time.Duration
}

func NewMQTTSink(pub MQTTPublisher, topicPrefix string, timeout time.Duration) *MQTTSink {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &MQTTSink{pub: pub, prefix: strings.TrimSuffix(topicPrefix, "/"), timeout: timeout}
}

func (m *MQTTSink) Name() string { return "mqtt" }

func (m *MQTTSink) Topic(groupKey string) string {
	return m.prefix + "/" + strings.ReplaceAll(groupKey, ":", "/")
}

func (m *MQTTSink) Send(ctx context.Context, groupKey string, env models.NotificationEnvelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	timeout := m.timeout
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}
	return m.pub.Publish(m.Topic(groupKey), b, timeout)
}

// RedisPubSubSink publishes every envelope on one channel; consumers filter by group_key.
type RedisPubSubSink struct {
	client  *redis.Client
	channel string
}

func NewRedisPubSubSink(client *redis.Client, channel string) *RedisPubSubSink {
	return &RedisPubSubSink{client: client, channel: channel}
}

func (r *RedisPubSubSink) Name() string { return "redis-pubsub" }

func (r *RedisPubSubSink) Send(ctx context.Context, _ string, env models.NotificationEnvelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return r.client.Publish(ctx, r.channel, b).Err()
}
