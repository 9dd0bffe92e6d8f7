package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wisefido-incident/common/redis"
)

// ErrQueueFull is returned by a bounded queue that cannot take a job right now;
// the retry sweep picks the pending record up later.
var ErrQueueFull = errors.New("dispatch queue full")

// Job 外部转发任务
type Job struct {
	IncidentID string `json:"incident_id"`
	Service    string `json:"service"`
	Reason     string `json:"reason"` // created, escalated, retry
}

// Delivery is a dequeued job; Ack marks it handled.
type Delivery struct {
	Job Job
	Ack func(ctx context.Context) error
}

// JobQueue 任务队列（Redis Streams 或进程内 channel）
type JobQueue interface {
	Enqueue(ctx context.Context, job Job) error
	// Dequeue blocks until a job is available or ctx is done.
	Dequeue(ctx context.Context) (*Delivery, error)
}

// MemoryQueue is a bounded in-process queue; Enqueue never blocks.
type MemoryQueue struct {
	ch chan Job
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{ch: make(chan Job, size)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job Job) error {
	select {
	case q.ch <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	select {
	case job := <-q.ch:
		return &Delivery{Job: job, Ack: func(context.Context) error { return nil }}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Len() int { return len(q.ch) }

// StreamQueue 基于 Redis Streams 消费者组，多实例共享
// Unacked entries stay in the group's pending list; the integration record's
// retry sweep re-enqueues their work, so pending entries are not reclaimed here.
type StreamQueue struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
	logger   *zap.Logger
}

func NewStreamQueue(ctx context.Context, client *redis.Client, stream, group, consumer string, logger *zap.Logger) (*StreamQueue, error) {
	if err := redis.CreateConsumerGroup(ctx, client, stream, group); err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return &StreamQueue{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		block:    2 * time.Second,
		logger:   logger,
	}, nil
}

func (q *StreamQueue) Enqueue(ctx context.Context, job Job) error {
	if _, err := redis.PublishJSONToStream(ctx, q.client, q.stream, job); err != nil {
		return fmt.Errorf("enqueue dispatch job: %w", err)
	}
	return nil
}

func (q *StreamQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msgs, err := redis.ReadFromStream(ctx, q.client, q.stream, q.group, q.consumer, 1, q.block)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read dispatch stream: %w", err)
		}
		if len(msgs) == 0 {
			continue
		}

		msg := msgs[0]
		ack := func(ctx context.Context) error {
			return redis.AckStream(ctx, q.client, q.stream, q.group, msg.ID)
		}
		data, ok := msg.Data()
		var job Job
		if !ok || json.Unmarshal([]byte(data), &job) != nil {
			q.logger.Warn("Dropping malformed dispatch job", zap.String("message_id", msg.ID))
			if err := ack(ctx); err != nil {
				return nil, err
			}
			continue
		}
		return &Delivery{Job: job, Ack: ack}, nil
	}
}
