package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/corvuslabs/conduit-go/internal/config"
)

// RedisBroker is a Broker backed by a Redis list. Tasks are JSON values
// pushed with LPUSH; Dequeue moves the oldest task into a processing list
// with BLMOVE, so a worker that dies mid-stage leaves the task recoverable
// instead of consumed. Ack removes the leased entry by value, which works
// because task payloads marshal byte-stably.
type RedisBroker struct {
	client     *redis.Client
	queue      string
	processing string
}

// NewRedisBroker constructs a RedisBroker from the broker settings.
func NewRedisBroker(cfg config.BrokerSettings) *RedisBroker {
	return &RedisBroker{
		client:     redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}),
		queue:      cfg.Queue,
		processing: cfg.Queue + ":processing",
	}
}

// Enqueue implements Broker.
func (b *RedisBroker) Enqueue(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("queue: marshal task: %w", err)
	}
	if err := b.client.LPush(ctx, b.queue, payload).Err(); err != nil {
		return fmt.Errorf("queue: lpush: %w", err)
	}
	return nil
}

// Dequeue implements Broker. BLMOVE is issued with a short timeout in a
// loop so ctx cancellation is observed promptly. The returned task stays in
// the processing list until Ack.
func (b *RedisBroker) Dequeue(ctx context.Context) (Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Task{}, err
		}
		payload, err := b.client.BLMove(ctx, b.queue, b.processing, "RIGHT", "LEFT", 2*time.Second).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return Task{}, fmt.Errorf("queue: blmove: %w", err)
		}
		var task Task
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			// An undecodable entry can never be handled; drop its lease.
			_ = b.client.LRem(ctx, b.processing, 1, payload).Err()
			return Task{}, fmt.Errorf("queue: decode task: %w", err)
		}
		return task, nil
	}
}

// Ack implements Broker: it removes the task's entry from the processing
// list.
func (b *RedisBroker) Ack(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("queue: marshal task: %w", err)
	}
	if err := b.client.LRem(ctx, b.processing, 1, payload).Err(); err != nil {
		return fmt.Errorf("queue: lrem: %w", err)
	}
	return nil
}

// RecoverPending moves every task left in the processing list back to the
// consuming end of the queue. Called by the pool on start, it returns
// stage tasks orphaned by a crashed worker.
func (b *RedisBroker) RecoverPending(ctx context.Context) (int, error) {
	n := 0
	for {
		err := b.client.LMove(ctx, b.processing, b.queue, "RIGHT", "RIGHT").Err()
		if err == redis.Nil {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("queue: recover pending: %w", err)
		}
		n++
	}
}

// Ping implements Broker and the server's readiness Pinger.
func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("queue: redis ping: %w", err)
	}
	return nil
}

// Close implements Broker.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
