package queue

import (
	"context"
	"errors"
)

// MemoryBroker is a channel-backed Broker for tests and single-process
// runs.
type MemoryBroker struct {
	tasks chan Task
}

// NewMemoryBroker constructs a MemoryBroker with the given buffer size.
func NewMemoryBroker(buffer int) *MemoryBroker {
	if buffer <= 0 {
		buffer = 256
	}
	return &MemoryBroker{tasks: make(chan Task, buffer)}
}

// Enqueue implements Broker.
func (b *MemoryBroker) Enqueue(ctx context.Context, task Task) error {
	select {
	case b.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue implements Broker.
func (b *MemoryBroker) Dequeue(ctx context.Context) (Task, error) {
	select {
	case task, ok := <-b.tasks:
		if !ok {
			return Task{}, errors.New("queue: broker closed")
		}
		return task, nil
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

// Ack implements Broker. Channel delivery has no lease to release; failed
// tasks come back only through the pool's re-queue.
func (b *MemoryBroker) Ack(context.Context, Task) error { return nil }

// Ping implements Broker.
func (b *MemoryBroker) Ping(context.Context) error { return nil }

// Close implements Broker.
func (b *MemoryBroker) Close() error {
	close(b.tasks)
	return nil
}
