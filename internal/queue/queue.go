// Package queue carries ingestion stage tasks between the API surface and
// the stage workers. The production broker is a Redis list; an in-memory
// broker backs tests and single-process deployments.
package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/corvuslabs/conduit-go/internal/logging"
)

// Task names one stage execution for one ingest. Canonical carries the
// stage chain's working payload so a stage can hand its output to the next
// without re-reading the object store.
type Task struct {
	IngestID  string          `json:"ingest_id"`
	TenantID  string          `json:"tenant_id"`
	Stage     string          `json:"stage"`
	Canonical json.RawMessage `json:"canonical,omitempty"`
	// Attempts counts prior deliveries of this task. The pool increments it
	// on each re-queue and drops the task at maxTaskAttempts.
	Attempts int `json:"attempts,omitempty"`
}

// Broker moves Tasks. Implementations must be safe for concurrent use.
type Broker interface {
	// Enqueue appends a task.
	Enqueue(ctx context.Context, task Task) error
	// Dequeue blocks until a task is available or ctx is done. The task is
	// leased, not consumed: callers must Ack it once its effects are
	// durable, or a restarted worker may receive it again.
	Dequeue(ctx context.Context) (Task, error)
	// Ack releases the lease taken by Dequeue.
	Ack(ctx context.Context, task Task) error
	// Ping verifies the broker is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Handler processes one task. A non-nil error makes the pool re-queue the
// task, up to maxTaskAttempts deliveries.
type Handler func(ctx context.Context, task Task) error

// maxTaskAttempts bounds deliveries per task. Stage handlers mark the
// ingest FAILED themselves on permanent errors, so exhausting the attempts
// only stops retrying, it does not decide the ingest's fate.
const maxTaskAttempts = 3

// pendingRecoverer is implemented by brokers that can return tasks leased
// by a crashed worker to the queue.
type pendingRecoverer interface {
	RecoverPending(ctx context.Context) (int, error)
}

// Pool runs a fixed number of workers draining a Broker.
type Pool struct {
	broker  Broker
	handler Handler
	workers int
}

// NewPool constructs a Pool. workers defaults to 4 when non-positive.
func NewPool(broker Broker, handler Handler, workers int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	return &Pool{broker: broker, handler: handler, workers: workers}
}

// Run blocks until ctx is cancelled and every worker has drained. A task is
// acknowledged only after its handler returns, so a crash mid-stage leaves
// the lease in place for redelivery; a handler error re-queues the task
// with its attempt count bumped.
func (p *Pool) Run(ctx context.Context) {
	log := logging.FromContext(ctx)

	if r, ok := p.broker.(pendingRecoverer); ok {
		n, err := r.RecoverPending(ctx)
		if err != nil {
			log.Warn("queue: recover pending tasks", slog.Any("error", err))
		} else if n > 0 {
			log.Info("queue: re-queued tasks left by a previous worker", slog.Int("count", n))
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				task, err := p.broker.Dequeue(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					log.Warn("queue: dequeue failed",
						slog.Int("worker", worker),
						slog.Any("error", err),
					)
					continue
				}
				p.process(ctx, log, worker, task)
			}
		}(i)
	}
	wg.Wait()
}

// process runs the handler and settles the task's lease.
func (p *Pool) process(ctx context.Context, log *slog.Logger, worker int, task Task) {
	if err := p.handler(ctx, task); err != nil {
		if ctx.Err() != nil {
			// Shutting down mid-stage: leave the lease unacked so the task
			// is recovered on the next start.
			return
		}
		log.Error("queue: task failed",
			slog.Int("worker", worker),
			slog.String("ingest_id", task.IngestID),
			slog.String("stage", task.Stage),
			slog.Int("attempt", task.Attempts+1),
			slog.Any("error", err),
		)
		if task.Attempts+1 < maxTaskAttempts {
			retry := task
			retry.Attempts++
			if err := p.broker.Enqueue(ctx, retry); err != nil {
				log.Error("queue: re-queue failed, leaving task leased",
					slog.String("ingest_id", task.IngestID),
					slog.String("stage", task.Stage),
					slog.Any("error", err),
				)
				return
			}
		} else {
			log.Error("queue: task dropped after max attempts",
				slog.String("ingest_id", task.IngestID),
				slog.String("stage", task.Stage),
				slog.Int("attempts", task.Attempts+1),
			)
		}
	}
	if err := p.broker.Ack(ctx, task); err != nil && ctx.Err() == nil {
		log.Warn("queue: ack failed",
			slog.String("ingest_id", task.IngestID),
			slog.String("stage", task.Stage),
			slog.Any("error", err),
		)
	}
}
