package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func Test_MemoryBroker_RoundTrip(t *testing.T) {
	t.Parallel()
	b := NewMemoryBroker(4)
	t.Cleanup(func() { b.Close() })

	want := Task{IngestID: "i1", TenantID: "t1", Stage: "parse_normalize"}
	if err := b.Enqueue(context.Background(), want); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, err := b.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got.IngestID != want.IngestID || got.TenantID != want.TenantID || got.Stage != want.Stage {
		t.Errorf("task: got %+v, want %+v", got, want)
	}
}

func Test_MemoryBroker_DequeueHonorsContext(t *testing.T) {
	t.Parallel()
	b := NewMemoryBroker(1)
	t.Cleanup(func() { b.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("want deadline error, got %v", err)
	}
}

func Test_Pool_ProcessesEveryTask(t *testing.T) {
	t.Parallel()
	b := NewMemoryBroker(16)

	var mu sync.Mutex
	seen := map[string]bool{}
	done := make(chan struct{})
	handler := func(_ context.Context, task Task) error {
		mu.Lock()
		defer mu.Unlock()
		seen[task.IngestID] = true
		if len(seen) == 5 {
			close(done)
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := NewPool(b, handler, 3)
	go pool.Run(ctx)

	for i := 0; i < 5; i++ {
		task := Task{IngestID: string(rune('a' + i)), Stage: "parse_normalize"}
		if err := b.Enqueue(ctx, task); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not drain queue")
	}
}

func Test_Pool_SurvivesHandlerErrors(t *testing.T) {
	t.Parallel()
	b := NewMemoryBroker(4)

	processed := make(chan string, 8)
	handler := func(_ context.Context, task Task) error {
		processed <- task.IngestID
		if task.IngestID == "bad" {
			return errors.New("stage blew up")
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewPool(b, handler, 1).Run(ctx)

	b.Enqueue(ctx, Task{IngestID: "bad"})
	b.Enqueue(ctx, Task{IngestID: "good"})

	for _, want := range []string{"bad", "good"} {
		select {
		case got := <-processed:
			if got != want {
				t.Errorf("processed: got %q, want %q", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("pool stalled waiting for %q", want)
		}
	}
}

func Test_Pool_RedeliversFailedTask(t *testing.T) {
	t.Parallel()
	b := NewMemoryBroker(4)

	var mu sync.Mutex
	var calls []Task
	done := make(chan struct{})
	handler := func(_ context.Context, task Task) error {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, task)
		if len(calls) == 1 {
			return errors.New("transient stage failure")
		}
		close(done)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewPool(b, handler, 1).Run(ctx)

	if err := b.Enqueue(ctx, Task{IngestID: "i1", Stage: "chunk_embed"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("failed task was not redelivered")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 2 {
		t.Fatalf("handler calls: got %d, want 2", len(calls))
	}
	if calls[1].IngestID != "i1" || calls[1].Stage != "chunk_embed" {
		t.Errorf("redelivered task: got %+v", calls[1])
	}
	if calls[0].Attempts != 0 || calls[1].Attempts != 1 {
		t.Errorf("attempts: got %d then %d, want 0 then 1", calls[0].Attempts, calls[1].Attempts)
	}
}

func Test_Pool_DropsTaskAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	b := NewMemoryBroker(4)

	deliveries := make(chan Task, maxTaskAttempts+2)
	handler := func(_ context.Context, task Task) error {
		deliveries <- task
		return errors.New("permanent stage failure")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewPool(b, handler, 1).Run(ctx)

	if err := b.Enqueue(ctx, Task{IngestID: "doomed", Stage: "pii_dq"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for i := 0; i < maxTaskAttempts; i++ {
		select {
		case task := <-deliveries:
			if task.Attempts != i {
				t.Errorf("delivery %d: attempts %d", i, task.Attempts)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("delivery %d never arrived", i)
		}
	}

	select {
	case task := <-deliveries:
		t.Fatalf("task delivered beyond max attempts: %+v", task)
	case <-time.After(150 * time.Millisecond):
	}
}

func Test_Pool_StopsOnCancel(t *testing.T) {
	t.Parallel()
	b := NewMemoryBroker(1)
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan struct{})
	go func() {
		NewPool(b, func(context.Context, Task) error { return nil }, 2).Run(ctx)
		close(stopped)
	}()

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop on cancel")
	}
}
