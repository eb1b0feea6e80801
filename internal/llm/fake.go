package llm

import (
	"context"
	"sync"
)

// Fake is a scripted in-process provider used in tests and local
// development. Replies are returned in order; when the script is exhausted
// it echoes a fixed acknowledgment.
type Fake struct {
	mu       sync.Mutex
	replies  []string
	requests []Request
	err      error
}

// NewFake constructs an empty Fake.
func NewFake() *Fake { return &Fake{} }

// Name implements Client.
func (f *Fake) Name() string { return "fake" }

// Script queues replies to return, in order.
func (f *Fake) Script(replies ...string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, replies...)
	return f
}

// Fail makes every subsequent call return err.
func (f *Fake) Fail(err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
	return f
}

// Requests returns a copy of every request seen so far.
func (f *Fake) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Request, len(f.requests))
	copy(out, f.requests)
	return out
}

// Complete implements Client.
func (f *Fake) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	text := "ok"
	if len(f.replies) > 0 {
		text = f.replies[0]
		f.replies = f.replies[1:]
	}
	return &Response{
		Text:      text,
		TokensIn:  len(req.Prompt) / 4,
		TokensOut: len(text) / 4,
	}, nil
}
