package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/corvuslabs/conduit-go/internal/config"
)

func Test_Gateway_RefusesDisallowedModel(t *testing.T) {
	t.Parallel()
	g := NewGateway(NewFake(), "gpt-4o-mini", time.Second)

	_, err := g.Complete(context.Background(), Request{Model: "gpt-4o", Prompt: "hi"})
	var notAllowed *ModelNotAllowedError
	if !errors.As(err, &notAllowed) {
		t.Fatalf("want ModelNotAllowedError, got %v", err)
	}
	want := "ERROR: MODEL_NOT_ALLOWED. Requested=gpt-4o Allowed=gpt-4o-mini"
	if notAllowed.Message() != want {
		t.Errorf("message: got %q, want %q", notAllowed.Message(), want)
	}
}

func Test_Gateway_EmptyModelUsesAllowed(t *testing.T) {
	t.Parallel()
	fake := NewFake().Script("hello")
	g := NewGateway(fake, "gpt-4o-mini", time.Second)

	resp, err := g.Complete(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Text != "hello" {
		t.Errorf("text: %q", resp.Text)
	}
	reqs := fake.Requests()
	if len(reqs) != 1 || reqs[0].Model != "gpt-4o-mini" {
		t.Errorf("model sent to provider: %+v", reqs)
	}
}

// slowClient blocks until its context is cancelled.
type slowClient struct{}

func (slowClient) Name() string { return "ollama" }

func (slowClient) Complete(ctx context.Context, _ Request) (*Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func Test_Gateway_TimeoutNamesProvider(t *testing.T) {
	t.Parallel()
	g := NewGateway(slowClient{}, "m", 10*time.Millisecond)

	_, err := g.Complete(context.Background(), Request{Prompt: "hi"})
	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("want TimeoutError, got %v", err)
	}
	if timeout.Message() != "Timed out while waiting for ollama" {
		t.Errorf("message: %q", timeout.Message())
	}
}

func Test_Gateway_ProviderErrorPassesThrough(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	g := NewGateway(NewFake().Fail(boom), "m", time.Second)

	_, err := g.Complete(context.Background(), Request{Prompt: "hi"})
	if !errors.Is(err, boom) {
		t.Errorf("want provider error, got %v", err)
	}
}

func Test_Fake_ScriptedRepliesInOrder(t *testing.T) {
	t.Parallel()
	f := NewFake().Script("one", "two")
	for _, want := range []string{"one", "two", "ok"} {
		resp, err := f.Complete(context.Background(), Request{Prompt: "p"})
		if err != nil {
			t.Fatalf("complete: %v", err)
		}
		if resp.Text != want {
			t.Errorf("reply: got %q, want %q", resp.Text, want)
		}
	}
}

func Test_NewFromSettings(t *testing.T) {
	t.Parallel()
	tests := []struct {
		provider string
		wantName string
		wantErr  bool
	}{
		{"openai", "openai", false},
		{"", "openai", false},
		{"ollama", "ollama", false},
		{"fake", "fake", false},
		{"bogus", "", true},
	}
	for _, tt := range tests {
		g, err := NewFromSettings(config.ModelSettings{Provider: tt.provider, AllowedModel: "m"}, time.Second)
		if tt.wantErr {
			if err == nil {
				t.Errorf("provider %q: expected error", tt.provider)
			}
			continue
		}
		if err != nil {
			t.Errorf("provider %q: %v", tt.provider, err)
			continue
		}
		if g.Name() != tt.wantName {
			t.Errorf("provider %q: name %q", tt.provider, g.Name())
		}
	}
}
