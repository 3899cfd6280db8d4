package llm

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type countingProvider struct {
	calls atomic.Int64
}

func (c *countingProvider) Name() string { return "counting" }

func (c *countingProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	c.calls.Add(1)
	return &CompletionResponse{Content: "ok"}, nil
}

func TestRateLimitedProviderPassesThrough(t *testing.T) {
	inner := &countingProvider{}
	p := NewRateLimitedProvider(inner, 60)

	resp, err := p.Complete(context.Background(), CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("Content = %q, want ok", resp.Content)
	}
	if inner.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", inner.calls.Load())
	}
	if p.Name() != "counting" {
		t.Errorf("Name = %q, want counting", p.Name())
	}
}

func TestRateLimitedProviderBlocksWhenExhausted(t *testing.T) {
	inner := &countingProvider{}
	p := NewRateLimitedProvider(inner, 1)

	ctx := context.Background()
	if _, err := p.Complete(ctx, CompletionRequest{}); err != nil {
		t.Fatalf("first Complete: %v", err)
	}

	// Second call has no tokens left; a short deadline should expire while waiting.
	shortCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	if _, err := p.Complete(shortCtx, CompletionRequest{}); err == nil {
		t.Fatal("expected context deadline error when bucket is empty")
	}
	if inner.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (second call should not reach provider)", inner.calls.Load())
	}
}

func TestNewProviderUnknownType(t *testing.T) {
	if _, err := NewProvider("bard", "model"); err == nil {
		t.Fatal("expected error for unsupported provider type")
	}
}

func TestNewProviderOllamaDefaultsHost(t *testing.T) {
	t.Setenv("OLLAMA_HOST", "")
	p, err := NewProvider("ollama", "llama3")
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if p.Name() != "ollama" {
		t.Errorf("Name = %q, want ollama", p.Name())
	}
}
