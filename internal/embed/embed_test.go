package embed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
)

// fakeEmbedder implements ai.Embedder with configurable output.
type fakeEmbedder struct {
	dim       int
	err       error
	callCount int
}

func (f *fakeEmbedder) Name() string          { return "fake-embedder" }
func (f *fakeEmbedder) Register(_ api.Registry) {}

func (f *fakeEmbedder) Embed(_ context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	f.callCount++
	if f.err != nil {
		return nil, f.err
	}
	resp := &ai.EmbedResponse{}
	for range req.Input {
		vec := make([]float32, f.dim)
		for i := range vec {
			vec[i] = 0.1
		}
		resp.Embeddings = append(resp.Embeddings, &ai.Embedding{Embedding: vec})
	}
	return resp, nil
}

func TestGenkitClientEmbed(t *testing.T) {
	client := NewGenkitClient(&fakeEmbedder{dim: 4}, 4)

	vectors, err := client.Embed(context.Background(), []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("Embed() error: %v", err)
	}
	if len(vectors) != 2 {
		t.Fatalf("got %d vectors, want 2", len(vectors))
	}
	for i, v := range vectors {
		if len(v) != 4 {
			t.Errorf("vector %d has %d dims, want 4", i, len(v))
		}
	}
}

func TestGenkitClientDimensionMismatch(t *testing.T) {
	client := NewGenkitClient(&fakeEmbedder{dim: 8}, 4)

	_, err := client.Embed(context.Background(), []string{"alpha"})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Embed() = %v, want ErrDimensionMismatch", err)
	}
}

func TestGenkitClientEmptyInput(t *testing.T) {
	client := NewGenkitClient(&fakeEmbedder{dim: 4}, 4)
	vectors, err := client.Embed(context.Background(), nil)
	if err != nil || vectors != nil {
		t.Errorf("Embed(nil) = %v, %v, want nil, nil", vectors, err)
	}
}

// countingClient implements Client, failing a configured number of times.
type countingClient struct {
	mu       sync.Mutex
	calls    int
	failures int
	err      error
	dim      int
}

func (c *countingClient) Embed(_ context.Context, texts []string) ([][]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.failures {
		return nil, c.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, c.dim)
	}
	return out, nil
}

func (c *countingClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestWithRetryRecoversFromTransientFailure(t *testing.T) {
	inner := &countingClient{failures: 2, err: errors.New("503 unavailable"), dim: 3}
	client := WithRetry(inner, RetryConfig{
		MaxRetries:      3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}, nil)

	vectors, err := client.Embed(context.Background(), []string{"q"})
	if err != nil {
		t.Fatalf("Embed() error after retries: %v", err)
	}
	if len(vectors) != 1 {
		t.Fatalf("got %d vectors, want 1", len(vectors))
	}
	if inner.callCount() != 3 {
		t.Errorf("call count = %d, want 3 (two failures + success)", inner.callCount())
	}
}

func TestWithRetryGivesUpAfterMaxRetries(t *testing.T) {
	inner := &countingClient{failures: 100, err: errors.New("timeout")}
	client := WithRetry(inner, RetryConfig{
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}, nil)

	if _, err := client.Embed(context.Background(), []string{"q"}); err == nil {
		t.Fatal("Embed() succeeded, want exhaustion error")
	}
	if inner.callCount() != 3 {
		t.Errorf("call count = %d, want 3 (initial + 2 retries)", inner.callCount())
	}
}

func TestWithRetryDoesNotRetryFatalErrors(t *testing.T) {
	inner := &countingClient{failures: 100, err: ErrDimensionMismatch}
	client := WithRetry(inner, DefaultRetryConfig(), nil)

	if _, err := client.Embed(context.Background(), []string{"q"}); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("Embed() = %v, want ErrDimensionMismatch", err)
	}
	if inner.callCount() != 1 {
		t.Errorf("call count = %d, want 1 (no retries)", inner.callCount())
	}
}

func TestBatcherCoalescesConcurrentSingles(t *testing.T) {
	inner := &countingClient{dim: 3}
	batcher := NewBatcher(inner, 50*time.Millisecond, 16, 0)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = batcher.Embed(context.Background(), []string{"query"})
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if got := inner.callCount(); got != 1 {
		t.Errorf("upstream call count = %d, want 1 (coalesced batch)", got)
	}
}

func TestBatcherFlushesAtMaxBatch(t *testing.T) {
	inner := &countingClient{dim: 3}
	// Long window so only the max-batch trigger can flush.
	batcher := NewBatcher(inner, time.Hour, 2, 0)

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := batcher.Embed(context.Background(), []string{"q"}); err != nil {
				t.Errorf("Embed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := inner.callCount(); got != 1 {
		t.Errorf("upstream call count = %d, want 1", got)
	}
}

func TestBatcherPassesThroughMultiText(t *testing.T) {
	inner := &countingClient{dim: 3}
	batcher := NewBatcher(inner, time.Hour, 16, 0)

	vectors, err := batcher.Embed(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Embed() error: %v", err)
	}
	if len(vectors) != 3 {
		t.Errorf("got %d vectors, want 3", len(vectors))
	}
	if got := inner.callCount(); got != 1 {
		t.Errorf("upstream call count = %d, want 1", got)
	}
}

func TestBatcherCallerCancellation(t *testing.T) {
	inner := &countingClient{dim: 3}
	batcher := NewBatcher(inner, time.Hour, 16, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := batcher.Embed(ctx, []string{"q"}); !errors.Is(err, context.Canceled) {
		t.Errorf("Embed() = %v, want context.Canceled", err)
	}
}

// hangingClient blocks until its context is done, recording whether the
// context carried a deadline.
type hangingClient struct {
	started     chan struct{}
	released    chan struct{}
	hadDeadline bool
}

func (c *hangingClient) Embed(ctx context.Context, _ []string) ([][]float32, error) {
	_, c.hadDeadline = ctx.Deadline()
	close(c.started)
	<-ctx.Done()
	close(c.released)
	return nil, ctx.Err()
}

func TestBatcherAbandonedFlushIsCanceled(t *testing.T) {
	inner := &hangingClient{started: make(chan struct{}), released: make(chan struct{})}
	batcher := NewBatcher(inner, time.Millisecond, 16, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := batcher.Embed(ctx, []string{"q"})
		errCh <- err
	}()

	select {
	case <-inner.started:
	case <-time.After(5 * time.Second):
		t.Fatal("batch never reached the service")
	}
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Embed() = %v, want context.Canceled", err)
	}
	// With no waiters left the in-flight service call must be canceled too,
	// not left running until the flush timeout.
	select {
	case <-inner.released:
	case <-time.After(5 * time.Second):
		t.Fatal("service call still running after the last waiter canceled")
	}
	if !inner.hadDeadline {
		t.Error("batched service call ran without a deadline")
	}
}
