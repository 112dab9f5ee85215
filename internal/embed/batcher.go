package embed

import (
	"context"
	"sync"
	"time"
)

const (
	defaultBatchWindow  = 25 * time.Millisecond
	defaultMaxBatch     = 32
	defaultFlushTimeout = 30 * time.Second
)

// Batcher coalesces single-text embedding requests that arrive within a
// short window into one batched call, bounding embedding-service call
// volume when many queries or chunks are in flight at once.
//
// Multi-text calls pass through unbatched; they are already batches.
//
// Batcher is safe for concurrent use.
type Batcher struct {
	client  Client
	window  time.Duration
	max     int
	timeout time.Duration

	mu      sync.Mutex
	pending []*pendingEmbed
	timer   *time.Timer
}

type pendingEmbed struct {
	text string
	ctx  context.Context
	done chan embedResult
}

type embedResult struct {
	vector []float32
	err    error
}

// NewBatcher wraps client with request coalescing. window is how long the
// first request in a batch waits for company; max flushes the batch early;
// timeout caps each batched service call. Zero values select the defaults.
func NewBatcher(client Client, window time.Duration, max int, timeout time.Duration) *Batcher {
	if window <= 0 {
		window = defaultBatchWindow
	}
	if max <= 0 {
		max = defaultMaxBatch
	}
	if timeout <= 0 {
		timeout = defaultFlushTimeout
	}
	return &Batcher{client: client, window: window, max: max, timeout: timeout}
}

// Embed implements Client. Single-text requests are coalesced; multi-text
// requests go straight through.
func (b *Batcher) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) != 1 {
		return b.client.Embed(ctx, texts)
	}

	req := &pendingEmbed{text: texts[0], ctx: ctx, done: make(chan embedResult, 1)}

	b.mu.Lock()
	b.pending = append(b.pending, req)
	switch {
	case len(b.pending) >= b.max:
		batch := b.takeBatchLocked()
		b.mu.Unlock()
		b.flush(batch)
	case len(b.pending) == 1:
		// First request in a new window arms the flush timer.
		b.timer = time.AfterFunc(b.window, func() {
			b.mu.Lock()
			batch := b.takeBatchLocked()
			b.mu.Unlock()
			b.flush(batch)
		})
		b.mu.Unlock()
	default:
		b.mu.Unlock()
	}

	select {
	case res := <-req.done:
		if res.err != nil {
			return nil, res.err
		}
		return [][]float32{res.vector}, nil
	case <-ctx.Done():
		// The batch call may still complete for other waiters; this caller
		// just stops waiting.
		return nil, ctx.Err()
	}
}

// takeBatchLocked removes and returns all pending requests. Callers hold mu.
func (b *Batcher) takeBatchLocked() []*pendingEmbed {
	batch := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return batch
}

// flush embeds a batch and distributes results to the waiters.
// The service call runs on its own context so one caller canceling cannot
// fail the other waiters, but it stays bounded: the flush timeout caps it
// and it is canceled early once every waiter has gone away.
func (b *Batcher) flush(batch []*pendingEmbed) {
	if len(batch) == 0 {
		return
	}

	texts := make([]string, len(batch))
	for i, req := range batch {
		texts[i] = req.text
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	go func() {
		for _, req := range batch {
			select {
			case <-req.ctx.Done():
			case <-ctx.Done():
				return
			}
		}
		cancel()
	}()

	vectors, err := b.client.Embed(ctx, texts)
	for i, req := range batch {
		if err != nil {
			req.done <- embedResult{err: err}
			continue
		}
		req.done <- embedResult{vector: vectors[i]}
	}
}
