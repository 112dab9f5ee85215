package embed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// RetryConfig configures retry behavior for embedding calls.
type RetryConfig struct {
	MaxRetries      int           // Maximum number of retry attempts
	InitialInterval time.Duration // Initial backoff interval
	MaxInterval     time.Duration // Maximum backoff interval
}

// DefaultRetryConfig returns sensible defaults for embedding API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// retryablePatterns groups transient-error substrings by category.
// Matched case-insensitively against err.Error(). Provider SDKs do not
// expose typed errors for transient failures, so substring matching is the
// documented exception here.
var retryablePatterns = [][]string{
	{"rate limit", "quota exceeded", "429"},
	{"500", "502", "503", "504", "unavailable"},
	{"connection reset", "timeout", "temporary"},
}

// retryableError reports whether err is transient and worth retrying.
// Dimension mismatches and empty embeddings are never retried; the service
// will keep returning the same shape.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, group := range retryablePatterns {
		for _, sub := range group {
			if strings.Contains(errStr, sub) {
				return true
			}
		}
	}
	return false
}

// retryClient decorates a Client with bounded exponential backoff.
type retryClient struct {
	client Client
	cfg    RetryConfig
	logger *slog.Logger
}

// WithRetry wraps client so transient failures are retried with exponential
// backoff. Non-retryable errors fail immediately.
func WithRetry(client Client, cfg RetryConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &retryClient{client: client, cfg: cfg, logger: logger}
}

func (r *retryClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	delay := r.cfg.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		vectors, err := r.client.Embed(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		lastErr = err

		if !retryableError(err) {
			return nil, err
		}
		if attempt == r.cfg.MaxRetries {
			break
		}

		r.logger.Debug("retrying embedding call",
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context canceled during embed retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, r.cfg.MaxInterval)
		}
	}

	return nil, fmt.Errorf("embed after %d retries (elapsed: %v): %w",
		r.cfg.MaxRetries, time.Since(start), lastErr)
}
