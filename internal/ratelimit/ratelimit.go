// Package ratelimit implements the global admission limiter described in
// spec.md §5: "A global token-bucket rate limiter admits requests before
// dispatch; excess requests queue up to queue_size and are rejected after
// queue_timeout_secs." Built on golang.org/x/time/rate, the same bucket
// primitive the teacher's own go.mod carries.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/llmrouter/llmrouter/internal/rerrors"
)

// Config holds the limiter's tunables.
type Config struct {
	RequestsPerSecond float64
	Burst             int
	QueueSize         int
	QueueTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 1000,
		Burst:             200,
		QueueSize:         2000,
		QueueTimeout:      5 * time.Second,
	}
}

// Limiter admits requests with a token bucket, bounding how many callers
// may wait for a token at once so an overload doesn't pile up unbounded
// goroutines.
type Limiter struct {
	bucket  *rate.Limiter
	waiting chan struct{}
	timeout time.Duration
}

func New(cfg Config) *Limiter {
	return &Limiter{
		bucket:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		waiting: make(chan struct{}, cfg.QueueSize),
		timeout: cfg.QueueTimeout,
	}
}

// Admit blocks until a token is available, the queue is full
// (rerrors.QueueFull), or the wait exceeds the configured queue timeout
// (rerrors.RateLimited).
func (l *Limiter) Admit(ctx context.Context) error {
	select {
	case l.waiting <- struct{}{}:
	default:
		return rerrors.New("ratelimit.Admit", rerrors.QueueFull)
	}
	defer func() { <-l.waiting }()

	waitCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if err := l.bucket.Wait(waitCtx); err != nil {
		return rerrors.Wrap("ratelimit.Admit", rerrors.RateLimited, err)
	}
	return nil
}

// QueueLen reports how many callers are currently waiting for a token, for
// the ratelimit_queue_depth gauge.
func (l *Limiter) QueueLen() int {
	return len(l.waiting)
}
