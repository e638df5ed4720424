package core

import (
	"context"
	"time"
)

// Decision is the outcome of one token-bucket check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter consumes one token from the bucket at key. Implementations must be
// atomic across processes sharing the same backend.
type Limiter interface {
	TryConsume(ctx context.Context, key string, capacity, refillPerSec float64) (Decision, error)
}
