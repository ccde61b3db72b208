// Package ratelimit throttles scan submissions per device with a fixed
// window. The in-memory limiter is the default; a Redis-backed one is used
// when a cache is configured, so multiple instances share one budget.
package ratelimit

import (
	"context"
	"time"
)

// Result reports one admission decision plus the header data that goes with
// it.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

type Limiter interface {
	// Allow consumes one slot for the key. An error means the backend is
	// unreachable, not that the key is over budget.
	Allow(ctx context.Context, key string) (Result, error)
}
