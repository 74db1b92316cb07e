package gateway

import (
	"fmt"
	"time"
)

// RateLimitedError is returned when a caller's quota is exhausted.
// RetryAfter is the time until the oldest request leaves the window.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}
