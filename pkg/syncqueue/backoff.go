package syncqueue

import (
	"math/rand"
	"time"
)

// BackoffConfig holds the retry delay parameters.
type BackoffConfig struct {
	// Base is the initial delay before the first retry.
	Base time.Duration

	// Max caps the computed delay.
	Max time.Duration

	// Jitter is the maximum random addition, to desynchronize
	// concurrent retries across instances.
	Jitter time.Duration
}

// DefaultBackoffConfig returns the standard retry timing.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base:   1 * time.Second,
		Max:    60 * time.Second,
		Jitter: 1 * time.Second,
	}
}

// Delay computes the wait before a retry:
// min(base * 2^retryCount + jitter, max).
func (c BackoffConfig) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	delay := c.Base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= c.Max {
			delay = c.Max
			break
		}
	}

	if c.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(c.Jitter)))
	}
	if delay > c.Max {
		delay = c.Max
	}
	return delay
}
