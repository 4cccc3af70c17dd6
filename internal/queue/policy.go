package queue

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy decides when a failed item is attempted again and when it is
// given up on.
type RetryPolicy struct {
	// InitialInterval is the delay after the first failure.
	InitialInterval time.Duration

	// MaxInterval caps the delay between attempts.
	MaxInterval time.Duration

	// Multiplier grows the delay after every failure.
	Multiplier float64

	// Jitter is the randomization factor in [0, 1). Zero gives exact delays.
	Jitter float64

	// MaxAttempts moves an item to the dead-letter set once its rejected
	// deliveries reach it. Zero retries forever.
	MaxAttempts int
}

// DefaultRetryPolicy returns the production policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 2 * time.Second,
		MaxInterval:     10 * time.Minute,
		Multiplier:      2,
		Jitter:          0.2,
		MaxAttempts:     20,
	}
}

// ImmediateRetryPolicy retries every item on every drain, forever.
func ImmediateRetryPolicy() RetryPolicy {
	return RetryPolicy{}
}

// Delay returns how long to wait after the given number of failed attempts.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts <= 0 || p.InitialInterval <= 0 {
		return 0
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	if b.MaxInterval <= 0 {
		b.MaxInterval = p.InitialInterval
	}
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Exhausted reports whether an item with this many failures is dead.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
