package stream

import (
	"math/rand"
	"time"
)

// Backoff defaults
const (
	DefaultBaseDelay    = 1 * time.Second
	DefaultMaxDelay     = 8 * time.Second
	DefaultJitterFactor = 0.2 // 20% jitter
)

// Backoff is an exponential restart delay with jitter
type Backoff struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
}

// DefaultBackoff returns the standard restart policy
func DefaultBackoff() Backoff {
	return Backoff{
		BaseDelay:    DefaultBaseDelay,
		MaxDelay:     DefaultMaxDelay,
		JitterFactor: DefaultJitterFactor,
	}
}

// Delay returns the wait before retry number attempt (0-based)
func (b Backoff) Delay(attempt int) time.Duration {
	if b.BaseDelay <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := b.BaseDelay << min(attempt, 6)
	if b.MaxDelay > 0 && delay > b.MaxDelay {
		delay = b.MaxDelay
	}
	if b.JitterFactor <= 0 {
		return delay
	}
	// delay * (1 ± jitterFactor/2)
	jitter := float64(delay) * b.JitterFactor * (rand.Float64() - 0.5)
	return time.Duration(float64(delay) + jitter)
}
