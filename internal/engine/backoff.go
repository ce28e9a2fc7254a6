package engine

import "time"

const (
	// DefaultReconnectBase is the delay before the first reconnect attempt.
	DefaultReconnectBase = 5 * time.Second

	// DefaultReconnectMax caps any single reconnect delay.
	DefaultReconnectMax = 60 * time.Second

	// MaxReconnectAttempts is how many consecutive failures are tolerated
	// before the supervisor gives up.
	MaxReconnectAttempts = 10
)

// Backoff is the reconnect policy: delay = min(Base * 2^(attempt-1), Max).
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff returns the 5s/60s/10-attempt policy.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        DefaultReconnectBase,
		Max:         DefaultReconnectMax,
		MaxAttempts: MaxReconnectAttempts,
	}
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultReconnectBase
	}
	if b.Max <= 0 {
		b.Max = DefaultReconnectMax
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = MaxReconnectAttempts
	}
	return b
}

// Delay returns the wait before the given 1-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		if d >= b.Max/2 {
			return b.Max
		}
		d *= 2
	}
	if d > b.Max {
		return b.Max
	}
	return d
}
