package chatsync

import (
	"math"
	"math/rand"
	"time"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitter      time.Duration
	maxAttempts int
	attempt     int
	rand        func() float64
}

func newReconnector(config *ConnectionConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		jitter:      config.ReconnectJitter,
		maxAttempts: config.MaxReconnectAttempts,
		rand:        rand.Float64,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.attempt < r.maxAttempts
}

// nextDelay increments the attempt counter and returns
// min(base*2^(attempt-1) + jitter, maxDelay).
func (r *reconnector) nextDelay() time.Duration {
	r.attempt++
	return r.delay(r.attempt)
}

func (r *reconnector) delay(attempt int) time.Duration {
	jitter := r.rand() * float64(r.jitter)
	d := math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(attempt-1))+jitter,
		float64(r.maxDelay),
	)
	return time.Duration(d)
}

func (r *reconnector) reset() {
	r.attempt = 0
}
