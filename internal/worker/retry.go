package worker

import (
	"math"
	"math/rand"
	"time"

	"focusdeck/internal/models"
)

// RetryPolicy defines exponential backoff parameters.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        time.Duration
}

// NextDelay returns delay for a given attempt (1-based) with clamping.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = time.Second
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = 2
	}

	delay := float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(attempt-1))
	d := time.Duration(delay)
	if r.MaxDelay > 0 && d > r.MaxDelay {
		d = r.MaxDelay
	}
	if d <= 0 {
		d = time.Second
	}
	if r.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(r.Jitter)))
	}
	return d
}

// ShouldRetry reports whether another automatic attempt is allowed after
// retryCount failures.
func (r RetryPolicy) ShouldRetry(retryCount int) bool {
	max := r.MaxRetries
	if max <= 0 {
		max = 5
	}
	return retryCount < max
}

// NextRetryTime computes the eligibility gate for a row that has already
// failed retryCount times. Past the ceiling the row is parked effectively
// forever until a manual retry clears it.
func (r RetryPolicy) NextRetryTime(retryCount int) time.Time {
	if !r.ShouldRetry(retryCount) {
		return time.Now().Add(models.NeverRetryDelay)
	}
	return time.Now().Add(r.NextDelay(retryCount))
}
