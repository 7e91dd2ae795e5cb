package worker

import (
	"testing"
	"time"

	"focusdeck/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyNextDelay(t *testing.T) {
	policy := RetryPolicy{
		InitialDelay:  2 * time.Second,
		MaxDelay:      time.Minute,
		BackoffFactor: 2,
	}

	assert.Equal(t, 2*time.Second, policy.NextDelay(1))
	assert.Equal(t, 4*time.Second, policy.NextDelay(2))
	assert.Equal(t, 8*time.Second, policy.NextDelay(3))
	assert.Equal(t, time.Minute, policy.NextDelay(10), "clamped at ceiling")
}

func TestRetryPolicyJitter(t *testing.T) {
	policy := RetryPolicy{
		InitialDelay:  time.Second,
		BackoffFactor: 2,
		Jitter:        500 * time.Millisecond,
	}

	for i := 0; i < 20; i++ {
		d := policy.NextDelay(1)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, 1500*time.Millisecond)
	}
}

func TestRetryPolicyShouldRetry(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3}

	assert.True(t, policy.ShouldRetry(0))
	assert.True(t, policy.ShouldRetry(2))
	assert.False(t, policy.ShouldRetry(3))
	assert.False(t, policy.ShouldRetry(10))
}

func TestRetryPolicyNextRetryTime(t *testing.T) {
	policy := RetryPolicy{
		MaxRetries:    3,
		InitialDelay:  2 * time.Second,
		MaxDelay:      time.Minute,
		BackoffFactor: 2,
	}

	t.Run("first failure gets the initial delay", func(t *testing.T) {
		next := policy.NextRetryTime(1)
		assert.WithinDuration(t, time.Now().Add(2*time.Second), next, time.Second)
	})

	t.Run("later failures back off", func(t *testing.T) {
		next := policy.NextRetryTime(2)
		assert.WithinDuration(t, time.Now().Add(4*time.Second), next, time.Second)
	})

	t.Run("past ceiling parks effectively forever", func(t *testing.T) {
		next := policy.NextRetryTime(3)
		assert.WithinDuration(t, time.Now().Add(models.NeverRetryDelay), next, time.Minute)
	})
}

func TestPendingLedger(t *testing.T) {
	ledger := NewPendingLedger(50 * time.Millisecond)

	ledger.Add(models.EntityTask, "t1")
	assert.True(t, ledger.Contains(models.EntityTask, "t1"))
	assert.False(t, ledger.Contains(models.EntityTask, "t2"))
	assert.False(t, ledger.Contains(models.EntityProject, "t1"))

	time.Sleep(60 * time.Millisecond)
	assert.False(t, ledger.Contains(models.EntityTask, "t1"), "entries expire after the ttl")
}
