package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	r := NewUserRateLimiter(2, time.Minute)
	r.now = func() time.Time { return now }

	assert.True(t, r.Allow("u1"))
	assert.True(t, r.Allow("u1"))
	assert.False(t, r.Allow("u1"), "third arrival within the window is denied")

	// Other users are unaffected.
	assert.True(t, r.Allow("u2"))

	// Once the first two age out the user regains capacity.
	now = now.Add(61 * time.Second)
	assert.True(t, r.Allow("u1"))
}

func TestRateLimiterRejectionsNotCounted(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	r := NewUserRateLimiter(1, time.Minute)
	r.now = func() time.Time { return now }

	assert.True(t, r.Allow("u1"))
	for i := 0; i < 10; i++ {
		assert.False(t, r.Allow("u1"))
	}

	// The flood above must not extend the penalty: capacity returns exactly
	// when the single admitted message leaves the window.
	now = now.Add(61 * time.Second)
	assert.True(t, r.Allow("u1"))
}
