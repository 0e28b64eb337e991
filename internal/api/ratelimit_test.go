package api

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_Construction(t *testing.T) {
	t.Run("keeps configured values", func(t *testing.T) {
		rl := NewRateLimiter(5, 10)

		assert.NotNil(t, rl, "should not be nil")
		assert.True(t, rl.Enabled())
		assert.Equal(t, 5.0, rl.requestsPerSecond)
		assert.Equal(t, 10, rl.burstSize)
	})

	t.Run("burst is at least one", func(t *testing.T) {
		rl := NewRateLimiter(5, 0)
		assert.Equal(t, 1, rl.burstSize)
	})

	t.Run("zero rate disables", func(t *testing.T) {
		rl := NewRateLimiter(0, 1)
		assert.False(t, rl.Enabled())
		for i := 0; i < 100; i++ {
			assert.True(t, rl.Allow("test"))
		}
	})
}

func TestRateLimiter_Allow(t *testing.T) {
	t.Run("allows within limit", func(t *testing.T) {
		rl := NewRateLimiter(10, 10)

		for i := 0; i < 10; i++ {
			assert.True(t, rl.Allow("test"))
		}
	})

	t.Run("blocks over limit", func(t *testing.T) {
		rl := NewRateLimiter(0.001, 2)

		assert.True(t, rl.Allow("test"))
		assert.True(t, rl.Allow("test"))
		assert.False(t, rl.Allow("test"))
	})

	t.Run("keys are independent", func(t *testing.T) {
		rl := NewRateLimiter(0.001, 1)

		assert.True(t, rl.Allow("a"))
		assert.False(t, rl.Allow("a"))
		assert.True(t, rl.Allow("b"))
	})
}

func TestRateLimiter_MemoryBounds(t *testing.T) {
	t.Run("prevents unlimited growth", func(t *testing.T) {
		rl := NewRateLimiter(1, 1)

		for i := 0; i < 10001; i++ {
			rl.Allow(fmt.Sprintf("client-%d", i))
		}

		rl.mu.Lock()
		count := len(rl.limiters)
		rl.mu.Unlock()

		assert.LessOrEqual(t, count, 10000)
	})
}
