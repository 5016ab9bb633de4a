package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

// fakeClock is a hand-advanced clock for deterministic refill tests.
type fakeClock struct {
	mutex sync.Mutex
	now   time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
}

func newTestBucket(rate float64, clock *fakeClock) *TokenBucket {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewTokenBucket(Config{Enabled: true, RatePerSecond: rate}, logger, clock)
}

func TestTokenBucket_StartsFull(t *testing.T) {
	clock := newFakeClock()
	tb := newTestBucket(5, clock)

	for i := 0; i < 5; i++ {
		assert.True(t, tb.TryConsume(), "token %d should be available", i)
	}
	assert.False(t, tb.TryConsume(), "bucket should be empty")
}

func TestTokenBucket_RefillsFromElapsedTime(t *testing.T) {
	clock := newFakeClock()
	tb := newTestBucket(10, clock)

	for i := 0; i < 10; i++ {
		tb.TryConsume()
	}
	assert.False(t, tb.TryConsume())

	// 100ms at 10/s refills exactly one token.
	clock.Advance(100 * time.Millisecond)
	assert.True(t, tb.TryConsume())
	assert.False(t, tb.TryConsume())
}

func TestTokenBucket_CapacityBoundsRefill(t *testing.T) {
	clock := newFakeClock()
	tb := newTestBucket(3, clock)

	// A long idle period must not accumulate more than capacity.
	clock.Advance(time.Hour)
	granted := 0
	for tb.TryConsume() {
		granted++
	}
	assert.Equal(t, 3, granted)
}

func TestTokenBucket_OneSecondWindowProperty(t *testing.T) {
	clock := newFakeClock()
	rate := 7.0
	tb := newTestBucket(rate, clock)

	// Drain the initial burst so the window starts empty.
	for tb.TryConsume() {
	}

	// Over any simulated one-second window the number of grants must
	// not exceed rate+1.
	granted := 0
	for i := 0; i < 100; i++ {
		clock.Advance(10 * time.Millisecond)
		if tb.TryConsume() {
			granted++
		}
	}
	assert.LessOrEqual(t, granted, int(rate)+1)
	assert.GreaterOrEqual(t, granted, int(rate)-1)
}

func TestTokenBucket_DisabledAlwaysAllows(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	tb := NewTokenBucket(Config{Enabled: false, RatePerSecond: 1}, logger, newFakeClock())

	for i := 0; i < 1000; i++ {
		assert.True(t, tb.TryConsume())
	}
}

func TestTokenBucket_WaitHonorsContext(t *testing.T) {
	clock := newFakeClock()
	tb := newTestBucket(5, clock)

	// Tokens on hand: Wait returns without blocking.
	assert.NoError(t, tb.Wait(context.Background()))

	for tb.TryConsume() {
	}

	// The fake clock never advances, so no token can appear; Wait must
	// give up when the context does.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tb.Wait(ctx), context.DeadlineExceeded)
}

func TestTokenBucket_SetRateClipsStoredTokens(t *testing.T) {
	clock := newFakeClock()
	tb := newTestBucket(100, clock)

	tb.SetRate(2)
	granted := 0
	for tb.TryConsume() {
		granted++
	}
	assert.Equal(t, 2, granted)

	stats := tb.GetStats()
	assert.Equal(t, float64(2), stats.RatePerSecond)
}
