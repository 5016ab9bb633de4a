// Package ratelimit implements the token-bucket gate controlling the
// dispatch rate of the engine and the admission rate at the HTTP edge.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/semantest/nodejs.server-sub008/pkg/types"

	"github.com/sirupsen/logrus"
)

// Config configures a token bucket.
type Config struct {
	// Enabled gates the limiter; disabled buckets always allow.
	Enabled bool `yaml:"enabled"`

	// RatePerSecond is the refill rate. It is also the bucket capacity
	// unless Burst overrides it.
	RatePerSecond float64 `yaml:"rate_per_second"`

	// Burst caps the stored tokens. Zero means capacity == rate.
	Burst float64 `yaml:"burst"`
}

// Stats counters for a bucket.
type Stats struct {
	TotalRequests   int64   `json:"total_requests"`
	AllowedRequests int64   `json:"allowed_requests"`
	BlockedRequests int64   `json:"blocked_requests"`
	CurrentTokens   float64 `json:"current_tokens"`
	RatePerSecond   float64 `json:"rate_per_second"`
}

// TokenBucket refills lazily from the wall-clock delta on every call.
// Tokens are non-negative and bounded by the burst capacity.
type TokenBucket struct {
	config Config
	logger *logrus.Logger
	clock  types.Clock

	mutex      sync.Mutex
	tokens     float64
	lastRefill time.Time
	stats      Stats
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(config Config, logger *logrus.Logger, clock types.Clock) *TokenBucket {
	if clock == nil {
		clock = types.RealClock{}
	}
	if config.Burst == 0 {
		config.Burst = config.RatePerSecond
	}
	return &TokenBucket{
		config:     config,
		logger:     logger,
		clock:      clock,
		tokens:     config.Burst,
		lastRefill: clock.Now(),
	}
}

// TryConsume takes one token if available.
func (tb *TokenBucket) TryConsume() bool {
	if !tb.config.Enabled || tb.config.RatePerSecond <= 0 {
		return true
	}

	tb.mutex.Lock()
	defer tb.mutex.Unlock()

	tb.stats.TotalRequests++
	tb.refillLocked()

	if tb.tokens >= 1 {
		tb.tokens--
		tb.stats.AllowedRequests++
		return true
	}
	tb.stats.BlockedRequests++
	return false
}

// Wait blocks until a token is available or ctx is cancelled, yielding
// between attempts for the shorter of 100ms and one refill period.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		if tb.TryConsume() {
			return nil
		}
		tb.mutex.Lock()
		rate := tb.config.RatePerSecond
		tb.mutex.Unlock()

		yield := 100 * time.Millisecond
		if rate > 0 {
			if d := time.Duration(float64(time.Second) / rate); d < yield {
				yield = d
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(yield):
		}
	}
}

// SetRate replaces the refill rate and capacity at runtime (config hot
// reload). Stored tokens are clipped to the new capacity.
func (tb *TokenBucket) SetRate(ratePerSecond float64) {
	tb.mutex.Lock()
	defer tb.mutex.Unlock()

	tb.refillLocked()
	tb.config.RatePerSecond = ratePerSecond
	tb.config.Burst = ratePerSecond
	tb.tokens = math.Min(tb.tokens, tb.config.Burst)

	if tb.logger != nil {
		tb.logger.WithField("rate_per_second", ratePerSecond).Info("Rate limit updated")
	}
}

// GetStats returns a snapshot of the bucket counters.
func (tb *TokenBucket) GetStats() Stats {
	tb.mutex.Lock()
	defer tb.mutex.Unlock()

	tb.refillLocked()
	stats := tb.stats
	stats.CurrentTokens = tb.tokens
	stats.RatePerSecond = tb.config.RatePerSecond
	return stats
}

// refillLocked credits tokens for the elapsed wall-clock time. Caller
// holds the mutex.
func (tb *TokenBucket) refillLocked() {
	now := tb.clock.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.lastRefill = now
	tb.tokens = math.Min(tb.tokens+elapsed*tb.config.RatePerSecond, tb.config.Burst)
}
