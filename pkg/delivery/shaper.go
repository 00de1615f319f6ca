package delivery

import (
	"time"

	"github.com/benbjohnson/clock"
)

// TokenBucket shapes non-critical traffic to the configured bytes/sec.
// Tokens accrue continuously against the injected clock; a rate of zero or
// below disables shaping.
type TokenBucket struct {
	clk      clock.Clock
	capacity int64
	tokens   int64
	rate     int64 // bytes per second
	last     time.Time
}

func NewTokenBucket(clk clock.Clock, ratePerSec, capacity int64) *TokenBucket {
	if capacity <= 0 {
		capacity = ratePerSec
	}
	return &TokenBucket{clk: clk, capacity: capacity, tokens: capacity, rate: ratePerSec, last: clk.Now()}
}

// Allow tries to consume n tokens. When the bucket is short it reports the
// wait until enough tokens will have accrued.
func (b *TokenBucket) Allow(n int64) (ok bool, wait time.Duration) {
	if b.rate <= 0 {
		return true, 0
	}
	now := b.clk.Now()
	if dt := now.Sub(b.last); dt > 0 {
		add := (b.rate * dt.Nanoseconds()) / int64(time.Second)
		if add > 0 {
			b.tokens += add
			if b.tokens > b.capacity {
				b.tokens = b.capacity
			}
			b.last = now
		}
	}
	if b.tokens >= n {
		b.tokens -= n
		return true, 0
	}
	need := n - b.tokens
	nanos := (need * int64(time.Second)) / b.rate
	return false, time.Duration(nanos)
}

// SetRate reconfigures the fill rate (and capacity when it was tied to the
// old rate). Zero or negative disables shaping.
func (b *TokenBucket) SetRate(ratePerSec int64) {
	if b.capacity == b.rate {
		b.capacity = ratePerSec
	}
	b.rate = ratePerSec
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = b.clk.Now()
}

// Rate returns the configured bytes/sec, zero when unlimited.
func (b *TokenBucket) Rate() int64 { return b.rate }
