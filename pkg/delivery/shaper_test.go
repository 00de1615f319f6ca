package delivery

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestTokenBucketLimitsRate(t *testing.T) {
	clk := clock.NewMock()
	b := NewTokenBucket(clk, 1000, 1000)

	if ok, _ := b.Allow(1000); !ok {
		t.Fatalf("full bucket rejected first send")
	}
	ok, wait := b.Allow(500)
	if ok {
		t.Fatalf("empty bucket allowed send")
	}
	if wait != 500*time.Millisecond {
		t.Fatalf("wait = %v, want 500ms", wait)
	}

	clk.Add(500 * time.Millisecond)
	if ok, _ := b.Allow(500); !ok {
		t.Fatalf("refilled bucket rejected send")
	}
}

func TestTokenBucketCapsAtCapacity(t *testing.T) {
	clk := clock.NewMock()
	b := NewTokenBucket(clk, 100, 100)
	b.Allow(100)
	clk.Add(time.Hour) // long idle must not bank more than capacity
	if ok, _ := b.Allow(100); !ok {
		t.Fatalf("capacity refill failed")
	}
	if ok, _ := b.Allow(1); ok {
		t.Fatalf("bucket held more than capacity")
	}
}

func TestTokenBucketUnlimited(t *testing.T) {
	clk := clock.NewMock()
	b := NewTokenBucket(clk, 0, 0)
	for i := 0; i < 100; i++ {
		if ok, _ := b.Allow(1 << 20); !ok {
			t.Fatalf("unlimited bucket rejected send")
		}
	}
}

func TestTokenBucketSetRate(t *testing.T) {
	clk := clock.NewMock()
	b := NewTokenBucket(clk, 100, 100)
	b.SetRate(0)
	if ok, _ := b.Allow(1 << 30); !ok {
		t.Fatalf("disabled shaping still limited")
	}
	b.SetRate(10)
	if b.Rate() != 10 {
		t.Fatalf("rate = %d", b.Rate())
	}
}
