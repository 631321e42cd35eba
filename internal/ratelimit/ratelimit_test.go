package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterAllowAndRecord(t *testing.T) {
	now := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	limiter := New(2, time.Minute, func() time.Time { return now })

	for i := 0; i < 2; i++ {
		if !limiter.Allow() {
			t.Fatalf("expected call %d to be allowed", i)
		}
		limiter.Record()
	}

	if limiter.Allow() {
		t.Fatal("expected third call to be denied")
	}

	now = now.Add(30 * time.Second)
	if limiter.Allow() {
		t.Fatal("expected call within window to still be denied")
	}

	now = now.Add(31 * time.Second)
	if !limiter.Allow() {
		t.Fatal("expected limiter to permit call after window passes")
	}
}

func TestLimiterRecordAlwaysAppends(t *testing.T) {
	now := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	limiter := New(1, time.Minute, func() time.Time { return now })

	limiter.Record()
	limiter.Record()
	limiter.Record()

	if got := limiter.Count(); got != 3 {
		t.Fatalf("expected Record to append unconditionally, got count %d", got)
	}
}

func TestLimiterDisabled(t *testing.T) {
	limiter := New(0, 0, nil)
	if !limiter.Allow() {
		t.Fatal("limiter with zero configuration should allow")
	}
	limiter.Record()
	if got := limiter.Count(); got != 0 {
		t.Fatalf("expected disabled limiter to record nothing, got %d", got)
	}
}

func TestLimiterReset(t *testing.T) {
	now := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	limiter := New(1, time.Minute, func() time.Time { return now })

	limiter.Record()
	if got := limiter.Count(); got != 1 {
		t.Fatalf("expected count 1 before reset, got %d", got)
	}
	limiter.Reset()
	if got := limiter.Count(); got != 0 {
		t.Fatalf("expected count 0 after reset, got %d", got)
	}
	if !limiter.Allow() {
		t.Fatal("expected limiter to allow after reset")
	}
}
