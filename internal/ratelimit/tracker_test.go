package ratelimit

import (
	"testing"
	"time"

	"github.com/synoproxy/synoproxy/internal/clock"
)

func newTestTracker() (*Tracker, *clock.MockClock) {
	clk := clock.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewTracker(3, 5*time.Minute, clk), clk
}

func TestAllowUnderLimit(t *testing.T) {
	tr, _ := newTestTracker()

	if !tr.Allow("1.2.3.4:admin") {
		t.Fatal("fresh identifier should be allowed")
	}
	tr.RecordFailure("1.2.3.4:admin")
	tr.RecordFailure("1.2.3.4:admin")
	if !tr.Allow("1.2.3.4:admin") {
		t.Error("two failures of three should still be allowed")
	}
}

func TestBlockAtLimit(t *testing.T) {
	tr, _ := newTestTracker()

	for i := 0; i < 3; i++ {
		tr.RecordFailure("ip:user")
	}
	if tr.Allow("ip:user") {
		t.Error("identifier at the limit should be blocked")
	}
}

func TestWindowSlidesPast(t *testing.T) {
	tr, clk := newTestTracker()

	tr.RecordFailure("id")
	tr.RecordFailure("id")
	clk.Advance(3 * time.Minute)
	tr.RecordFailure("id")

	if tr.Allow("id") {
		t.Fatal("three failures inside window should block")
	}

	// The first two failures slide out; only the third remains.
	clk.Advance(2*time.Minute + time.Second)
	if !tr.Allow("id") {
		t.Error("identifier should be allowed once old failures expire")
	}
}

func TestIdentifiersAreIndependent(t *testing.T) {
	tr, _ := newTestTracker()

	for i := 0; i < 3; i++ {
		tr.RecordFailure("1.2.3.4:admin")
	}
	if !tr.Allow("5.6.7.8:admin") {
		t.Error("different IP should not share the block")
	}
	if !tr.Allow("1.2.3.4:other") {
		t.Error("different username should not share the block")
	}
}

func TestClear(t *testing.T) {
	tr, _ := newTestTracker()

	for i := 0; i < 3; i++ {
		tr.RecordFailure("id")
	}
	tr.Clear("id")
	if !tr.Allow("id") {
		t.Error("cleared identifier should be allowed")
	}
}

func TestRetryAfter(t *testing.T) {
	tr, clk := newTestTracker()

	if tr.RetryAfter("id") != 0 {
		t.Error("unlimited identifier should have zero retry-after")
	}

	for i := 0; i < 3; i++ {
		tr.RecordFailure("id")
	}
	if got := tr.RetryAfter("id"); got != 5*time.Minute {
		t.Errorf("RetryAfter = %v, want 5m", got)
	}

	clk.Advance(2 * time.Minute)
	if got := tr.RetryAfter("id"); got != 3*time.Minute {
		t.Errorf("RetryAfter after 2m = %v, want 3m", got)
	}

	clk.Advance(3*time.Minute + time.Second)
	if got := tr.RetryAfter("id"); got != 0 {
		t.Errorf("RetryAfter after window = %v, want 0", got)
	}
}

func TestCleanup(t *testing.T) {
	tr, clk := newTestTracker()

	tr.RecordFailure("old")
	clk.Advance(10 * time.Minute)
	tr.RecordFailure("fresh")

	tr.Cleanup()

	tr.mu.Lock()
	_, oldExists := tr.failures["old"]
	_, freshExists := tr.failures["fresh"]
	tr.mu.Unlock()

	if oldExists {
		t.Error("expired identifier survived cleanup")
	}
	if !freshExists {
		t.Error("live identifier was removed by cleanup")
	}
}
