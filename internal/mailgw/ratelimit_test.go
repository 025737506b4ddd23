package mailgw

import (
	"context"
	"sync"
	"testing"
	"time"
)

// mockClock provides deterministic time control for tests.
type mockClock struct {
	mu      sync.Mutex
	current time.Time
}

func newMockClock() *mockClock {
	return &mockClock{current: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *mockClock) After(d time.Duration) <-chan time.Time {
	// Tests that use After advance the clock first, so fire immediately.
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

func TestOperationCost(t *testing.T) {
	tests := []struct {
		op   Operation
		want int
	}{
		{OpConversationGet, 5},
		{OpFolderList, 5},
		{OpFoldersList, 1},
		{OpDraftSend, 25},
		{OpMessageMove, 5},
		{OpLabelApply, 5},
	}
	for _, tt := range tests {
		if got := tt.op.Cost(); got != tt.want {
			t.Errorf("Operation(%d).Cost() = %d, want %d", tt.op, got, tt.want)
		}
	}
}

func TestTryAcquireDeductsTokens(t *testing.T) {
	clk := newMockClock()
	rl := newRateLimiter(clk, 5.0)

	before := rl.Available()
	if !rl.TryAcquire(OpConversationGet) {
		t.Fatal("TryAcquire() = false with a full bucket")
	}
	after := rl.Available()

	if diff := before - after; diff != float64(OpConversationGet.Cost()) {
		t.Errorf("token delta = %v, want %v", diff, OpConversationGet.Cost())
	}
}

func TestTryAcquireFailsWhenDrained(t *testing.T) {
	clk := newMockClock()
	rl := newRateLimiter(clk, 5.0)

	// Drain the bucket
	for rl.TryAcquire(OpDraftSend) {
	}

	if rl.TryAcquire(OpConversationGet) {
		t.Error("TryAcquire() = true after draining the bucket")
	}
}

func TestRefillOverTime(t *testing.T) {
	clk := newMockClock()
	rl := newRateLimiter(clk, 5.0)

	for rl.TryAcquire(OpDraftSend) {
	}

	clk.Advance(2 * time.Second)

	if !rl.TryAcquire(OpConversationGet) {
		t.Errorf("TryAcquire() = false after refill, available = %v", rl.Available())
	}
}

func TestThrottleDrainsAndBlocks(t *testing.T) {
	clk := newMockClock()
	rl := newRateLimiter(clk, 5.0)

	rl.Throttle(30 * time.Second)

	if rl.TryAcquire(OpFoldersList) {
		t.Error("TryAcquire() = true during throttle window")
	}

	// Advancing past the throttle window restores the flow of tokens.
	clk.Advance(31 * time.Second)
	clk.Advance(1 * time.Second)

	if !rl.TryAcquire(OpFoldersList) {
		t.Errorf("TryAcquire() = false after throttle expiry, available = %v", rl.Available())
	}
}

func TestThrottleDoesNotShorten(t *testing.T) {
	clk := newMockClock()
	rl := newRateLimiter(clk, 5.0)

	rl.Throttle(60 * time.Second)
	rl.Throttle(10 * time.Second) // must not shorten the 60s window

	clk.Advance(30 * time.Second)
	if rl.TryAcquire(OpFoldersList) {
		t.Error("TryAcquire() = true inside the longer throttle window")
	}
}

func TestAcquireHonorsContextCancel(t *testing.T) {
	clk := newMockClock()
	rl := newRateLimiter(clk, 5.0)
	rl.Throttle(10 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := rl.Acquire(ctx, OpConversationGet); err == nil {
		t.Error("Acquire() with cancelled context = nil, want error")
	}
}

func TestQPSClamping(t *testing.T) {
	clk := newMockClock()
	rl := newRateLimiter(clk, 0.0) // below MinQPS

	if rl.refillRate <= 0 {
		t.Errorf("refillRate = %v, want > 0 after clamping", rl.refillRate)
	}
}

func TestNilClockPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("newRateLimiter(nil, ...) did not panic")
		}
	}()
	newRateLimiter(nil, 5.0)
}
