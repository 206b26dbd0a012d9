package ratelimit

import (
	"context"
	"testing"
	"time"
)

// With no redis client the limiter runs on its local window; that is the
// same code path the fallback takes during an outage.
func newLocalLimiter() (*Limiter, *time.Time) {
	l := NewLimiter(nil, time.Second)
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	clock := &now
	l.now = func() time.Time { return *clock }
	return l, clock
}

func TestLocalWindow_EnforcesLimit(t *testing.T) {
	l, _ := newLocalLimiter()
	ctx := context.Background()

	// PLACE_ORDER allows 10/s: first 10 pass, 11th and 12th rejected.
	for i := 0; i < 10; i++ {
		if !l.Allow(ctx, "user-1", ActionPlaceOrder) {
			t.Fatalf("Call %d should be allowed", i+1)
		}
	}
	if l.Allow(ctx, "user-1", ActionPlaceOrder) {
		t.Error("11th call should be rejected")
	}
	if l.Allow(ctx, "user-1", ActionPlaceOrder) {
		t.Error("12th call should be rejected")
	}
}

func TestLocalWindow_ResetsAfterSecond(t *testing.T) {
	l, clock := newLocalLimiter()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		l.Allow(ctx, "user-1", ActionPlaceOrder)
	}
	if l.Allow(ctx, "user-1", ActionPlaceOrder) {
		t.Fatal("Budget should be exhausted")
	}

	*clock = clock.Add(1100 * time.Millisecond)
	if !l.Allow(ctx, "user-1", ActionPlaceOrder) {
		t.Error("New window should allow again")
	}
}

func TestLocalWindow_IndependentUsersAndActions(t *testing.T) {
	l, _ := newLocalLimiter()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		l.Allow(ctx, "user-1", ActionPlaceOrder)
	}
	if !l.Allow(ctx, "user-2", ActionPlaceOrder) {
		t.Error("Other users keep their own budget")
	}
	if !l.Allow(ctx, "user-1", ActionClosePosition) {
		t.Error("Other actions keep their own budget")
	}
}

func TestUnknownAction_UsesDefaultLimit(t *testing.T) {
	l, _ := newLocalLimiter()
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		if !l.Allow(ctx, "user-1", Action("PING")) {
			t.Fatalf("Call %d within default budget rejected", i+1)
		}
	}
	if l.Allow(ctx, "user-1", Action("PING")) {
		t.Error("101st call should exceed DEFAULT limit")
	}
}

func TestSetLimit_Overrides(t *testing.T) {
	l, _ := newLocalLimiter()
	l.SetLimit(ActionSubscribe, 2)
	ctx := context.Background()

	l.Allow(ctx, "user-1", ActionSubscribe)
	l.Allow(ctx, "user-1", ActionSubscribe)
	if l.Allow(ctx, "user-1", ActionSubscribe) {
		t.Error("3rd subscribe should be rejected with limit 2")
	}
}
