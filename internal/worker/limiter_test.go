package worker

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_New(t *testing.T) {
	limiter := NewLimiter(10, 5)
	if limiter.defaultBurst != 5 {
		t.Errorf("expected burst 5, got %d", limiter.defaultBurst)
	}

	l2 := NewLimiter(10, -1)
	if l2.defaultBurst != 1 {
		t.Errorf("expected default burst 1 for negative input, got %d", l2.defaultBurst)
	}
}

func TestLimiter_PerKeyBudgets(t *testing.T) {
	limiter := NewLimiter(1, 1)
	ctx := context.Background()

	if err := limiter.Wait(ctx, "pubmed"); err != nil {
		t.Fatalf("first wait failed: %v", err)
	}
	if limiter.Allow("pubmed") {
		t.Errorf("expected pubmed budget to be exhausted")
	}
	if !limiter.Allow("registry") {
		t.Errorf("expected registry to have its own budget")
	}
}

func TestLimiter_SetRate(t *testing.T) {
	limiter := NewLimiter(100, 10)
	limiter.SetRate("pubmed", 3, 1)

	if got := limiter.Rate("pubmed"); got != 3 {
		t.Errorf("expected rate 3, got %v", got)
	}
	if !limiter.Allow("pubmed") {
		t.Errorf("first request should pass")
	}
	if limiter.Allow("pubmed") {
		t.Errorf("second immediate request should be limited")
	}
}

func TestLimiter_ZeroRateIsUnlimited(t *testing.T) {
	limiter := NewLimiter(0, 1)
	for i := 0; i < 20; i++ {
		if !limiter.Allow("any") {
			t.Fatalf("expected unlimited key to allow request %d", i)
		}
	}
}

func TestLimiter_WaitHonoursContext(t *testing.T) {
	limiter := NewLimiter(0.01, 1)
	limiter.Allow("slow")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := limiter.Wait(ctx, "slow"); err == nil {
		t.Errorf("expected wait to fail once the context expires")
	}
}
