package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimiterTokenBucket(t *testing.T) {
	rl := NewRateLimiter(3, 0.0001, time.Hour, 0)
	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Fatalf("request %d denied within capacity", i+1)
		}
	}
	if rl.Allow() {
		t.Fatal("request allowed past empty bucket")
	}
}

func TestRateLimiterWindowCap(t *testing.T) {
	rl := NewRateLimiter(100, 1000, time.Hour, 2)
	if !rl.Allow() || !rl.Allow() {
		t.Fatal("requests denied within window cap")
	}
	if rl.Allow() {
		t.Fatal("window cap not enforced despite available tokens")
	}
}

func TestRateLimiterAllowN(t *testing.T) {
	rl := NewRateLimiter(10, 0.0001, time.Hour, 0)
	if !rl.AllowN(0) {
		t.Fatal("zero-token request denied")
	}
	if !rl.AllowN(10) {
		t.Fatal("full-capacity burst denied")
	}
	if rl.AllowN(1) {
		t.Fatal("over-capacity request allowed")
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), 5, time.Millisecond, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("got %d, %v", v, err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	wantErr := errors.New("permanent")
	calls := 0
	_, err := Retry(context.Background(), 3, time.Millisecond, func() (int, error) {
		calls++
		return 0, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Retry(ctx, 5, time.Second, func() (int, error) {
		return 0, errors.New("always")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
