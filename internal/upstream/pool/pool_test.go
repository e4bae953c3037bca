package pool

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNext_ExcludesCooldownAndQuotaBlocked(t *testing.T) {
	p := New([]string{"a", "b", "c"}, time.Minute, 1)
	p.MarkFailure("a")
	if res := p.TryAcquire("c"); res != Acquired {
		t.Fatalf("acquire on c = %v", res)
	}

	url, ok := p.Next(nil)
	if !ok || url != "b" {
		t.Fatalf("expected only b to qualify, got %q ok=%v", url, ok)
	}
}

func TestTryAcquire_QuotaBlocksAfterLimit(t *testing.T) {
	p := New([]string{"a"}, time.Minute, 2)
	if res := p.TryAcquire("a"); res != Acquired {
		t.Fatalf("1st acquire = %v", res)
	}
	if res := p.TryAcquire("a"); res != Acquired {
		t.Fatalf("2nd acquire = %v", res)
	}
	if res := p.TryAcquire("a"); res != Blocked && res != Limit {
		t.Fatalf("3rd acquire should be blocked/limited, got %v", res)
	}
}

func TestMarkFailure_ThenMarkSuccessClearsCooldown(t *testing.T) {
	p := New([]string{"a"}, time.Minute, -1)
	p.MarkFailure("a")
	if res := p.TryAcquire("a"); res != Cooldown {
		t.Fatalf("expected cooldown, got %v", res)
	}
	p.MarkSuccess("a")
	if res := p.TryAcquire("a"); res != Acquired {
		t.Fatalf("expected acquired after success clears cooldown, got %v", res)
	}
}

func TestWithUpstream_FailoverToSecondURL(t *testing.T) {
	p := New([]string{"a", "b"}, time.Minute, -1)
	var tried []string

	err := p.WithUpstream(context.Background(), func(_ context.Context, url string) error {
		tried = append(tried, url)
		if len(tried) == 1 {
			return errors.New("connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tried) < 2 {
		t.Fatalf("expected at least 2 attempts, got %v", tried)
	}
}

func TestWithUpstream_4xxPropagatesWithoutFailover(t *testing.T) {
	p := New([]string{"a", "b"}, time.Minute, -1)
	calls := 0

	err := p.WithUpstream(context.Background(), func(_ context.Context, _ string) error {
		calls++
		return &HTTPStatusError{StatusCode: 404}
	})
	if err == nil {
		t.Fatal("expected a propagated error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly one attempt for a 4xx, got %d", calls)
	}
}

func TestWithUpstream_429IsTransient(t *testing.T) {
	p := New([]string{"a", "b"}, time.Minute, -1)
	var tried []string

	err := p.WithUpstream(context.Background(), func(_ context.Context, url string) error {
		tried = append(tried, url)
		if len(tried) == 1 {
			return &HTTPStatusError{StatusCode: 429}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tried) < 2 {
		t.Fatalf("429 should fail over, got %v", tried)
	}
}

func TestIsExhaustedByLimit(t *testing.T) {
	p := New([]string{"a"}, time.Minute, 1)
	if p.IsExhaustedByLimit() {
		t.Fatal("should not be exhausted before any acquire")
	}
	p.TryAcquire("a")
	if !p.IsExhaustedByLimit() {
		t.Fatal("expected exhaustion after hitting the daily limit")
	}
}
