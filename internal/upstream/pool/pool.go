// Package pool selects an upstream URL from a fixed set, tracking
// per-URL cooldown after failure and per-URL daily request quotas. State
// is process-local: replicas do not coordinate on cooldown or quota.
package pool

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/bietiekay/overpass-proxy/internal/core/observability"
)

// AcquireResult is the outcome of attempting to reserve a slot on a URL.
type AcquireResult string

const (
	Acquired AcquireResult = "acquired"
	Cooldown AcquireResult = "cooldown"
	Limit    AcquireResult = "limit"
	Blocked  AcquireResult = "blocked"
)

// HTTPStatusError carries the HTTP status code a fetch attempt received,
// so WithUpstream can classify 4xx-vs-transient without string matching.
type HTTPStatusError struct {
	StatusCode int
	Err        error
}

func (e *HTTPStatusError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("upstream status %d", e.StatusCode)
}

func (e *HTTPStatusError) Unwrap() error { return e.Err }

type urlState struct {
	mu            sync.Mutex
	failedUntil   time.Time
	blockedUntil  time.Time
	requestsToday int
	dayStart      time.Time
}

// Pool tracks per-URL cooldown and quota state, each guarded by its own
// mutex so tryAcquire on independent URLs does not serialize.
type Pool struct {
	urls       []string
	cooldown   time.Duration
	dailyLimit int
	states     map[string]*urlState
	now        func() time.Time
}

// New constructs a pool. dailyLimit < 0 disables quota enforcement.
func New(urls []string, cooldown time.Duration, dailyLimit int) *Pool {
	p := &Pool{
		urls:       append([]string(nil), urls...),
		cooldown:   cooldown,
		dailyLimit: dailyLimit,
		states:     make(map[string]*urlState, len(urls)),
		now:        time.Now,
	}
	now := p.now()
	for _, u := range p.urls {
		p.states[u] = &urlState{dayStart: startOfLocalDay(now)}
	}
	return p
}

func startOfLocalDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Next picks uniformly at random among URLs not in excluded, not in
// cooldown, not quota-blocked, and not at quota. Returns false if none
// qualify.
func (p *Pool) Next(excluded map[string]bool) (string, bool) {
	now := p.now()
	var candidates []string
	for _, u := range p.urls {
		if excluded != nil && excluded[u] {
			continue
		}
		st := p.states[u]
		st.mu.Lock()
		qualifies := !now.Before(st.failedUntil) &&
			!now.Before(st.blockedUntil) &&
			(p.dailyLimit < 0 || st.requestsToday < p.dailyLimit)
		st.mu.Unlock()
		if qualifies {
			candidates = append(candidates, u)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[rand.IntN(len(candidates))], true
}

// TryAcquire performs the day-rollover check, then enforces cooldown and
// quota. On success it increments requestsToday and, if that reaches
// dailyLimit, opens a 24h quota block.
func (p *Pool) TryAcquire(url string) AcquireResult {
	st, ok := p.states[url]
	if !ok {
		return Blocked
	}
	now := p.now()
	st.mu.Lock()
	defer st.mu.Unlock()

	if today := startOfLocalDay(now); st.dayStart.Before(today) {
		st.dayStart = today
		st.requestsToday = 0
		st.blockedUntil = time.Time{}
	}

	if now.Before(st.failedUntil) {
		return Cooldown
	}
	if now.Before(st.blockedUntil) {
		return Blocked
	}
	if p.dailyLimit >= 0 && st.requestsToday >= p.dailyLimit {
		st.blockedUntil = now.Add(24 * time.Hour)
		observability.SetUpstreamCooldown(url, true)
		return Limit
	}

	st.requestsToday++
	observability.SetUpstreamQuotaUsed(url, st.requestsToday)
	if p.dailyLimit >= 0 && st.requestsToday >= p.dailyLimit {
		st.blockedUntil = now.Add(24 * time.Hour)
	}
	return Acquired
}

// MarkFailure opens a cooldown window after a non-4xx failure.
func (p *Pool) MarkFailure(url string) {
	st, ok := p.states[url]
	if !ok || p.cooldown <= 0 {
		return
	}
	st.mu.Lock()
	st.failedUntil = p.now().Add(p.cooldown)
	st.mu.Unlock()
	observability.SetUpstreamCooldown(url, true)
}

// MarkSuccess clears any active cooldown.
func (p *Pool) MarkSuccess(url string) {
	st, ok := p.states[url]
	if !ok {
		return
	}
	st.mu.Lock()
	st.failedUntil = time.Time{}
	st.mu.Unlock()
	observability.SetUpstreamCooldown(url, false)
}

// IsExhaustedByLimit reports whether every URL is currently quota-blocked.
func (p *Pool) IsExhaustedByLimit() bool {
	if p.dailyLimit < 0 {
		return false
	}
	now := p.now()
	for _, u := range p.urls {
		st := p.states[u]
		st.mu.Lock()
		blocked := now.Before(st.blockedUntil) || st.requestsToday >= p.dailyLimit
		st.mu.Unlock()
		if !blocked {
			return false
		}
	}
	return true
}

// WithUpstream drives fn across the pool: it loops over qualifying
// candidates, acquiring a quota slot before each attempt. A 4xx (except
// 429) error from fn is propagated immediately without failover; any
// other error marks the URL failed and moves to the next candidate.
func (p *Pool) WithUpstream(ctx context.Context, fn func(ctx context.Context, url string) error) error {
	excluded := map[string]bool{}
	var lastErr error

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		url, ok := p.Next(excluded)
		if !ok {
			if p.IsExhaustedByLimit() {
				return errors.New("upstream pool exhausted: daily limit reached")
			}
			if lastErr != nil {
				return lastErr
			}
			return errors.New("no upstream available")
		}

		if res := p.TryAcquire(url); res != Acquired {
			excluded[url] = true
			continue
		}

		err := fn(ctx, url)
		if err == nil {
			p.MarkSuccess(url)
			return nil
		}

		var hse *HTTPStatusError
		if errors.As(err, &hse) && hse.StatusCode >= 400 && hse.StatusCode < 500 && hse.StatusCode != 429 {
			return err
		}

		p.MarkFailure(url)
		excluded[url] = true
		lastErr = err
	}
}
