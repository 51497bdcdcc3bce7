package guard

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type abuseCall struct {
	subject Subject
	used    int64
}

type fakeAbuseSink struct {
	mu    sync.Mutex
	calls []abuseCall
}

func (s *fakeAbuseSink) SignalAbuse(ctx context.Context, rule *RateLimitRule, subject Subject, used int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, abuseCall{subject: subject, used: used})
}

func (s *fakeAbuseSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func TestEnforcer_AllowThenDeny(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewInMemoryStore(clock.Now)
	enf := NewEnforcer(store, nil, NewInMemoryMetrics(), NopLogger{})
	enf.now = clock.Now

	rule := &RateLimitRule{Method: "POST", EndpointPattern: "/api/auth/login", Limit: 5, WindowSeconds: 60}
	subject := UserSubject("11111111-1111-1111-1111-111111111111")
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		decision, err := enf.Enforce(ctx, rule, subject)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if !decision.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if decision.Remaining != 5-i {
			t.Fatalf("request %d: remaining %d, want %d", i, decision.Remaining, 5-i)
		}
	}

	decision, err := enf.Enforce(ctx, rule, subject)
	if err != nil {
		t.Fatalf("sixth request: %v", err)
	}
	if decision.Allowed || decision.Remaining != 0 || decision.Used != 6 {
		t.Fatalf("sixth request should be denied with zero remaining: %#v", decision)
	}
	if want := clock.Now().Add(time.Minute); !decision.ResetAt.Equal(want) {
		t.Fatalf("resetAt %v, want %v", decision.ResetAt, want)
	}
}

func TestEnforcer_WindowExpiryResetsCounter(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewInMemoryStore(clock.Now)
	enf := NewEnforcer(store, nil, NewInMemoryMetrics(), NopLogger{})
	enf.now = clock.Now

	rule := &RateLimitRule{Method: "POST", EndpointPattern: "/api/x", Limit: 1, WindowSeconds: 60}
	subject := IPSubject("203.0.113.9:4412")
	ctx := context.Background()

	if d, _ := enf.Enforce(ctx, rule, subject); !d.Allowed {
		t.Fatal("first request should pass")
	}
	if d, _ := enf.Enforce(ctx, rule, subject); d.Allowed {
		t.Fatal("second request in the window should be denied")
	}

	clock.Advance(61 * time.Second)
	decision, err := enf.Enforce(ctx, rule, subject)
	if err != nil {
		t.Fatalf("post-window request: %v", err)
	}
	if !decision.Allowed || decision.Used != 1 {
		t.Fatalf("window should have reset: %#v", decision)
	}
}

func TestEnforcer_SubjectsAreIndependent(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore(nil)
	enf := NewEnforcer(store, nil, NewInMemoryMetrics(), NopLogger{})
	rule := &RateLimitRule{Method: "POST", EndpointPattern: "/api/x", Limit: 1, WindowSeconds: 60}
	ctx := context.Background()

	if d, _ := enf.Enforce(ctx, rule, UserSubject("a")); !d.Allowed {
		t.Fatal("subject a should pass")
	}
	if d, _ := enf.Enforce(ctx, rule, UserSubject("b")); !d.Allowed {
		t.Fatal("subject b has its own counter")
	}
	if d, _ := enf.Enforce(ctx, rule, UserSubject("a")); d.Allowed {
		t.Fatal("subject a exhausted its quota")
	}
}

func TestEnforcer_StoreFailureFailsClosed(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore(nil)
	store.SetHealthy(false)
	metrics := NewInMemoryMetrics()
	enf := NewEnforcer(store, nil, metrics, NopLogger{})

	_, err := enf.Enforce(context.Background(), &RateLimitRule{Method: "POST", EndpointPattern: "/api/x", Limit: 5, WindowSeconds: 60}, UserSubject("u"))
	if CodeOf(err) != CodeStoreUnavailable {
		t.Fatalf("expected STORE_UNAVAILABLE, got %v", err)
	}
	if metrics.Count("store_error|incr_window") != 1 {
		t.Fatal("store error should be counted")
	}
}

func TestEnforcer_OpenBreakerShedsCalls(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore(nil)
	store.SetHealthy(false)
	breaker := NewCircuitBreaker(CircuitOptions{FailureThreshold: 2, OpenDuration: time.Hour})
	enf := NewEnforcer(store, breaker, NewInMemoryMetrics(), NopLogger{})
	rule := &RateLimitRule{Method: "POST", EndpointPattern: "/api/x", Limit: 5, WindowSeconds: 60}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := enf.Enforce(ctx, rule, UserSubject("u")); err == nil {
			t.Fatal("expected store failure")
		}
	}
	if breaker.State() != CircuitOpen {
		t.Fatalf("breaker should be open, state %d", breaker.State())
	}

	// The store recovers but the open breaker still sheds the call.
	store.SetHealthy(true)
	if _, err := enf.Enforce(ctx, rule, UserSubject("u")); CodeOf(err) != CodeStoreUnavailable {
		t.Fatalf("open breaker should fail closed, got %v", err)
	}
}

func TestEnforcer_AbuseSignalBeyondThreshold(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore(nil)
	sink := &fakeAbuseSink{}
	enf := NewEnforcer(store, nil, NewInMemoryMetrics(), NopLogger{})
	enf.SetAbuseSink(sink)

	rule := &RateLimitRule{Method: "POST", EndpointPattern: "/api/x", Limit: 2, WindowSeconds: 60}
	subject := UserSubject("abuser")
	ctx := context.Background()

	// Signalled only once used exceeds five times the limit.
	for i := 0; i < 10; i++ {
		if _, err := enf.Enforce(ctx, rule, subject); err != nil {
			t.Fatalf("enforce %d: %v", i, err)
		}
	}
	if sink.count() != 0 {
		t.Fatalf("no signal expected at 10 used, got %d", sink.count())
	}

	if _, err := enf.Enforce(ctx, rule, subject); err != nil {
		t.Fatalf("enforce: %v", err)
	}
	if sink.count() != 1 {
		t.Fatalf("expected one abuse signal, got %d", sink.count())
	}
	sink.mu.Lock()
	call := sink.calls[0]
	sink.mu.Unlock()
	if call.used != 11 || call.subject != subject {
		t.Fatalf("unexpected signal: %#v", call)
	}
}
