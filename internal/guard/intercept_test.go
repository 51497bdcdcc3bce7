package guard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
)

type interceptFixture struct {
	interceptor *Interceptor
	rules       *RuleService
	detector    *Detector
	store       *InMemoryStore
	metrics     *InMemoryMetrics
	clock       *fakeClock
	handler     http.Handler
	calls       int
}

func newInterceptFixture(t *testing.T) *interceptFixture {
	t.Helper()
	clock := newFakeClock()
	store := NewInMemoryStore(clock.Now)
	metrics := NewInMemoryMetrics()
	rules := newTestRuleService(store, nil)
	enforcer := NewEnforcer(store, nil, metrics, NopLogger{})
	enforcer.now = clock.Now
	// High burst limit keeps burst detection out of quota-focused tests.
	detector := newTestDetector(store, DetectorOptions{BurstLimit: 1000})
	detector.now = clock.Now
	enforcer.SetAbuseSink(detector)

	fx := &interceptFixture{
		interceptor: NewInterceptor(rules, enforcer, detector, metrics, NopLogger{}, "/api/feedback/report"),
		rules:       rules,
		detector:    detector,
		store:       store,
		metrics:     metrics,
		clock:       clock,
	}
	fx.interceptor.now = clock.Now
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fx.calls++
		w.WriteHeader(http.StatusOK)
	})
	fx.handler = fx.interceptor.Middleware(next)
	return fx
}

func (fx *interceptFixture) do(method, path string, identity Identity) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "203.0.113.7:51000"
	req = req.WithContext(ContextWithIdentity(req.Context(), identity))
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	return rec
}

func TestInterceptor_LoginQuotaScenario(t *testing.T) {
	t.Parallel()

	fx := newInterceptFixture(t)
	if err := fx.rules.UpsertRule(context.Background(), &RateLimitRule{
		Method: "POST", EndpointPattern: "/api/auth/login", Limit: 5, WindowSeconds: 60,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	identity := Identity{UserID: "caller-1"}

	for i, wantRemaining := range []string{"4", "3", "2", "1", "0"} {
		rec := fx.do(http.MethodPost, "/api/auth/login", identity)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Remaining"); got != wantRemaining {
			t.Fatalf("request %d: remaining %q, want %q", i+1, got, wantRemaining)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "5" {
			t.Fatalf("request %d: limit header %q", i+1, got)
		}
	}

	rec := fx.do(http.MethodPost, "/api/auth/login", identity)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("sixth request: status %d", rec.Code)
	}
	var denial DenialEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &denial); err != nil {
		t.Fatalf("decode denial: %v", err)
	}
	if denial.Success || denial.StatusCode != http.StatusTooManyRequests || denial.Path != "/api/auth/login" {
		t.Fatalf("unexpected denial: %#v", denial)
	}
	if denial.Message != "Too Many Requests" {
		t.Fatalf("unexpected message: %q", denial.Message)
	}
	if fx.calls != 5 {
		t.Fatalf("downstream should see exactly 5 requests, saw %d", fx.calls)
	}

	events, err := fx.detector.Recent(context.Background(), 0, "")
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 1 || events[0].ActivityType != ActivityRateLimitAbuse {
		t.Fatalf("expected one abuse event for the denial, got %#v", events)
	}
	if fx.metrics.Count("decision|login|denied") != 1 {
		t.Fatal("denied decision should be counted under the login action class")
	}
	if fx.metrics.Count("decision|login|allowed") != 5 {
		t.Fatal("allowed decisions should be counted")
	}
}

func TestInterceptor_AdminBypassesEnforcement(t *testing.T) {
	t.Parallel()

	fx := newInterceptFixture(t)
	if err := fx.rules.UpsertRule(context.Background(), &RateLimitRule{
		Method: "ALL", EndpointPattern: "/*", Limit: 1, WindowSeconds: 60,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	admin := Identity{UserID: "root", IsAdmin: true}

	for i := 0; i < 5; i++ {
		rec := fx.do(http.MethodPost, "/api/anything", admin)
		if rec.Code != http.StatusOK {
			t.Fatalf("admin request %d: status %d", i, rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "" {
			t.Fatal("admin requests carry no rate-limit headers")
		}
	}
}

func TestInterceptor_GetBypassExceptDownload(t *testing.T) {
	t.Parallel()

	fx := newInterceptFixture(t)
	ctx := context.Background()
	if err := fx.rules.UpsertRule(ctx, &RateLimitRule{Method: "ALL", EndpointPattern: "/*", Limit: 1, WindowSeconds: 60}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	identity := Identity{UserID: "reader"}

	for i := 0; i < 4; i++ {
		if rec := fx.do(http.MethodGet, "/api/feedback", identity); rec.Code != http.StatusOK {
			t.Fatalf("read %d: status %d", i, rec.Code)
		}
	}

	// The report download is the one GET that stays enforced.
	if rec := fx.do(http.MethodGet, "/api/feedback/report", identity); rec.Code != http.StatusOK {
		t.Fatalf("first download: status %d", rec.Code)
	}
	if rec := fx.do(http.MethodGet, "/api/feedback/report", identity); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second download should be denied, status %d", rec.Code)
	}
}

func TestInterceptor_NoRuleMeansNoLimit(t *testing.T) {
	t.Parallel()

	fx := newInterceptFixture(t)
	for i := 0; i < 20; i++ {
		if rec := fx.do(http.MethodPost, "/api/unlimited", Identity{UserID: "u"}); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, rec.Code)
		}
	}
	if fx.calls != 20 {
		t.Fatalf("downstream calls %d, want 20", fx.calls)
	}
}

func TestInterceptor_AnonymousPartitionedByIP(t *testing.T) {
	t.Parallel()

	fx := newInterceptFixture(t)
	if err := fx.rules.UpsertRule(context.Background(), &RateLimitRule{
		Method: "POST", EndpointPattern: "/api/auth/login", Limit: 1, WindowSeconds: 60,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	anon := Identity{}
	req := func(addr string) int {
		r := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		r.RemoteAddr = addr
		r = r.WithContext(ContextWithIdentity(r.Context(), anon))
		rec := httptest.NewRecorder()
		fx.handler.ServeHTTP(rec, r)
		return rec.Code
	}

	if code := req("198.51.100.1:1000"); code != http.StatusOK {
		t.Fatalf("first from ip1: %d", code)
	}
	if code := req("198.51.100.1:2000"); code != http.StatusTooManyRequests {
		t.Fatal("same ip different port shares the subject")
	}
	if code := req("198.51.100.2:1000"); code != http.StatusOK {
		t.Fatal("a different ip has its own counter")
	}
}

func TestInterceptor_StoreOutageFailsClosed(t *testing.T) {
	t.Parallel()

	fx := newInterceptFixture(t)
	if err := fx.rules.UpsertRule(context.Background(), &RateLimitRule{
		Method: "POST", EndpointPattern: "/api/auth/login", Limit: 5, WindowSeconds: 60,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	fx.store.SetHealthy(false)

	rec := fx.do(http.MethodPost, "/api/auth/login", Identity{UserID: "u"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", rec.Code)
	}
	var denial DenialEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &denial); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if denial.Message != "Rate limit check unavailable" {
		t.Fatalf("unexpected message: %q", denial.Message)
	}
	if fx.calls != 0 {
		t.Fatal("outage must not wave traffic through")
	}

	// Rule lookup itself is cache-served and keeps working during the outage.
	if rule := fx.rules.FindRule("POST", "/api/auth/login"); rule == nil {
		t.Fatal("rule cache should survive a store outage")
	}
}

func TestInterceptor_WindowExpiryRestoresQuota(t *testing.T) {
	t.Parallel()

	fx := newInterceptFixture(t)
	if err := fx.rules.UpsertRule(context.Background(), &RateLimitRule{
		Method: "POST", EndpointPattern: "/api/auth/login", Limit: 1, WindowSeconds: 60,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	identity := Identity{UserID: "u"}

	if rec := fx.do(http.MethodPost, "/api/auth/login", identity); rec.Code != http.StatusOK {
		t.Fatal("first request should pass")
	}
	if rec := fx.do(http.MethodPost, "/api/auth/login", identity); rec.Code != http.StatusTooManyRequests {
		t.Fatal("second request should be denied")
	}
	fx.clock.Advance(61 * time.Second)
	if rec := fx.do(http.MethodPost, "/api/auth/login", identity); rec.Code != http.StatusOK {
		t.Fatal("quota should restore after the window")
	}
}

func TestInterceptor_FailedLoginRecordedAndBroadcast(t *testing.T) {
	t.Parallel()

	fx := newInterceptFixture(t)
	ctx := context.Background()
	if err := fx.rules.UpsertRule(ctx, &RateLimitRule{
		Method: "POST", EndpointPattern: "/api/auth/login", Limit: 5, WindowSeconds: 60,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	presence := NewPresenceTracker(fx.store, NewInMemoryMetrics(), NopLogger{}, 10*time.Minute, 30*time.Minute, 30*time.Minute)
	gateway := NewGateway(presence, fx.detector, NewInMemoryPubSub(), "test:broadcast", NewInMemoryMetrics(), NopLogger{})
	fx.detector.SetBroadcaster(gateway)
	if err := gateway.Start(ctx); err != nil {
		t.Fatalf("gateway start: %v", err)
	}
	conn := &fakeAdminConn{}
	if err := gateway.Register(ctx, uuid.NewString(), "conn-a", conn); err != nil {
		t.Fatalf("register: %v", err)
	}

	login := fx.interceptor.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer good" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	do := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.RemoteAddr = "203.0.113.7:51000"
		req.Header.Set("Authorization", "Bearer "+token)
		req = req.WithContext(ContextWithIdentity(req.Context(), Identity{UserID: "caller-1"}))
		rec := httptest.NewRecorder()
		login.ServeHTTP(rec, req)
		return rec
	}

	if rec := do("good"); rec.Code != http.StatusOK {
		t.Fatalf("accepted login: status %d", rec.Code)
	}
	events, err := fx.detector.Recent(ctx, 0, "")
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("an accepted login records nothing, got %#v", events)
	}

	if rec := do("bad"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("rejected login: status %d", rec.Code)
	}
	events, err = fx.detector.Recent(ctx, 0, "")
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 1 || events[0].ActivityType != ActivityFailedLogin {
		t.Fatalf("expected one failed-login event, got %#v", events)
	}
	if events[0].UserID != "caller-1" {
		t.Fatalf("event should name the caller: %#v", events[0])
	}

	env, ok := conn.last()
	if !ok || env.Kind != KindSuspicious {
		t.Fatalf("failed login should reach registered admins, got %v", conn.kinds())
	}
}

func TestInterceptor_CheckMirrorsMiddleware(t *testing.T) {
	t.Parallel()

	fx := newInterceptFixture(t)
	ctx := context.Background()
	if err := fx.rules.UpsertRule(ctx, &RateLimitRule{
		Method: "POST", EndpointPattern: "/api/auth/login", Limit: 1, WindowSeconds: 60,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	decision, err := fx.interceptor.Check(ctx, http.MethodPost, "/api/auth/login", Identity{UserID: "u"}, "203.0.113.7:1")
	if err != nil || decision == nil || !decision.Allowed {
		t.Fatalf("first check: %#v %v", decision, err)
	}
	decision, err = fx.interceptor.Check(ctx, http.MethodPost, "/api/auth/login", Identity{UserID: "u"}, "203.0.113.7:1")
	if err != nil || decision == nil || decision.Allowed {
		t.Fatalf("second check should deny: %#v %v", decision, err)
	}
	if decision, _ := fx.interceptor.Check(ctx, http.MethodGet, "/api/feedback", Identity{UserID: "u"}, ""); decision != nil {
		t.Fatal("bypassed requests return no decision")
	}
}
