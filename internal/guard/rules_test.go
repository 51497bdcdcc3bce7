package guard

import (
	"context"
	"testing"
)

func newTestRuleService(store CounterStore, pubsub PubSub) *RuleService {
	return NewRuleService(store, pubsub, "test:rules", NopLogger{})
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"/api/feedback":      "/api/feedback",
		"/api/feedback/":     "/api/feedback",
		"/api/feedback//":    "/api/feedback",
		"/api/feedback?x=1":  "/api/feedback",
		"/":                  "/",
		"":                   "/",
		"/api/auth/login///": "/api/auth/login",
	}
	for in, want := range cases {
		if got := NormalizePath(in); got != want {
			t.Fatalf("NormalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizePattern_PreservesWildcard(t *testing.T) {
	t.Parallel()

	if got := NormalizePattern("/api/feedback//*"); got != "/api/feedback/*" {
		t.Fatalf("unexpected pattern: %q", got)
	}
	if got := NormalizePattern("/api/feedback/"); got != "/api/feedback" {
		t.Fatalf("unexpected pattern: %q", got)
	}
	if got := NormalizePattern("/*"); got != "/*" {
		t.Fatalf("catch-all must survive normalization, got %q", got)
	}
	if got := NormalizePattern("//*"); got != "/*" {
		t.Fatalf("unexpected pattern: %q", got)
	}
}

func TestRuleService_CatchAllMatchesEverything(t *testing.T) {
	t.Parallel()

	svc := newTestRuleService(NewInMemoryStore(nil), nil)
	ctx := context.Background()
	if err := svc.UpsertRule(ctx, &RateLimitRule{Method: "ALL", EndpointPattern: "/*", Limit: 10, WindowSeconds: 60}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rules, err := svc.ListRules(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rules) != 1 || rules[0].EndpointPattern != "/*" {
		t.Fatalf("catch-all should be stored as /*, got %#v", rules)
	}

	for _, path := range []string{"/", "/api/feedback", "/api/auth/login", "/anything/else"} {
		if got := svc.FindRule("POST", path); got == nil || got.Limit != 10 {
			t.Fatalf("catch-all should match %q, got %#v", path, got)
		}
	}
}

func TestRuleService_UpsertValidation(t *testing.T) {
	t.Parallel()

	svc := newTestRuleService(NewInMemoryStore(nil), nil)
	ctx := context.Background()

	bad := []*RateLimitRule{
		nil,
		{Method: "POST", EndpointPattern: "/x", Limit: 0, WindowSeconds: 60},
		{Method: "POST", EndpointPattern: "/x", Limit: 5, WindowSeconds: 0},
		{Method: "SPLICE", EndpointPattern: "/x", Limit: 5, WindowSeconds: 60},
		{Method: "POST", EndpointPattern: "", Limit: 5, WindowSeconds: 60},
	}
	for i, rule := range bad {
		err := svc.UpsertRule(ctx, rule)
		if CodeOf(err) != CodeInvalidRule {
			t.Fatalf("case %d: expected INVALID_RULE, got %v", i, err)
		}
	}
}

func TestRuleService_UpsertReplacesSameKey(t *testing.T) {
	t.Parallel()

	svc := newTestRuleService(NewInMemoryStore(nil), nil)
	ctx := context.Background()

	if err := svc.UpsertRule(ctx, &RateLimitRule{Method: "post", EndpointPattern: "/api/auth/login/", Limit: 5, WindowSeconds: 60}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := svc.UpsertRule(ctx, &RateLimitRule{Method: "POST", EndpointPattern: "/api/auth/login", Limit: 10, WindowSeconds: 120}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	rules, err := svc.ListRules(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected a single rule, got %d", len(rules))
	}
	if rules[0].Limit != 10 || rules[0].WindowSeconds != 120 || rules[0].Method != "POST" {
		t.Fatalf("unexpected rule: %#v", rules[0])
	}
}

func TestRuleService_DeleteRule(t *testing.T) {
	t.Parallel()

	svc := newTestRuleService(NewInMemoryStore(nil), nil)
	ctx := context.Background()

	if err := svc.UpsertRule(ctx, &RateLimitRule{Method: "POST", EndpointPattern: "/api/x", Limit: 5, WindowSeconds: 60}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := svc.DeleteRule(ctx, "post", "/api/x/"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if rule := svc.FindRule("POST", "/api/x"); rule != nil {
		t.Fatalf("rule should be gone, got %#v", rule)
	}
}

func TestRuleService_FindRuleLongestMatchWins(t *testing.T) {
	t.Parallel()

	svc := newTestRuleService(NewInMemoryStore(nil), nil)
	ctx := context.Background()
	seed := []*RateLimitRule{
		{Method: "ALL", EndpointPattern: "/api/*", Limit: 100, WindowSeconds: 60},
		{Method: "POST", EndpointPattern: "/api/feedback/*", Limit: 20, WindowSeconds: 60},
		{Method: "POST", EndpointPattern: "/api/feedback/upload", Limit: 3, WindowSeconds: 60},
	}
	for _, rule := range seed {
		if err := svc.UpsertRule(ctx, rule); err != nil {
			t.Fatalf("upsert %v: %v", rule.EndpointPattern, err)
		}
	}

	if got := svc.FindRule("POST", "/api/feedback/upload"); got == nil || got.Limit != 3 {
		t.Fatalf("expected literal rule, got %#v", got)
	}
	if got := svc.FindRule("POST", "/api/feedback/comments"); got == nil || got.Limit != 20 {
		t.Fatalf("expected feedback prefix rule, got %#v", got)
	}
	if got := svc.FindRule("PUT", "/api/feedback/comments"); got == nil || got.Limit != 100 {
		t.Fatalf("expected ALL fallback rule, got %#v", got)
	}
	if got := svc.FindRule("POST", "/health"); got != nil {
		t.Fatalf("expected no rule, got %#v", got)
	}
}

func TestRuleService_FindRuleTieBreaks(t *testing.T) {
	t.Parallel()

	svc := newTestRuleService(NewInMemoryStore(nil), nil)
	ctx := context.Background()

	// Equal pattern length: the exact method beats ALL.
	if err := svc.UpsertRule(ctx, &RateLimitRule{Method: "ALL", EndpointPattern: "/api/things", Limit: 50, WindowSeconds: 60}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := svc.UpsertRule(ctx, &RateLimitRule{Method: "POST", EndpointPattern: "/api/things", Limit: 5, WindowSeconds: 60}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if got := svc.FindRule("POST", "/api/things"); got == nil || got.Limit != 5 {
		t.Fatalf("expected the POST rule, got %#v", got)
	}
	if got := svc.FindRule("DELETE", "/api/things"); got == nil || got.Limit != 50 {
		t.Fatalf("expected the ALL rule, got %#v", got)
	}
}

func TestRuleService_PrefixDoesNotMatchSiblings(t *testing.T) {
	t.Parallel()

	svc := newTestRuleService(NewInMemoryStore(nil), nil)
	if err := svc.UpsertRule(context.Background(), &RateLimitRule{Method: "ALL", EndpointPattern: "/api/feed/*", Limit: 5, WindowSeconds: 60}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if got := svc.FindRule("GET", "/api/feedback"); got != nil {
		t.Fatalf("prefix must match path segments only, got %#v", got)
	}
	if got := svc.FindRule("GET", "/api/feed"); got != nil {
		t.Fatalf("the bare base is not in the wildcard's match set, got %#v", got)
	}
	if got := svc.FindRule("GET", "/api/feed/today"); got == nil {
		t.Fatal("prefix descendant should match")
	}
}

func TestRuleService_RefreshLoadsStoredRules(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore(nil)
	ctx := context.Background()

	writer := newTestRuleService(store, nil)
	if err := writer.UpsertRule(ctx, &RateLimitRule{Method: "POST", EndpointPattern: "/api/auth/login", Limit: 5, WindowSeconds: 60}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	reader := newTestRuleService(store, nil)
	if rule := reader.FindRule("POST", "/api/auth/login"); rule != nil {
		t.Fatalf("cold cache should be empty, got %#v", rule)
	}
	if err := reader.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rule := reader.FindRule("POST", "/api/auth/login"); rule == nil || rule.Limit != 5 {
		t.Fatalf("expected refreshed rule, got %#v", rule)
	}
}

func TestRuleService_InvalidationPropagates(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore(nil)
	pubsub := NewInMemoryPubSub()
	ctx := context.Background()

	instanceA := newTestRuleService(store, pubsub)
	instanceB := newTestRuleService(store, pubsub)
	if err := instanceB.SubscribeInvalidations(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := instanceA.UpsertRule(ctx, &RateLimitRule{Method: "POST", EndpointPattern: "/api/auth/login", Limit: 5, WindowSeconds: 60}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if rule := instanceB.FindRule("POST", "/api/auth/login"); rule == nil || rule.Limit != 5 {
		t.Fatalf("instance B should see the upsert, got %#v", rule)
	}

	if err := instanceA.DeleteRule(ctx, "POST", "/api/auth/login"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if rule := instanceB.FindRule("POST", "/api/auth/login"); rule != nil {
		t.Fatalf("instance B should see the delete, got %#v", rule)
	}
}
