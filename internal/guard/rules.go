// Package guard provides rate limit rule storage and matching.
package guard

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// RuleService owns rule definitions. Writes go through the shared store and
// publish an invalidation; every lookup is served from an in-process snapshot
// kept warm by Refresh, the sync loop and the invalidation subscription.
type RuleService struct {
	store   CounterStore
	pubsub  PubSub
	channel string
	logger  Logger
	timeout time.Duration

	snap atomic.Value // *ruleSnapshot
	mu   sync.Mutex   // serializes snapshot writers
}

type ruleSnapshot struct {
	byKey map[string]*RateLimitRule
}

// RuleInvalidation is the pubsub payload for rule changes.
type RuleInvalidation struct {
	Action          string `json:"action"`
	Method          string `json:"method"`
	EndpointPattern string `json:"endpointPattern"`
}

// NewRuleService constructs a rule service.
func NewRuleService(store CounterStore, pubsub PubSub, channel string, logger Logger) *RuleService {
	if channel == "" {
		channel = "guard:rules"
	}
	if logger == nil {
		logger = NopLogger{}
	}
	s := &RuleService{
		store:   store,
		pubsub:  pubsub,
		channel: channel,
		logger:  logger,
		timeout: 2 * time.Second,
	}
	s.snap.Store(&ruleSnapshot{byKey: map[string]*RateLimitRule{}})
	return s
}

// NormalizePath strips the query string and collapses trailing slashes. The
// root path normalizes to "/".
func NormalizePath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	for len(path) > 1 && strings.HasSuffix(path, "/") {
		path = strings.TrimSuffix(path, "/")
	}
	if path == "" {
		return "/"
	}
	return path
}

// NormalizePattern normalizes an endpoint pattern, preserving a trailing "/*".
// The catch-all "/*" has an empty base and stays "/*".
func NormalizePattern(pattern string) string {
	if base, ok := strings.CutSuffix(pattern, "/*"); ok {
		base = NormalizePath(base)
		if base == "/" {
			return "/*"
		}
		return base + "/*"
	}
	return NormalizePath(pattern)
}

func validateRule(rule *RateLimitRule) error {
	if rule == nil {
		return Wrap(CodeInvalidRule, "rule is required", nil)
	}
	if rule.Limit <= 0 {
		return Wrap(CodeInvalidRule, "limit must be positive", nil)
	}
	if rule.WindowSeconds <= 0 {
		return Wrap(CodeInvalidRule, "window must be positive", nil)
	}
	if !knownMethods[strings.ToUpper(rule.Method)] {
		return Wrap(CodeInvalidRule, "unknown method "+rule.Method, nil)
	}
	if rule.EndpointPattern == "" {
		return Wrap(CodeInvalidRule, "endpoint pattern is required", nil)
	}
	return nil
}

func normalizedRule(rule *RateLimitRule) *RateLimitRule {
	return &RateLimitRule{
		Method:          strings.ToUpper(rule.Method),
		EndpointPattern: NormalizePattern(rule.EndpointPattern),
		Limit:           rule.Limit,
		WindowSeconds:   rule.WindowSeconds,
	}
}

// UpsertRule validates and stores a rule, replacing any rule with the same
// (method, endpointPattern) key.
func (s *RuleService) UpsertRule(ctx context.Context, rule *RateLimitRule) error {
	if s == nil || s.store == nil {
		return errors.New("rule service is not configured")
	}
	if err := validateRule(rule); err != nil {
		return err
	}
	stored := normalizedRule(rule)
	payload, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	key := RuleKey(stored.Method, stored.EndpointPattern)
	if err := s.store.SetWithTTL(ctx, key, string(payload), 0); err != nil {
		return err
	}
	s.applyUpsert(stored)
	s.publish(ctx, RuleInvalidation{Action: "upsert", Method: stored.Method, EndpointPattern: stored.EndpointPattern})
	return nil
}

// DeleteRule removes a stored rule.
func (s *RuleService) DeleteRule(ctx context.Context, method, endpointPattern string) error {
	if s == nil || s.store == nil {
		return errors.New("rule service is not configured")
	}
	method = strings.ToUpper(method)
	endpointPattern = NormalizePattern(endpointPattern)
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.store.Delete(ctx, RuleKey(method, endpointPattern)); err != nil {
		return err
	}
	s.applyDelete(method, endpointPattern)
	s.publish(ctx, RuleInvalidation{Action: "delete", Method: method, EndpointPattern: endpointPattern})
	return nil
}

// ListRules returns the current snapshot, ordered by key for determinism.
func (s *RuleService) ListRules(ctx context.Context) ([]*RateLimitRule, error) {
	if s == nil {
		return nil, errors.New("rule service is nil")
	}
	snap := s.snapshot()
	rules := make([]*RateLimitRule, 0, len(snap.byKey))
	for _, rule := range snap.byKey {
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Method != rules[j].Method {
			return rules[i].Method < rules[j].Method
		}
		return rules[i].EndpointPattern < rules[j].EndpointPattern
	})
	return rules, nil
}

// FindRule resolves the most specific rule matching a request, or nil when no
// rate limit applies. Longest pattern wins; ties prefer the exact method over
// ALL, then the lexicographically smaller pattern.
func (s *RuleService) FindRule(method, path string) *RateLimitRule {
	if s == nil {
		return nil
	}
	method = strings.ToUpper(method)
	path = NormalizePath(path)
	var best *RateLimitRule
	for _, rule := range s.snapshot().byKey {
		if rule.Method != MethodAll && rule.Method != method {
			continue
		}
		if !patternMatches(rule.EndpointPattern, path) {
			continue
		}
		if betterMatch(rule, best, method) {
			best = rule
		}
	}
	return best
}

func patternMatches(pattern, path string) bool {
	if base, ok := strings.CutSuffix(pattern, "/*"); ok {
		if base == "" {
			return true
		}
		return strings.HasPrefix(path, base+"/")
	}
	return pattern == path
}

func betterMatch(candidate, best *RateLimitRule, method string) bool {
	if best == nil {
		return true
	}
	if len(candidate.EndpointPattern) != len(best.EndpointPattern) {
		return len(candidate.EndpointPattern) > len(best.EndpointPattern)
	}
	if (candidate.Method == method) != (best.Method == method) {
		return candidate.Method == method
	}
	return candidate.EndpointPattern < best.EndpointPattern
}

// Refresh reloads the snapshot from the store.
func (s *RuleService) Refresh(ctx context.Context) error {
	if s == nil || s.store == nil {
		return errors.New("rule service is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	keys, err := s.store.Keys(ctx, rulePrefix)
	if err != nil {
		return err
	}
	byKey := make(map[string]*RateLimitRule, len(keys))
	for _, key := range keys {
		value, ok, err := s.store.Get(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		var rule RateLimitRule
		if err := json.Unmarshal([]byte(value), &rule); err != nil {
			s.logger.Warn("skipping malformed stored rule", map[string]any{"key": key, "error": err.Error()})
			continue
		}
		byKey[RuleKey(rule.Method, rule.EndpointPattern)] = &rule
	}
	s.mu.Lock()
	s.snap.Store(&ruleSnapshot{byKey: byKey})
	s.mu.Unlock()
	return nil
}

// SyncLoop periodically refreshes the snapshot until the context ends.
func (s *RuleService) SyncLoop(ctx context.Context, interval time.Duration) error {
	if s == nil || s.store == nil {
		return errors.New("rule service is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				s.logger.Warn("rule refresh failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

// SubscribeInvalidations applies rule changes published by other instances.
func (s *RuleService) SubscribeInvalidations(ctx context.Context) error {
	if s == nil || s.pubsub == nil {
		return errors.New("rule service has no pubsub")
	}
	return s.pubsub.Subscribe(ctx, s.channel, func(handlerCtx context.Context, payload []byte) {
		var event RuleInvalidation
		if err := json.Unmarshal(payload, &event); err != nil {
			return
		}
		switch event.Action {
		case "delete":
			s.applyDelete(event.Method, event.EndpointPattern)
		case "upsert":
			value, ok, err := s.store.Get(handlerCtx, RuleKey(event.Method, event.EndpointPattern))
			if err != nil || !ok {
				return
			}
			var rule RateLimitRule
			if err := json.Unmarshal([]byte(value), &rule); err != nil {
				return
			}
			s.applyUpsert(&rule)
		}
	})
}

func (s *RuleService) snapshot() *ruleSnapshot {
	snap, _ := s.snap.Load().(*ruleSnapshot)
	if snap == nil {
		return &ruleSnapshot{byKey: map[string]*RateLimitRule{}}
	}
	return snap
}

func (s *RuleService) applyUpsert(rule *RateLimitRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.snapshot()
	byKey := make(map[string]*RateLimitRule, len(old.byKey)+1)
	for key, value := range old.byKey {
		byKey[key] = value
	}
	byKey[RuleKey(rule.Method, rule.EndpointPattern)] = rule
	s.snap.Store(&ruleSnapshot{byKey: byKey})
}

func (s *RuleService) applyDelete(method, endpointPattern string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.snapshot()
	byKey := make(map[string]*RateLimitRule, len(old.byKey))
	for key, value := range old.byKey {
		byKey[key] = value
	}
	delete(byKey, RuleKey(method, endpointPattern))
	s.snap.Store(&ruleSnapshot{byKey: byKey})
}

func (s *RuleService) publish(ctx context.Context, event RuleInvalidation) {
	if s.pubsub == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := s.pubsub.Publish(ctx, s.channel, payload); err != nil {
		s.logger.Warn("rule invalidation publish failed", map[string]any{"error": err.Error()})
	}
}
