// Package guard provides fixed-window quota enforcement.
package guard

import (
	"context"
	"errors"
	"time"
)

// abuseThresholdMultiplier flags traffic far beyond a simple quota breach.
const abuseThresholdMultiplier = 5

// AbuseSink receives high-severity abuse signals from the enforcer.
type AbuseSink interface {
	SignalAbuse(ctx context.Context, rule *RateLimitRule, subject Subject, used int64)
}

// Enforcer increments fixed-window counters and decides allow/deny.
type Enforcer struct {
	store   CounterStore
	breaker *CircuitBreaker
	sink    AbuseSink
	metrics Metrics
	logger  Logger
	timeout time.Duration
	now     func() time.Time
}

// NewEnforcer constructs an enforcer.
func NewEnforcer(store CounterStore, breaker *CircuitBreaker, metrics Metrics, logger Logger) *Enforcer {
	if metrics == nil {
		metrics = NewInMemoryMetrics()
	}
	if logger == nil {
		logger = NopLogger{}
	}
	return &Enforcer{
		store:   store,
		breaker: breaker,
		metrics: metrics,
		logger:  logger,
		timeout: 2 * time.Second,
		now:     time.Now,
	}
}

// SetAbuseSink wires the detector that receives abuse signals.
func (e *Enforcer) SetAbuseSink(sink AbuseSink) {
	if e == nil {
		return
	}
	e.sink = sink
}

// Enforce atomically increments the window counter for (rule, subject) and
// decides the request. The window TTL is set by the store in the same atomic
// step as the first increment. A store failure or open breaker returns
// ErrStoreUnavailable; callers fail closed.
func (e *Enforcer) Enforce(ctx context.Context, rule *RateLimitRule, subject Subject) (*Decision, error) {
	if e == nil || e.store == nil {
		return nil, errors.New("enforcer is not configured")
	}
	if rule == nil {
		return nil, Wrap(CodeInvalidRule, "rule is required", nil)
	}
	if e.breaker != nil && !e.breaker.Allow() {
		e.metrics.IncStoreError("breaker_open")
		return nil, ErrStoreUnavailable
	}

	start := e.now()
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	key := CounterKey(rule, rule.EndpointPattern, subject)
	used, err := e.store.IncrWindow(ctx, key, rule.Window())
	e.metrics.ObserveEnforceLatency(e.now().Sub(start))
	if err != nil {
		e.breaker.OnFailure()
		e.metrics.IncStoreError("incr_window")
		e.logger.Error("counter increment failed", map[string]any{
			"subject": string(subject),
			"method":  rule.Method,
			"pattern": rule.EndpointPattern,
			"error":   err.Error(),
		})
		return nil, Wrap(CodeStoreUnavailable, "counter store unavailable", err)
	}
	e.breaker.OnSuccess()

	remaining := rule.Limit - used
	if remaining < 0 {
		remaining = 0
	}
	decision := &Decision{
		Allowed:   used <= rule.Limit,
		Used:      used,
		Remaining: remaining,
		Limit:     rule.Limit,
		ResetAt:   e.now().Add(rule.Window()),
	}

	// Abuse far beyond the quota is signalled without changing the decision.
	if e.sink != nil && used > abuseThresholdMultiplier*rule.Limit {
		e.sink.SignalAbuse(ctx, rule, subject, used)
	}
	return decision, nil
}
