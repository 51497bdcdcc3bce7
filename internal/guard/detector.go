// Package guard provides suspicious activity detection and recording.
package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SuspicionBroadcaster fans recorded events out to administrators.
type SuspicionBroadcaster interface {
	BroadcastSuspiciousActivity(ctx context.Context, event *SuspiciousActivityEvent)
}

// SubjectContext carries the identity attached to a recorded event.
type SubjectContext struct {
	UserID  string
	Email   string
	Details string
}

// DetectorOptions configures detection thresholds and retention.
type DetectorOptions struct {
	// Cap bounds the recent-first event list.
	Cap int64 `yaml:"cap"`
	// BurstLimit is the request count within BurstWindow that flags a burst.
	BurstLimit int64 `yaml:"burstLimit"`
	// BurstWindow is the recent window for burst detection.
	BurstWindow time.Duration `yaml:"burstWindow"`
}

// Detector evaluates request patterns and appends findings to a bounded
// recent-first list in the shared store.
type Detector struct {
	store   CounterStore
	sink    SuspicionBroadcaster
	logger  Logger
	metrics Metrics
	opts    DetectorOptions
	timeout time.Duration
	now     func() time.Time
	newID   func() string
}

// NewDetector constructs a detector.
func NewDetector(store CounterStore, metrics Metrics, logger Logger, opts DetectorOptions) *Detector {
	if opts.Cap <= 0 {
		opts.Cap = 100
	}
	if opts.BurstLimit <= 0 {
		opts.BurstLimit = 5
	}
	if opts.BurstWindow <= 0 {
		opts.BurstWindow = time.Minute
	}
	if metrics == nil {
		metrics = NewInMemoryMetrics()
	}
	if logger == nil {
		logger = NopLogger{}
	}
	return &Detector{
		store:   store,
		metrics: metrics,
		logger:  logger,
		opts:    opts,
		timeout: 2 * time.Second,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// SetBroadcaster wires the admin fan-out gateway.
func (d *Detector) SetBroadcaster(sink SuspicionBroadcaster) {
	if d == nil {
		return
	}
	d.sink = sink
}

// Record appends a classified event to the bounded recent-first list and
// broadcasts it once. A broadcast failure never rolls the record back.
func (d *Detector) Record(ctx context.Context, activityType ActivityType, sc SubjectContext) (*SuspiciousActivityEvent, error) {
	if d == nil || d.store == nil {
		return nil, errors.New("detector is not configured")
	}
	event := &SuspiciousActivityEvent{
		ID:           d.newID(),
		UserID:       sc.UserID,
		Email:        sc.Email,
		ActivityType: activityType,
		Details:      sc.Details,
		Timestamp:    d.now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	writeCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.store.ListPush(writeCtx, suspiciousKey, string(payload), d.opts.Cap); err != nil {
		d.metrics.IncStoreError("list_push")
		return nil, err
	}
	d.metrics.IncSuspicious(activityType)
	if d.sink != nil {
		d.sink.BroadcastSuspiciousActivity(ctx, event)
	}
	return event, nil
}

// Recent returns up to limit events, most recent first, optionally filtered
// to one user.
func (d *Detector) Recent(ctx context.Context, limit int64, userID string) ([]*SuspiciousActivityEvent, error) {
	if d == nil || d.store == nil {
		return nil, errors.New("detector is not configured")
	}
	if limit <= 0 || limit > d.opts.Cap {
		limit = d.opts.Cap
	}
	fetch := limit
	if userID != "" {
		fetch = d.opts.Cap
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	values, err := d.store.ListRange(ctx, suspiciousKey, 0, fetch-1)
	if err != nil {
		return nil, err
	}
	events := make([]*SuspiciousActivityEvent, 0, len(values))
	for _, value := range values {
		var event SuspiciousActivityEvent
		if err := json.Unmarshal([]byte(value), &event); err != nil {
			continue
		}
		if userID != "" && event.UserID != userID {
			continue
		}
		events = append(events, &event)
		if int64(len(events)) >= limit {
			break
		}
	}
	return events, nil
}

// NoteRequest feeds the per-subject burst counter. The counter lives in the
// shared store so detection holds across service instances. An event is
// recorded once per window, when the count first crosses the threshold.
func (d *Detector) NoteRequest(ctx context.Context, subject Subject, email string) {
	if d == nil || d.store == nil {
		return
	}
	countCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	count, err := d.store.IncrWindow(countCtx, RapidRequestKey(subject), d.opts.BurstWindow)
	if err != nil {
		d.metrics.IncStoreError("burst_incr")
		return
	}
	if count != d.opts.BurstLimit+1 {
		return
	}
	_, err = d.Record(ctx, ActivityRapidRequests, SubjectContext{
		UserID:  subject.UserID(),
		Email:   email,
		Details: fmt.Sprintf("%d requests from %s within %s", count, subject, d.opts.BurstWindow),
	})
	if err != nil {
		d.logger.Warn("rapid request record failed", map[string]any{"subject": string(subject), "error": err.Error()})
	}
}

// NoteFailedLogin records a failed authentication outcome.
func (d *Detector) NoteFailedLogin(ctx context.Context, subject Subject, email string) {
	if d == nil {
		return
	}
	_, err := d.Record(ctx, ActivityFailedLogin, SubjectContext{
		UserID:  subject.UserID(),
		Email:   email,
		Details: "failed authentication from " + string(subject),
	})
	if err != nil {
		d.logger.Warn("failed login record failed", map[string]any{"subject": string(subject), "error": err.Error()})
	}
}

// NoteBlockedAccess records an access attempt by a disabled or suspended
// account.
func (d *Detector) NoteBlockedAccess(ctx context.Context, userID, email string, status AccountStatus) {
	if d == nil {
		return
	}
	_, err := d.Record(ctx, ActivityBlockedAccount, SubjectContext{
		UserID:  userID,
		Email:   email,
		Details: "access attempt by " + string(status) + " account",
	})
	if err != nil {
		d.logger.Warn("blocked access record failed", map[string]any{"userId": userID, "error": err.Error()})
	}
}

// SignalAbuse implements AbuseSink for traffic far beyond a quota breach.
func (d *Detector) SignalAbuse(ctx context.Context, rule *RateLimitRule, subject Subject, used int64) {
	if d == nil || rule == nil {
		return
	}
	_, err := d.Record(ctx, ActivityRateLimitAbuse, SubjectContext{
		UserID:  subject.UserID(),
		Details: fmt.Sprintf("%s used %d of %d on %s %s", subject, used, rule.Limit, rule.Method, rule.EndpointPattern),
	})
	if err != nil {
		d.logger.Warn("abuse signal record failed", map[string]any{"subject": string(subject), "error": err.Error()})
	}
}
