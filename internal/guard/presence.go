// Package guard tracks live presence of connected users and administrators.
package guard

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PresenceTracker owns presence records and admin connection sets in the
// shared store. Records carry an absolute TTL as a safety net against
// orphaned entries from ungraceful disconnects.
type PresenceTracker struct {
	store         CounterStore
	logger        Logger
	metrics       Metrics
	ttl           time.Duration
	adminTTL      time.Duration
	idleThreshold time.Duration
	timeout       time.Duration
	now           func() time.Time
}

// NewPresenceTracker constructs a tracker. idleThreshold is the default
// cutoff for CleanupInactive when the caller does not supply one.
func NewPresenceTracker(store CounterStore, metrics Metrics, logger Logger, ttl, adminTTL, idleThreshold time.Duration) *PresenceTracker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if adminTTL <= 0 {
		adminTTL = 30 * time.Minute
	}
	if idleThreshold <= 0 {
		idleThreshold = 30 * time.Minute
	}
	if metrics == nil {
		metrics = NewInMemoryMetrics()
	}
	if logger == nil {
		logger = NopLogger{}
	}
	return &PresenceTracker{
		store:         store,
		logger:        logger,
		metrics:       metrics,
		ttl:           ttl,
		adminTTL:      adminTTL,
		idleThreshold: idleThreshold,
		timeout:       2 * time.Second,
		now:           time.Now,
	}
}

func validHandshakeIdentity(userID, email string) error {
	if userID == "" || uuid.Validate(userID) != nil {
		return Wrap(CodeNotAuthenticated, "userId must be a UUID", nil)
	}
	if email == "" || !strings.Contains(email, "@") {
		return Wrap(CodeNotAuthenticated, "email is required", nil)
	}
	return nil
}

// Connect validates the handshake identity and writes a presence record.
func (p *PresenceTracker) Connect(ctx context.Context, userID, email, connectionID string) (*PresenceRecord, error) {
	if p == nil || p.store == nil {
		return nil, errors.New("presence tracker is not configured")
	}
	if err := validHandshakeIdentity(userID, email); err != nil {
		return nil, err
	}
	now := p.now().UTC()
	record := &PresenceRecord{
		UserID:         userID,
		Email:          email,
		ConnectedAt:    now,
		LastActivityAt: now,
		ConnectionID:   connectionID,
	}
	if err := p.write(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// Heartbeat refreshes liveness for a connected user. A missing record means
// the session expired; callers close the connection.
func (p *PresenceTracker) Heartbeat(ctx context.Context, userID string) (*PresenceRecord, error) {
	record, err := p.Lookup(ctx, userID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrSessionExpired
	}
	record.LastActivityAt = p.now().UTC()
	if err := p.write(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// Touch silently refreshes lastActivityAt on inbound activity. A missing
// record is ignored.
func (p *PresenceTracker) Touch(ctx context.Context, userID string) error {
	record, err := p.Lookup(ctx, userID)
	if err != nil || record == nil {
		return err
	}
	record.LastActivityAt = p.now().UTC()
	return p.write(ctx, record)
}

// Disconnect deletes the presence record immediately and returns it.
func (p *PresenceTracker) Disconnect(ctx context.Context, userID string) (*PresenceRecord, error) {
	record, err := p.Lookup(ctx, userID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.store.Delete(ctx, PresenceKey(userID)); err != nil {
		return nil, err
	}
	return record, nil
}

// Lookup fetches a presence record, nil when absent.
func (p *PresenceTracker) Lookup(ctx context.Context, userID string) (*PresenceRecord, error) {
	if p == nil || p.store == nil {
		return nil, errors.New("presence tracker is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	value, ok, err := p.store.Get(ctx, PresenceKey(userID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var record PresenceRecord
	if err := json.Unmarshal([]byte(value), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// ActiveUsers lists all presence records, ordered by user id.
func (p *PresenceTracker) ActiveUsers(ctx context.Context) ([]*PresenceRecord, error) {
	if p == nil || p.store == nil {
		return nil, errors.New("presence tracker is not configured")
	}
	scanCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	keys, err := p.store.Keys(scanCtx, presencePrefix)
	if err != nil {
		return nil, err
	}
	records := make([]*PresenceRecord, 0, len(keys))
	for _, key := range keys {
		record, err := p.Lookup(ctx, strings.TrimPrefix(key, presencePrefix))
		if err != nil {
			return nil, err
		}
		if record != nil {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].UserID < records[j].UserID })
	return records, nil
}

// CleanupInactive evicts records idle longer than threshold and returns the
// evicted records. A non-positive threshold falls back to the configured
// default. Compensates for connections that closed without a clean
// disconnect signal.
func (p *PresenceTracker) CleanupInactive(ctx context.Context, threshold time.Duration) ([]*PresenceRecord, error) {
	if threshold <= 0 {
		threshold = p.idleThreshold
	}
	records, err := p.ActiveUsers(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := p.now().Add(-threshold)
	var removed []*PresenceRecord
	for _, record := range records {
		if record.LastActivityAt.After(cutoff) {
			continue
		}
		deleteCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err := p.store.Delete(deleteCtx, PresenceKey(record.UserID))
		cancel()
		if err != nil {
			return removed, err
		}
		removed = append(removed, record)
	}
	if len(removed) > 0 {
		p.logger.Info("evicted inactive users", map[string]any{"count": len(removed), "threshold": threshold.String()})
	}
	return removed, nil
}

// RegisterAdmin records an admin connection. An admin may hold several
// concurrent connections.
func (p *PresenceTracker) RegisterAdmin(ctx context.Context, adminID, connectionID string) error {
	if p == nil || p.store == nil {
		return errors.New("presence tracker is not configured")
	}
	if adminID == "" || uuid.Validate(adminID) != nil {
		return Wrap(CodeNotAuthenticated, "adminId must be a UUID", nil)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.store.SetAdd(ctx, AdminSocketKey(adminID), connectionID, p.adminTTL)
}

// DeregisterAdmin removes one admin connection; the owning set disappears
// when it empties.
func (p *PresenceTracker) DeregisterAdmin(ctx context.Context, adminID, connectionID string) error {
	if p == nil || p.store == nil {
		return errors.New("presence tracker is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	_, err := p.store.SetRemove(ctx, AdminSocketKey(adminID), connectionID)
	return err
}

// TouchAdmin refreshes the admin set TTL on any admin activity.
func (p *PresenceTracker) TouchAdmin(ctx context.Context, adminID string) error {
	if p == nil || p.store == nil {
		return errors.New("presence tracker is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.store.Expire(ctx, AdminSocketKey(adminID), p.adminTTL)
}

// ConnectedAdminCount counts administrators with at least one connection.
func (p *PresenceTracker) ConnectedAdminCount(ctx context.Context) (int, error) {
	if p == nil || p.store == nil {
		return 0, errors.New("presence tracker is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	keys, err := p.store.Keys(ctx, adminSockPrefix)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (p *PresenceTracker) write(ctx context.Context, record *PresenceRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.store.SetWithTTL(ctx, PresenceKey(record.UserID), string(payload), p.ttl)
}
