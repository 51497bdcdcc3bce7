// Package guard provides the admin fan-out gateway.
package guard

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// AdminSender delivers envelopes to one admin connection.
type AdminSender interface {
	Send(env Envelope) error
}

// Gateway broadcasts presence changes and suspicious activity to all
// registered administrator connections and answers on-demand queries.
// Broadcasts travel over the store pubsub so every service instance delivers
// to its locally attached connections.
type Gateway struct {
	presence *PresenceTracker
	detector *Detector
	pubsub   PubSub
	channel  string
	logger   Logger
	metrics  Metrics

	mu    sync.RWMutex
	conns map[string]map[string]AdminSender // adminID -> connectionID -> sender
}

// NewGateway constructs a gateway.
func NewGateway(presence *PresenceTracker, detector *Detector, pubsub PubSub, channel string, metrics Metrics, logger Logger) *Gateway {
	if channel == "" {
		channel = "guard:broadcast"
	}
	if metrics == nil {
		metrics = NewInMemoryMetrics()
	}
	if logger == nil {
		logger = NopLogger{}
	}
	return &Gateway{
		presence: presence,
		detector: detector,
		pubsub:   pubsub,
		channel:  channel,
		logger:   logger,
		metrics:  metrics,
		conns:    make(map[string]map[string]AdminSender),
	}
}

// Start subscribes to the relay channel for cross-instance delivery.
func (g *Gateway) Start(ctx context.Context) error {
	if g == nil || g.pubsub == nil {
		return errors.New("gateway is not configured")
	}
	return g.pubsub.Subscribe(ctx, g.channel, func(handlerCtx context.Context, payload []byte) {
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return
		}
		g.deliverLocal(env)
	})
}

// Register attaches an admin connection and synchronously pushes a snapshot
// so new admin connections are not missing state.
func (g *Gateway) Register(ctx context.Context, adminID, connectionID string, sender AdminSender) error {
	if g == nil {
		return errors.New("gateway is nil")
	}
	if sender == nil {
		return errors.New("sender is required")
	}
	if err := g.presence.RegisterAdmin(ctx, adminID, connectionID); err != nil {
		return err
	}
	g.mu.Lock()
	if g.conns[adminID] == nil {
		g.conns[adminID] = make(map[string]AdminSender)
	}
	g.conns[adminID][connectionID] = sender
	g.mu.Unlock()

	snapshot, err := g.Snapshot(ctx)
	if err != nil {
		g.logger.Warn("snapshot build failed", map[string]any{"adminId": adminID, "error": err.Error()})
		return nil
	}
	env, err := NewEnvelope(KindSnapshot, snapshot)
	if err != nil {
		return nil
	}
	if err := sender.Send(env); err != nil {
		g.logger.Warn("snapshot push failed", map[string]any{"adminId": adminID, "error": err.Error()})
	}
	return nil
}

// Deregister detaches one admin connection.
func (g *Gateway) Deregister(ctx context.Context, adminID, connectionID string) {
	if g == nil {
		return
	}
	g.mu.Lock()
	if conns := g.conns[adminID]; conns != nil {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(g.conns, adminID)
		}
	}
	g.mu.Unlock()
	if err := g.presence.DeregisterAdmin(ctx, adminID, connectionID); err != nil {
		g.logger.Warn("admin deregistration failed", map[string]any{"adminId": adminID, "error": err.Error()})
	}
}

// BroadcastPresenceChange announces a presence join or leave.
func (g *Gateway) BroadcastPresenceChange(ctx context.Context, kind string, record *PresenceRecord) {
	if g == nil || record == nil {
		return
	}
	env, err := NewEnvelope(KindPresenceChange, PresenceChangePayload{Kind: kind, Record: record})
	if err != nil {
		return
	}
	g.metrics.IncBroadcast(string(KindPresenceChange))
	g.broadcast(ctx, env)
}

// BroadcastSuspiciousActivity fans a recorded event out to admins. Delivery
// is attempted once; failures are logged, never retried.
func (g *Gateway) BroadcastSuspiciousActivity(ctx context.Context, event *SuspiciousActivityEvent) {
	if g == nil || event == nil {
		return
	}
	env, err := NewEnvelope(KindSuspicious, event)
	if err != nil {
		return
	}
	g.metrics.IncBroadcast(string(KindSuspicious))
	g.broadcast(ctx, env)
}

// NotifyCleanup tells admins the active set changed after an idle sweep.
func (g *Gateway) NotifyCleanup(ctx context.Context) {
	if g == nil {
		return
	}
	users, err := g.presence.ActiveUsers(ctx)
	if err != nil {
		g.logger.Warn("active user list failed", map[string]any{"error": err.Error()})
		return
	}
	env, err := NewEnvelope(KindActiveUsersUpdated, ActiveUsersPayload{Users: users})
	if err != nil {
		return
	}
	g.metrics.IncBroadcast(string(KindActiveUsersUpdated))
	g.broadcast(ctx, env)
}

// QueryActiveUsers lists current presence records.
func (g *Gateway) QueryActiveUsers(ctx context.Context) ([]*PresenceRecord, error) {
	return g.presence.ActiveUsers(ctx)
}

// QueryRecentActivity lists recent findings, optionally filtered to a user.
func (g *Gateway) QueryRecentActivity(ctx context.Context, limit int64, userID string) ([]*SuspiciousActivityEvent, error) {
	return g.detector.Recent(ctx, limit, userID)
}

// QueryUserActivity composes a user's presence with their recent findings.
func (g *Gateway) QueryUserActivity(ctx context.Context, userID string) (*UserActivityDetail, error) {
	record, err := g.presence.Lookup(ctx, userID)
	if err != nil {
		return nil, err
	}
	activities, err := g.detector.Recent(ctx, 0, userID)
	if err != nil {
		return nil, err
	}
	if activities == nil {
		activities = []*SuspiciousActivityEvent{}
	}
	return &UserActivityDetail{UserID: userID, Presence: record, Activities: activities}, nil
}

// QueryStats summarizes live state.
func (g *Gateway) QueryStats(ctx context.Context) (*AdminStats, error) {
	users, err := g.presence.ActiveUsers(ctx)
	if err != nil {
		return nil, err
	}
	recent, err := g.detector.Recent(ctx, 0, "")
	if err != nil {
		return nil, err
	}
	admins, err := g.presence.ConnectedAdminCount(ctx)
	if err != nil {
		return nil, err
	}
	return &AdminStats{
		ActiveUserCount:       len(users),
		RecentSuspiciousCount: len(recent),
		ConnectedAdminCount:   admins,
	}, nil
}

// Snapshot builds the state pushed to a newly registered admin connection.
func (g *Gateway) Snapshot(ctx context.Context) (*SnapshotPayload, error) {
	users, err := g.QueryActiveUsers(ctx)
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []*PresenceRecord{}
	}
	recent, err := g.QueryRecentActivity(ctx, 0, "")
	if err != nil {
		return nil, err
	}
	if recent == nil {
		recent = []*SuspiciousActivityEvent{}
	}
	stats, err := g.QueryStats(ctx)
	if err != nil {
		return nil, err
	}
	return &SnapshotPayload{ActiveUsers: users, RecentActivity: recent, Stats: stats}, nil
}

// broadcast publishes on the relay channel; local delivery happens in the
// subscription handler so instances behave identically.
func (g *Gateway) broadcast(ctx context.Context, env Envelope) {
	if g.pubsub == nil {
		g.deliverLocal(env)
		return
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := g.pubsub.Publish(ctx, g.channel, payload); err != nil {
		g.logger.Warn("broadcast publish failed", map[string]any{"kind": string(env.Kind), "error": err.Error()})
	}
}

func (g *Gateway) deliverLocal(env Envelope) {
	g.mu.RLock()
	senders := make([]AdminSender, 0)
	for _, conns := range g.conns {
		for _, sender := range conns {
			senders = append(senders, sender)
		}
	}
	g.mu.RUnlock()
	for _, sender := range senders {
		if err := sender.Send(env); err != nil {
			g.logger.Warn("admin delivery failed", map[string]any{"kind": string(env.Kind), "error": err.Error()})
		}
	}
}

// LocalAdminConnCount reports connections attached to this instance.
func (g *Gateway) LocalAdminConnCount() int {
	if g == nil {
		return 0
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	total := 0
	for _, conns := range g.conns {
		total += len(conns)
	}
	return total
}
