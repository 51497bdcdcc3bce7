// Package guard serves persistent user and admin connections over WebSocket.
package guard

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const defaultReadLimit = 32 << 10

// WSTransport upgrades and drives persistent connections.
type WSTransport struct {
	presence *PresenceTracker
	gateway  *Gateway
	detector *Detector
	accounts AccountDirectory
	logger   Logger
	metrics  Metrics

	upgrader          websocket.Upgrader
	heartbeatInterval time.Duration
	handshakeTimeout  time.Duration
	writeTimeout      time.Duration
	newConnID         func() string
}

// NewWSTransport constructs the socket transport.
func NewWSTransport(presence *PresenceTracker, gateway *Gateway, detector *Detector, accounts AccountDirectory, metrics Metrics, logger Logger, heartbeatInterval time.Duration) *WSTransport {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 60 * time.Second
	}
	if metrics == nil {
		metrics = NewInMemoryMetrics()
	}
	if logger == nil {
		logger = NopLogger{}
	}
	return &WSTransport{
		presence: presence,
		gateway:  gateway,
		detector: detector,
		accounts: accounts,
		logger:   logger,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		heartbeatInterval: heartbeatInterval,
		handshakeTimeout:  10 * time.Second,
		writeTimeout:      5 * time.Second,
		newConnID:         uuid.NewString,
	}
}

// wsConn serializes writes to one connection.
type wsConn struct {
	conn         *websocket.Conn
	mu           sync.Mutex
	writeTimeout time.Duration
}

// Send writes an envelope under the connection write lock.
func (c *wsConn) Send(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(env)
}

func (c *wsConn) close() {
	_ = c.conn.Close()
}

// readHandshake reads and validates the first frame within the handshake
// deadline.
func (t *WSTransport) readHandshake(conn *websocket.Conn) (HelloPayload, error) {
	_ = conn.SetReadDeadline(time.Now().Add(t.handshakeTimeout))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		return HelloPayload{}, Wrap(CodeNotAuthenticated, "handshake not received", err)
	}
	env, err := DecodeEnvelope(frame)
	if err != nil {
		return HelloPayload{}, err
	}
	if env.Kind != KindHello {
		return HelloPayload{}, Wrap(CodeNotAuthenticated, "handshake must be first", nil)
	}
	var hello HelloPayload
	if err := DecodePayload(env, &hello); err != nil {
		return HelloPayload{}, err
	}
	return hello, nil
}

// HandleUser serves an end-user connection.
func (t *WSTransport) HandleUser(w http.ResponseWriter, r *http.Request) {
	raw, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &wsConn{conn: raw, writeTimeout: t.writeTimeout}
	defer conn.close()
	raw.SetReadLimit(defaultReadLimit)

	hello, err := t.readHandshake(raw)
	if err != nil {
		_ = conn.Send(errorEnvelope(err))
		return
	}

	ctx := r.Context()
	if t.accounts != nil && hello.UserID != "" {
		status, err := t.accounts.Status(ctx, hello.UserID)
		if err == nil && status != AccountActive {
			t.detector.NoteBlockedAccess(ctx, hello.UserID, hello.Email, status)
			_ = conn.Send(errorEnvelope(Wrap(CodeForbidden, "account is "+string(status), nil)))
			return
		}
	}

	connID := t.newConnID()
	record, err := t.presence.Connect(ctx, hello.UserID, hello.Email, connID)
	if err != nil {
		_ = conn.Send(errorEnvelope(err))
		return
	}

	t.metrics.IncConnection("user")
	defer t.metrics.DecConnection("user")

	if ack, err := NewEnvelope(KindHelloAck, record); err == nil {
		_ = conn.Send(ack)
	}
	t.gateway.BroadcastPresenceChange(ctx, PresenceJoined, record)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go t.livenessLoop(loopCtx, conn, hello.UserID)

	t.userReadLoop(loopCtx, raw, conn, hello.UserID)

	// Transport close deletes the record immediately rather than waiting for
	// the TTL safety net.
	cancel()
	left, err := t.presence.Disconnect(context.Background(), hello.UserID)
	if err != nil {
		t.logger.Warn("disconnect cleanup failed", map[string]any{"userId": hello.UserID, "error": err.Error()})
		return
	}
	if left != nil {
		t.gateway.BroadcastPresenceChange(context.Background(), PresenceLeft, left)
	}
}

// livenessLoop periodically verifies the presence record still exists and
// closes sessions the store has already evicted.
func (t *WSTransport) livenessLoop(ctx context.Context, conn *wsConn, userID string) {
	ticker := time.NewTicker(t.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			record, err := t.presence.Lookup(ctx, userID)
			if err != nil {
				continue
			}
			if record == nil {
				_ = conn.Send(Envelope{Kind: KindSessionExpired})
				conn.close()
				return
			}
		}
	}
}

func (t *WSTransport) userReadLoop(ctx context.Context, raw *websocket.Conn, conn *wsConn, userID string) {
	readTimeout := 2 * t.heartbeatInterval
	for {
		_ = raw.SetReadDeadline(time.Now().Add(readTimeout))
		_, frame, err := raw.ReadMessage()
		if err != nil {
			return
		}
		env, err := DecodeEnvelope(frame)
		if err != nil {
			_ = conn.Send(errorEnvelope(err))
			continue
		}
		switch env.Kind {
		case KindHeartbeat:
			record, err := t.presence.Heartbeat(ctx, userID)
			if err != nil {
				_ = conn.Send(Envelope{Kind: KindSessionExpired})
				return
			}
			if ack, err := NewEnvelope(KindHeartbeatAck, record); err == nil {
				_ = conn.Send(ack)
			}
		case KindUserActivity:
			if err := t.presence.Touch(ctx, userID); err != nil {
				t.logger.Warn("activity refresh failed", map[string]any{"userId": userID, "error": err.Error()})
			}
		default:
			_ = conn.Send(errorEnvelope(Wrap(CodeInvalidMessage, "unsupported message kind "+string(env.Kind), nil)))
		}
	}
}

// HandleAdmin serves an administrator connection.
func (t *WSTransport) HandleAdmin(w http.ResponseWriter, r *http.Request) {
	raw, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &wsConn{conn: raw, writeTimeout: t.writeTimeout}
	defer conn.close()
	raw.SetReadLimit(defaultReadLimit)

	hello, err := t.readHandshake(raw)
	if err != nil {
		_ = conn.Send(errorEnvelope(err))
		return
	}
	if !hello.IsAdmin || hello.AdminID == "" {
		_ = conn.Send(errorEnvelope(Wrap(CodeNotAuthenticated, "admin handshake requires adminId and isAdmin", nil)))
		return
	}

	ctx := r.Context()
	connID := t.newConnID()
	if err := t.gateway.Register(ctx, hello.AdminID, connID, conn); err != nil {
		_ = conn.Send(errorEnvelope(err))
		return
	}

	t.metrics.IncConnection("admin")
	defer t.metrics.DecConnection("admin")
	defer t.gateway.Deregister(context.Background(), hello.AdminID, connID)

	t.adminReadLoop(ctx, raw, conn, hello.AdminID)
}

func (t *WSTransport) adminReadLoop(ctx context.Context, raw *websocket.Conn, conn *wsConn, adminID string) {
	readTimeout := 2 * t.heartbeatInterval
	for {
		_ = raw.SetReadDeadline(time.Now().Add(readTimeout))
		_, frame, err := raw.ReadMessage()
		if err != nil {
			return
		}
		env, err := DecodeEnvelope(frame)
		if err != nil {
			_ = conn.Send(errorEnvelope(err))
			continue
		}
		if err := t.presence.TouchAdmin(ctx, adminID); err != nil {
			t.logger.Warn("admin ttl refresh failed", map[string]any{"adminId": adminID, "error": err.Error()})
		}
		t.dispatchAdmin(ctx, conn, env)
	}
}

func (t *WSTransport) dispatchAdmin(ctx context.Context, conn *wsConn, env Envelope) {
	switch env.Kind {
	case KindHeartbeat:
		_ = conn.Send(Envelope{Kind: KindHeartbeatAck})
	case KindGetActiveUsers:
		users, err := t.gateway.QueryActiveUsers(ctx)
		t.reply(conn, KindActiveUsers, ActiveUsersPayload{Users: users}, err)
	case KindGetSuspicious:
		var query GetSuspiciousPayload
		if len(env.Data) > 0 {
			if err := DecodePayload(env, &query); err != nil {
				_ = conn.Send(errorEnvelope(err))
				return
			}
		}
		events, err := t.gateway.QueryRecentActivity(ctx, query.Limit, query.UserID)
		t.reply(conn, KindSuspicious, events, err)
	case KindGetUserActivity:
		var query GetUserActivityPayload
		if err := DecodePayload(env, &query); err != nil {
			_ = conn.Send(errorEnvelope(err))
			return
		}
		detail, err := t.gateway.QueryUserActivity(ctx, query.UserID)
		t.reply(conn, KindUserDetail, detail, err)
	case KindCleanupInactive:
		var query CleanupPayload
		if len(env.Data) > 0 {
			if err := DecodePayload(env, &query); err != nil {
				_ = conn.Send(errorEnvelope(err))
				return
			}
		}
		threshold := time.Duration(query.ThresholdMinutes) * time.Minute
		if _, err := t.presence.CleanupInactive(ctx, threshold); err != nil {
			_ = conn.Send(errorEnvelope(err))
			return
		}
		t.gateway.NotifyCleanup(ctx)
	case KindGetAdminStats:
		stats, err := t.gateway.QueryStats(ctx)
		t.reply(conn, KindAdminStats, stats, err)
	default:
		_ = conn.Send(errorEnvelope(Wrap(CodeInvalidMessage, "unsupported message kind "+string(env.Kind), nil)))
	}
}

func (t *WSTransport) reply(conn *wsConn, kind MessageKind, payload any, err error) {
	if err != nil {
		_ = conn.Send(errorEnvelope(err))
		return
	}
	env, err := NewEnvelope(kind, payload)
	if err != nil {
		return
	}
	_ = conn.Send(env)
}
