// Package guard defines the socket message envelope and payloads.
package guard

import (
	"bytes"
	"encoding/json"
)

// MessageKind tags an envelope. The set is closed; unknown kinds are rejected.
type MessageKind string

// Inbound kinds.
const (
	KindHello           MessageKind = "hello"
	KindHeartbeat       MessageKind = "heartbeat"
	KindUserActivity    MessageKind = "user-activity"
	KindGetActiveUsers  MessageKind = "get-active-users"
	KindGetSuspicious   MessageKind = "get-suspicious-activities"
	KindGetUserActivity MessageKind = "get-user-activity"
	KindCleanupInactive MessageKind = "cleanup-inactive-users"
	KindGetAdminStats   MessageKind = "get-admin-stats"
)

// Outbound kinds. KindPresenceChange shares its wire tag with the inbound
// activity refresh; the two travel in opposite directions.
const (
	KindHelloAck           MessageKind = "hello-ack"
	KindHeartbeatAck       MessageKind = "heartbeat-ack"
	KindError              MessageKind = "error"
	KindSessionExpired     MessageKind = "session-expired"
	KindPresenceChange     MessageKind = "user-activity"
	KindSuspicious         MessageKind = "suspicious-activity"
	KindActiveUsers        MessageKind = "active-users"
	KindActiveUsersUpdated MessageKind = "active-users-updated"
	KindUserDetail         MessageKind = "user-activity-detail"
	KindAdminStats         MessageKind = "admin-stats"
	KindSnapshot           MessageKind = "snapshot"
)

// Envelope is the tagged wire frame for every socket message.
type Envelope struct {
	Kind MessageKind     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope wraps a payload in an envelope.
func NewEnvelope(kind MessageKind, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Kind: kind}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: kind, Data: data}, nil
}

// DecodeEnvelope parses a frame strictly; trailing or malformed content is an
// error.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	decoder := json.NewDecoder(bytes.NewReader(frame))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&env); err != nil {
		return Envelope{}, Wrap(CodeInvalidMessage, "malformed message", err)
	}
	if env.Kind == "" {
		return Envelope{}, Wrap(CodeInvalidMessage, "message kind is required", nil)
	}
	return env, nil
}

// DecodePayload parses an envelope payload into dst.
func DecodePayload(env Envelope, dst any) error {
	if len(env.Data) == 0 {
		return Wrap(CodeInvalidMessage, "payload is required", nil)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return Wrap(CodeInvalidMessage, "malformed payload", err)
	}
	return nil
}

// HelloPayload is the connection handshake for both roles.
type HelloPayload struct {
	UserID  string `json:"userId,omitempty"`
	Email   string `json:"email,omitempty"`
	AdminID string `json:"adminId,omitempty"`
	IsAdmin bool   `json:"isAdmin,omitempty"`
}

// ErrorPayload carries a machine-readable rejection reason.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PresenceChangePayload announces a presence join or leave.
type PresenceChangePayload struct {
	Kind   string          `json:"kind"`
	Record *PresenceRecord `json:"record"`
}

// Presence change kinds.
const (
	PresenceJoined = "USER_JOINED"
	PresenceLeft   = "USER_LEFT"
)

// GetSuspiciousPayload filters the recent-activity query.
type GetSuspiciousPayload struct {
	Limit  int64  `json:"limit,omitempty"`
	UserID string `json:"userId,omitempty"`
}

// GetUserActivityPayload names the queried user.
type GetUserActivityPayload struct {
	UserID string `json:"userId"`
}

// CleanupPayload overrides the idle-eviction threshold.
type CleanupPayload struct {
	ThresholdMinutes int64 `json:"thresholdMinutes,omitempty"`
}

// SnapshotPayload is pushed to a newly registered admin connection.
type SnapshotPayload struct {
	ActiveUsers    []*PresenceRecord          `json:"activeUsers"`
	RecentActivity []*SuspiciousActivityEvent `json:"recentActivity"`
	Stats          *AdminStats                `json:"stats"`
}

// ActiveUsersPayload answers the active-users query and the post-cleanup
// notification.
type ActiveUsersPayload struct {
	Users []*PresenceRecord `json:"users"`
}

func errorEnvelope(err error) Envelope {
	code := CodeOf(err)
	if code == "" {
		code = CodeInvalidMessage
	}
	env, _ := NewEnvelope(KindError, ErrorPayload{Code: string(code), Message: err.Error()})
	return env
}
