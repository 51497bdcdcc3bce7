// Package guard defines core models for rate limiting and abuse monitoring.
package guard

import (
	"context"
	"net"
	"strings"
	"time"
)

// RateLimitRule describes a quota policy for a method and endpoint pattern.
// EndpointPattern is either a literal path or a prefix pattern ending in "/*".
type RateLimitRule struct {
	Method          string `json:"method"`
	EndpointPattern string `json:"endpointPattern"`
	Limit           int64  `json:"limit"`
	WindowSeconds   int64  `json:"windowSeconds"`
}

// Window returns the rule window as a duration.
func (r *RateLimitRule) Window() time.Duration {
	if r == nil || r.WindowSeconds <= 0 {
		return 0
	}
	return time.Duration(r.WindowSeconds) * time.Second
}

// MethodAll matches every HTTP verb.
const MethodAll = "ALL"

var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true,
	"DELETE": true, "HEAD": true, "OPTIONS": true, MethodAll: true,
}

// Decision reports the outcome of an enforcement call.
type Decision struct {
	Allowed   bool
	Used      int64
	Remaining int64
	Limit     int64
	ResetAt   time.Time
}

// Subject is the rate-limit partition key: "user:<id>" or "ip:<addr>".
type Subject string

// UserSubject builds a subject for an authenticated user.
func UserSubject(userID string) Subject {
	return Subject("user:" + userID)
}

// IPSubject builds a subject for an unauthenticated caller address.
// Host:port remote addresses are reduced to the host.
func IPSubject(remoteAddr string) Subject {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return Subject("ip:" + host)
	}
	return Subject("ip:" + remoteAddr)
}

// UserID extracts the user id from a user subject, or "".
func (s Subject) UserID() string {
	if rest, ok := strings.CutPrefix(string(s), "user:"); ok {
		return rest
	}
	return ""
}

// Identity is the verified caller identity attached to a request.
type Identity struct {
	UserID  string
	IsAdmin bool
}

// Subject derives the rate-limit subject for the identity.
func (id Identity) Subject(remoteAddr string) Subject {
	if id.UserID != "" {
		return UserSubject(id.UserID)
	}
	return IPSubject(remoteAddr)
}

// PresenceRecord is the tracked liveness state of a connected end user.
type PresenceRecord struct {
	UserID         string    `json:"userId"`
	Email          string    `json:"email"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	ConnectionID   string    `json:"connectionId"`
}

// ActivityType classifies a recorded anomaly.
type ActivityType string

const (
	ActivityRapidRequests  ActivityType = "RAPID_REQUESTS"
	ActivityFailedLogin    ActivityType = "FAILED_LOGIN"
	ActivityBlockedAccount ActivityType = "BLOCKED_ACCOUNT_ACCESS"
	ActivityRateLimitAbuse ActivityType = "RATE_LIMIT_ABUSE"
)

// SuspiciousActivityEvent is an append-only classified anomaly record.
type SuspiciousActivityEvent struct {
	ID           string       `json:"id"`
	UserID       string       `json:"userId,omitempty"`
	Email        string       `json:"email,omitempty"`
	ActivityType ActivityType `json:"activityType"`
	Details      string       `json:"details"`
	Timestamp    time.Time    `json:"timestamp"`
}

// AccountStatus reports whether an account may access the service.
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountDisabled  AccountStatus = "disabled"
	AccountSuspended AccountStatus = "suspended"
)

// AccountDirectory is the external account-status collaborator.
type AccountDirectory interface {
	Status(ctx context.Context, userID string) (AccountStatus, error)
}

// ActionClass labels a request for observability only.
type ActionClass string

const (
	ActionAPI      ActionClass = "api"
	ActionUpload   ActionClass = "upload"
	ActionDownload ActionClass = "download"
	ActionLogin    ActionClass = "login"
)

// ClassifyAction buckets a path into a fixed action set. The label never
// influences rule matching.
func ClassifyAction(path string) ActionClass {
	switch {
	case strings.HasPrefix(path, "/api/auth"):
		return ActionLogin
	case strings.Contains(path, "/upload"):
		return ActionUpload
	case strings.Contains(path, "/download") || strings.Contains(path, "/report"):
		return ActionDownload
	default:
		return ActionAPI
	}
}

// AdminStats summarizes live service state for administrators.
type AdminStats struct {
	ActiveUserCount       int `json:"activeUserCount"`
	RecentSuspiciousCount int `json:"recentSuspiciousCount"`
	ConnectedAdminCount   int `json:"connectedAdminCount"`
}

// UserActivityDetail composes a user's presence with their recent findings.
type UserActivityDetail struct {
	UserID     string                     `json:"userId"`
	Presence   *PresenceRecord            `json:"presence,omitempty"`
	Activities []*SuspiciousActivityEvent `json:"activities"`
}
