// Package guard provides store key construction.
package guard

import "strings"

const (
	rulePrefix       = "ratelimit:rule:"
	counterPrefix    = "ratelimit:count:"
	presencePrefix   = "presence:user:"
	adminSockPrefix  = "presence:adminsocks:"
	rapidPrefix      = "suspect:rapid:"
	suspiciousKey    = "suspicious:activities"
	keySeparator     = ":"
)

// RuleKey builds the deterministic store key for a (method, pattern) pair.
func RuleKey(method, endpointPattern string) string {
	return rulePrefix + strings.ToUpper(method) + keySeparator + endpointPattern
}

// CounterKey builds the fixed-window counter key for a rule and subject.
func CounterKey(rule *RateLimitRule, endpoint string, subject Subject) string {
	method := MethodAll
	if rule != nil && rule.Method != "" {
		method = strings.ToUpper(rule.Method)
	}
	return counterPrefix + method + keySeparator + endpoint + keySeparator + string(subject)
}

// PresenceKey builds the presence record key for a user.
func PresenceKey(userID string) string {
	return presencePrefix + userID
}

// AdminSocketKey builds the connection-set key for an administrator.
func AdminSocketKey(adminID string) string {
	return adminSockPrefix + adminID
}

// RapidRequestKey builds the burst-detection counter key for a subject.
func RapidRequestKey(subject Subject) string {
	return rapidPrefix + string(subject)
}
