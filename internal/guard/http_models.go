// Package guard provides HTTP transport models.
package guard

import "time"

type httpErrorResponse struct {
	Error string `json:"error"`
}

type httpRuleRequest struct {
	Method          string `json:"method"`
	EndpointPattern string `json:"endpointPattern"`
	Limit           int64  `json:"limit"`
	WindowSeconds   int64  `json:"windowSeconds"`
}

func toRule(req httpRuleRequest) *RateLimitRule {
	return &RateLimitRule{
		Method:          req.Method,
		EndpointPattern: req.EndpointPattern,
		Limit:           req.Limit,
		WindowSeconds:   req.WindowSeconds,
	}
}

type httpRuleResponse struct {
	Method          string `json:"method"`
	EndpointPattern string `json:"endpointPattern"`
	Limit           int64  `json:"limit"`
	WindowSeconds   int64  `json:"windowSeconds"`
}

func fromRule(rule *RateLimitRule) httpRuleResponse {
	if rule == nil {
		return httpRuleResponse{}
	}
	return httpRuleResponse{
		Method:          rule.Method,
		EndpointPattern: rule.EndpointPattern,
		Limit:           rule.Limit,
		WindowSeconds:   rule.WindowSeconds,
	}
}

type httpCleanupRequest struct {
	ThresholdMinutes int64 `json:"thresholdMinutes"`
}

type httpCleanupResponse struct {
	Removed []*PresenceRecord `json:"removed"`
}

type httpPresenceResponse struct {
	UserID         string    `json:"userId"`
	Email          string    `json:"email"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	ConnectionID   string    `json:"connectionId"`
}

func fromPresence(record *PresenceRecord) httpPresenceResponse {
	if record == nil {
		return httpPresenceResponse{}
	}
	return httpPresenceResponse{
		UserID:         record.UserID,
		Email:          record.Email,
		ConnectedAt:    record.ConnectedAt,
		LastActivityAt: record.LastActivityAt,
		ConnectionID:   record.ConnectionID,
	}
}
