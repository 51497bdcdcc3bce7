// Package guard provides HTTP handlers.
package guard

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"
)

const defaultMaxBodyBytes = 1 << 20

func (t *HTTPTransport) handleUpsertRule(w http.ResponseWriter, r *http.Request) {
	var req httpRuleRequest
	if err := t.decodeJSON(w, r, &req); err != nil {
		t.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := t.rules.UpsertRule(r.Context(), toRule(req)); err != nil {
		t.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fromRule(t.rules.FindRule(req.Method, NormalizePattern(req.EndpointPattern))))
}

func (t *HTTPTransport) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	method := query.Get("method")
	pattern := query.Get("endpointPattern")
	if method == "" || pattern == "" {
		t.writeError(w, r, http.StatusBadRequest, ErrInvalidRule)
		return
	}
	if err := t.rules.DeleteRule(r.Context(), method, pattern); err != nil {
		t.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (t *HTTPTransport) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := t.rules.ListRules(r.Context())
	if err != nil {
		t.writeAppError(w, r, err)
		return
	}
	resp := make([]httpRuleResponse, len(rules))
	for i, rule := range rules {
		resp[i] = fromRule(rule)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (t *HTTPTransport) handleActiveUsers(w http.ResponseWriter, r *http.Request) {
	users, err := t.gateway.QueryActiveUsers(r.Context())
	if err != nil {
		t.writeAppError(w, r, err)
		return
	}
	resp := make([]httpPresenceResponse, len(users))
	for i, user := range users {
		resp[i] = fromPresence(user)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (t *HTTPTransport) handleSuspicious(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var limit int64
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			t.writeError(w, r, http.StatusBadRequest, Wrap(CodeInvalidMessage, "limit must be an integer", err))
			return
		}
		limit = parsed
	}
	events, err := t.gateway.QueryRecentActivity(r.Context(), limit, query.Get("userId"))
	if err != nil {
		t.writeAppError(w, r, err)
		return
	}
	if events == nil {
		events = []*SuspiciousActivityEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (t *HTTPTransport) handleUserActivity(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		t.writeError(w, r, http.StatusBadRequest, Wrap(CodeInvalidMessage, "userId is required", nil))
		return
	}
	detail, err := t.gateway.QueryUserActivity(r.Context(), userID)
	if err != nil {
		t.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (t *HTTPTransport) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := t.gateway.QueryStats(r.Context())
	if err != nil {
		t.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (t *HTTPTransport) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req httpCleanupRequest
	if r.ContentLength > 0 {
		if err := t.decodeJSON(w, r, &req); err != nil {
			t.writeError(w, r, http.StatusBadRequest, err)
			return
		}
	}
	removed, err := t.presence.CleanupInactive(r.Context(), time.Duration(req.ThresholdMinutes)*time.Minute)
	if err != nil {
		t.writeAppError(w, r, err)
		return
	}
	t.gateway.NotifyCleanup(r.Context())
	if removed == nil {
		removed = []*PresenceRecord{}
	}
	writeJSON(w, http.StatusOK, httpCleanupResponse{Removed: removed})
}

func (t *HTTPTransport) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (t *HTTPTransport) handleReady(w http.ResponseWriter, r *http.Request) {
	if t.appReady != nil && t.appReady() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

func (t *HTTPTransport) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return Wrap(CodeInvalidMessage, "body is required", nil)
	}
	maxBytes := t.maxBodyBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBodyBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return Wrap(CodeInvalidMessage, "malformed body", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return Wrap(CodeInvalidMessage, "trailing content", nil)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (t *HTTPTransport) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if t != nil {
		t.logRequestError(r, status, err)
	}
	writeJSON(w, status, httpErrorResponse{Error: err.Error()})
}

func (t *HTTPTransport) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	t.writeError(w, r, statusForCode(CodeOf(err)), err)
}

func statusForCode(code ErrorCode) int {
	switch code {
	case CodeInvalidRule, CodeInvalidMessage:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeNotAuthenticated, CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (t *HTTPTransport) logRequestError(r *http.Request, status int, err error) {
	if t == nil || t.logger == nil || r == nil || err == nil {
		return
	}
	fields := map[string]any{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": status,
		"error":  err.Error(),
	}
	if status >= http.StatusInternalServerError {
		t.logger.Error("http request error", fields)
		return
	}
	t.logger.Info("http request error", fields)
}
