// Package guard provides the per-request interception middleware.
package guard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"
)

type contextKey int

const identityContextKey contextKey = iota

// ContextWithIdentity attaches a verified identity to a request context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// IdentityFromContext extracts the identity, zero when absent.
func IdentityFromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(identityContextKey).(Identity)
	return id
}

// IdentityResolver is the external authentication collaborator: it hands the
// interceptor an already verified identity.
type IdentityResolver interface {
	Resolve(r *http.Request) Identity
}

// HeaderIdentityResolver trusts identity headers set by the upstream auth
// layer.
type HeaderIdentityResolver struct{}

// Resolve reads X-User-ID and X-User-Role.
func (HeaderIdentityResolver) Resolve(r *http.Request) Identity {
	return Identity{
		UserID:  r.Header.Get("X-User-ID"),
		IsAdmin: r.Header.Get("X-User-Role") == "admin",
	}
}

// DenialEnvelope is the standardized body for a quota denial.
type DenialEnvelope struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Timestamp  string `json:"timestamp"`
	Path       string `json:"path"`
}

// Interceptor is the boundary adapter invoked per request: it resolves the
// rule, enforces the quota, and either proceeds or rejects with rate-limit
// headers and a standardized envelope.
type Interceptor struct {
	rules        *RuleService
	enforcer     *Enforcer
	detector     *Detector
	metrics      Metrics
	logger       Logger
	downloadPath string
	now          func() time.Time
}

// NewInterceptor constructs an interceptor. downloadPath names the one GET
// route that does not bypass enforcement.
func NewInterceptor(rules *RuleService, enforcer *Enforcer, detector *Detector, metrics Metrics, logger Logger, downloadPath string) *Interceptor {
	if metrics == nil {
		metrics = NewInMemoryMetrics()
	}
	if logger == nil {
		logger = NopLogger{}
	}
	if downloadPath == "" {
		downloadPath = "/api/feedback/report"
	}
	return &Interceptor{
		rules:        rules,
		enforcer:     enforcer,
		detector:     detector,
		metrics:      metrics,
		logger:       logger,
		downloadPath: NormalizePath(downloadPath),
		now:          time.Now,
	}
}

// Middleware wraps a handler with quota enforcement.
func (i *Interceptor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := IdentityFromContext(r.Context())
		path := NormalizePath(r.URL.Path)

		// Privilege short-circuit, evaluated before rule lookup.
		if identity.IsAdmin {
			next.ServeHTTP(w, r)
			return
		}
		if r.Method == http.MethodGet && path != i.downloadPath {
			next.ServeHTTP(w, r)
			return
		}

		subject := identity.Subject(r.RemoteAddr)
		action := ClassifyAction(path)
		i.detector.NoteRequest(r.Context(), subject, "")

		rule := i.rules.FindRule(r.Method, path)
		if rule == nil {
			i.serve(next, w, r, subject, action)
			return
		}

		decision, err := i.enforcer.Enforce(r.Context(), rule, subject)
		if err != nil {
			// Fail closed for the enforced action only: silently waving
			// abusive traffic through would defeat the subsystem.
			i.logger.Error("enforcement unavailable", map[string]any{
				"subject": string(subject),
				"method":  r.Method,
				"path":    path,
				"error":   err.Error(),
			})
			i.writeDenial(w, r, http.StatusServiceUnavailable, "Rate limit check unavailable")
			return
		}

		i.setHeaders(w, decision)
		i.metrics.IncDecision(action, decision.Allowed)
		if decision.Allowed {
			i.serve(next, w, r, subject, action)
			return
		}

		if _, err := i.detector.Record(r.Context(), ActivityRateLimitAbuse, SubjectContext{
			UserID:  subject.UserID(),
			Details: string(subject) + " exceeded " + strconv.FormatInt(rule.Limit, 10) + " requests on " + r.Method + " " + path,
		}); err != nil {
			i.logger.Warn("quota-exceeded record failed", map[string]any{"subject": string(subject), "error": err.Error()})
		}
		i.writeDenial(w, r, http.StatusTooManyRequests, "Too Many Requests")
	})
}

// serve runs the downstream handler. Login requests are watched for a
// rejected credential outcome, which feeds the detector.
func (i *Interceptor) serve(next http.Handler, w http.ResponseWriter, r *http.Request, subject Subject, action ActionClass) {
	if action != ActionLogin {
		next.ServeHTTP(w, r)
		return
	}
	capture := &statusCapture{ResponseWriter: w}
	next.ServeHTTP(capture, r)
	if capture.status == http.StatusUnauthorized || capture.status == http.StatusForbidden {
		i.detector.NoteFailedLogin(r.Context(), subject, "")
	}
}

// statusCapture remembers the status code written downstream.
type statusCapture struct {
	http.ResponseWriter
	status int
}

func (c *statusCapture) WriteHeader(status int) {
	c.status = status
	c.ResponseWriter.WriteHeader(status)
}

// Check evaluates a request outside the HTTP stack; used by tests and other
// transports. It mirrors Middleware without writing a response.
func (i *Interceptor) Check(ctx context.Context, method, path string, identity Identity, remoteAddr string) (*Decision, error) {
	if i == nil {
		return nil, errors.New("interceptor is nil")
	}
	path = NormalizePath(path)
	if identity.IsAdmin || (method == http.MethodGet && path != i.downloadPath) {
		return nil, nil
	}
	rule := i.rules.FindRule(method, path)
	if rule == nil {
		return nil, nil
	}
	return i.enforcer.Enforce(ctx, rule, identity.Subject(remoteAddr))
}

func (i *Interceptor) setHeaders(w http.ResponseWriter, decision *Decision) {
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
	headers.Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
	headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
}

func (i *Interceptor) writeDenial(w http.ResponseWriter, r *http.Request, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(DenialEnvelope{
		Success:    false,
		StatusCode: status,
		Message:    message,
		Timestamp:  i.now().UTC().Format(time.RFC3339),
		Path:       r.URL.Path,
	})
}
