// Package guard provides the HTTP transport.
package guard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// HTTPTransport serves the admin surface, the socket endpoints and an
// optional protected application handler behind the interceptor.
type HTTPTransport struct {
	addr        string
	srv         *http.Server
	rules       *RuleService
	gateway     *Gateway
	presence    *PresenceTracker
	interceptor *Interceptor
	ws          *WSTransport
	identity    IdentityResolver
	protected   http.Handler
	metrics     *PromMetrics
	logger      Logger
	appReady    func() bool

	enableAuth   bool
	adminToken   string
	maxBodyBytes int64
	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	mux http.Handler
	mu  sync.Mutex
}

// HTTPTransportOptions configures the transport.
type HTTPTransportOptions struct {
	Addr         string
	EnableAuth   bool
	AdminToken   string
	MaxBodyBytes int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// NewHTTPTransport constructs a transport bound to an address.
func NewHTTPTransport(opts HTTPTransportOptions, ready func() bool) *HTTPTransport {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if ready == nil {
		ready = func() bool { return false }
	}
	return &HTTPTransport{
		addr:         opts.Addr,
		appReady:     ready,
		enableAuth:   opts.EnableAuth,
		adminToken:   opts.AdminToken,
		maxBodyBytes: opts.MaxBodyBytes,
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
		idleTimeout:  opts.IdleTimeout,
	}
}

// Serve registers the services exposed over HTTP.
func (t *HTTPTransport) Serve(rules *RuleService, gateway *Gateway, presence *PresenceTracker, interceptor *Interceptor, ws *WSTransport) error {
	if rules == nil || gateway == nil || presence == nil {
		return errors.New("rules, gateway and presence are required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules = rules
	t.gateway = gateway
	t.presence = presence
	t.interceptor = interceptor
	t.ws = ws
	return nil
}

// SetProtected mounts the embedding application's API handler behind the
// interceptor under /api.
func (t *HTTPTransport) SetProtected(handler http.Handler, resolver IdentityResolver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.protected = handler
	t.identity = resolver
}

// Start begins serving HTTP requests.
func (t *HTTPTransport) Start() error {
	if t == nil {
		return errors.New("http transport is nil")
	}
	handler, err := t.handler()
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.srv == nil {
		t.srv = &http.Server{
			Addr:         t.addr,
			Handler:      handler,
			ReadTimeout:  t.readTimeout,
			WriteTimeout: t.writeTimeout,
			IdleTimeout:  t.idleTimeout,
		}
	}
	srv := t.srv
	t.mu.Unlock()

	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server.
func (t *HTTPTransport) Shutdown(ctx context.Context) error {
	if t == nil {
		return errors.New("http transport is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	srv := t.srv
	t.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (t *HTTPTransport) Handler() (http.Handler, error) {
	return t.handler()
}

func (t *HTTPTransport) handler() (http.Handler, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mux != nil {
		return t.mux, nil
	}
	if t.rules == nil || t.gateway == nil || t.presence == nil {
		return nil, errors.New("services must be registered before starting")
	}

	router := chi.NewRouter()
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	router.Route("/v1/admin", func(r chi.Router) {
		r.Use(t.requireAdminToken)
		r.Post("/ratelimits", t.handleUpsertRule)
		r.Delete("/ratelimits", t.handleDeleteRule)
		r.Get("/ratelimits", t.handleListRules)
		r.Get("/active-users", t.handleActiveUsers)
		r.Get("/suspicious", t.handleSuspicious)
		r.Get("/user-activity", t.handleUserActivity)
		r.Get("/stats", t.handleStats)
		r.Post("/cleanup", t.handleCleanup)
	})

	if t.ws != nil {
		router.Get("/ws/user", t.ws.HandleUser)
		router.Get("/ws/admin", t.ws.HandleAdmin)
	}

	if t.protected != nil && t.interceptor != nil {
		resolver := t.identity
		if resolver == nil {
			resolver = HeaderIdentityResolver{}
		}
		router.Route("/api", func(r chi.Router) {
			r.Use(identityMiddleware(resolver))
			r.Use(t.interceptor.Middleware)
			r.Mount("/", t.protected)
		})
	}

	router.Get("/healthz", t.handleHealth)
	router.Get("/readyz", t.handleReady)
	if t.metrics != nil {
		router.Method(http.MethodGet, "/metrics", t.metrics.Handler())
	}

	t.mux = router
	return router, nil
}

func identityMiddleware(resolver IdentityResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := ContextWithIdentity(r.Context(), resolver.Resolve(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (t *HTTPTransport) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t.enableAuth {
			expected := "Bearer " + t.adminToken
			if r.Header.Get("Authorization") != expected {
				t.writeError(w, r, http.StatusUnauthorized, Wrap(CodeUnauthorized, "unauthorized", nil))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
