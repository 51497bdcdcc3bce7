package guard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestApplication(t *testing.T, mutate func(cfg *Config)) *Application {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Logger = NopLogger{}
	cfg.Metrics = NewInMemoryMetrics()
	cfg.Store = NewInMemoryStore(nil)
	cfg.PubSub = NewInMemoryPubSub()
	if mutate != nil {
		mutate(cfg)
	}
	app, err := NewApplication(cfg)
	require.NoError(t, err)
	return app
}

func TestNewApplication_WiresCollaborators(t *testing.T) {
	t.Parallel()

	app := newTestApplication(t, nil)
	require.NotNil(t, app.Rules)
	require.NotNil(t, app.Enforcer)
	require.NotNil(t, app.Detector)
	require.NotNil(t, app.Presence)
	require.NotNil(t, app.Gateway)
	require.NotNil(t, app.Interceptor)
	require.NotNil(t, app.WS)
	require.NotNil(t, app.HTTP)
	require.False(t, app.Ready())
}

func TestApplication_EndToEndThroughHandler(t *testing.T) {
	t.Parallel()

	app := newTestApplication(t, func(cfg *Config) {
		cfg.Protected = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})
	ctx := context.Background()
	require.NoError(t, app.Rules.UpsertRule(ctx, &RateLimitRule{
		Method: "POST", EndpointPattern: "/api/feedback", Limit: 2, WindowSeconds: 60,
	}))

	handler, err := app.HTTP.Handler()
	require.NoError(t, err)

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/feedback", nil)
		req.Header.Set("X-User-ID", "caller")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, do().Code)
	require.Equal(t, http.StatusOK, do().Code)
	require.Equal(t, http.StatusTooManyRequests, do().Code)

	// The denial leaves an abuse event behind and the enforcer's sink is the
	// detector, so the wiring is observable end to end.
	events, err := app.Detector.Recent(ctx, 0, "")
	require.NoError(t, err)
	require.NotEmpty(t, events)
}

func TestApplication_StartAndShutdown(t *testing.T) {
	t.Parallel()

	app := newTestApplication(t, func(cfg *Config) {
		cfg.HTTPListenAddr = "127.0.0.1:0"
		cfg.HealthInterval = 10 * time.Millisecond
	})
	ctx := context.Background()
	require.NoError(t, app.Start(ctx))
	require.True(t, app.Ready())
	require.Error(t, app.Start(ctx), "double start is rejected")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, app.Shutdown(shutdownCtx))
	require.False(t, app.Ready())
}

func TestApplication_HealthLoopFlipsDegraded(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore(nil)
	metrics := NewInMemoryMetrics()
	app := newTestApplication(t, func(cfg *Config) {
		cfg.Store = store
		cfg.Metrics = metrics
		cfg.HTTPListenAddr = "127.0.0.1:0"
		cfg.HealthInterval = 10 * time.Millisecond
	})
	ctx := context.Background()
	require.NoError(t, app.Start(ctx))
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Shutdown(shutdownCtx)
	})

	store.SetHealthy(false)
	require.Eventually(t, func() bool { return metrics.Degraded() }, 2*time.Second, 10*time.Millisecond)

	store.SetHealthy(true)
	require.Eventually(t, func() bool { return !metrics.Degraded() }, 2*time.Second, 10*time.Millisecond)
}
