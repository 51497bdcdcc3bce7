// Package guard wires the services into a runnable application.
package guard

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// Application owns the wired services and their lifecycle.
type Application struct {
	cfg *Config

	Store       CounterStore
	PubSub      PubSub
	Rules       *RuleService
	Enforcer    *Enforcer
	Detector    *Detector
	Presence    *PresenceTracker
	Gateway     *Gateway
	Interceptor *Interceptor
	WS          *WSTransport
	HTTP        *HTTPTransport
	Breaker     *CircuitBreaker

	metrics Metrics
	prom    *PromMetrics
	logger  Logger

	ready   atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	started atomic.Bool
}

// NewApplication builds and wires the services from cfg. Nil collaborators
// get defaults: an in-memory store and pubsub unless a redis address is
// configured, a production zap logger, and prometheus metrics.
func NewApplication(cfg *Config) (*Application, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	logger := cfg.Logger
	if logger == nil {
		zl, err := NewProductionLogger()
		if err != nil {
			return nil, err
		}
		logger = zl
	}

	metrics := cfg.Metrics
	var prom *PromMetrics
	if metrics == nil {
		prom = NewPromMetrics()
		metrics = prom
	}

	store := cfg.Store
	pubsub := cfg.PubSub
	if store == nil {
		if cfg.Redis.Addr != "" && !cfg.UseInMemoryStore {
			client := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			store = NewRedisStoreWithClient(client)
			if pubsub == nil {
				pubsub = NewRedisPubSub(client)
			}
		} else {
			store = NewInMemoryStore(nil)
		}
	}
	if pubsub == nil {
		pubsub = NewInMemoryPubSub()
	}

	breaker := NewCircuitBreaker(cfg.Breaker)
	rules := NewRuleService(store, pubsub, cfg.RuleChannel, logger)
	enforcer := NewEnforcer(store, breaker, metrics, logger)
	detector := NewDetector(store, metrics, logger, cfg.Detector)
	presence := NewPresenceTracker(store, metrics, logger, cfg.PresenceTTL, cfg.AdminSocketTTL, cfg.IdleThreshold)
	gateway := NewGateway(presence, detector, pubsub, cfg.BroadcastChannel, metrics, logger)

	// Break the collaboration cycles after construction.
	detector.SetBroadcaster(gateway)
	enforcer.SetAbuseSink(detector)

	interceptor := NewInterceptor(rules, enforcer, detector, metrics, logger, cfg.DownloadPath)
	ws := NewWSTransport(presence, gateway, detector, cfg.Accounts, metrics, logger, cfg.HeartbeatInterval)

	app := &Application{
		cfg:         cfg,
		Store:       store,
		PubSub:      pubsub,
		Rules:       rules,
		Enforcer:    enforcer,
		Detector:    detector,
		Presence:    presence,
		Gateway:     gateway,
		Interceptor: interceptor,
		WS:          ws,
		Breaker:     breaker,
		metrics:     metrics,
		prom:        prom,
		logger:      logger,
	}

	httpTransport := NewHTTPTransport(HTTPTransportOptions{
		Addr:         cfg.HTTPListenAddr,
		EnableAuth:   cfg.EnableAuth,
		AdminToken:   cfg.AdminToken,
		MaxBodyBytes: cfg.MaxBodyBytes,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}, app.Ready)
	httpTransport.metrics = prom
	httpTransport.logger = logger
	if err := httpTransport.Serve(rules, gateway, presence, interceptor, ws); err != nil {
		return nil, err
	}
	if cfg.Protected != nil {
		httpTransport.SetProtected(cfg.Protected, cfg.Identity)
	}
	app.HTTP = httpTransport
	return app, nil
}

// Start brings up the subscriptions and background loops and begins
// serving HTTP. It returns once the loops are running.
func (a *Application) Start(ctx context.Context) error {
	if a == nil {
		return errors.New("application is nil")
	}
	if !a.started.CompareAndSwap(false, true) {
		return errors.New("application already started")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.Rules.Refresh(runCtx); err != nil {
		a.logger.Warn("initial rule refresh failed", map[string]any{"error": err.Error()})
	}
	if err := a.Rules.SubscribeInvalidations(runCtx); err != nil {
		cancel()
		return err
	}
	if err := a.Gateway.Start(runCtx); err != nil {
		cancel()
		return err
	}

	group, groupCtx := errgroup.WithContext(runCtx)
	a.group = group
	group.Go(func() error {
		return a.Rules.SyncLoop(groupCtx, a.cfg.RuleSyncInterval)
	})
	group.Go(func() error {
		a.healthLoop(groupCtx)
		return nil
	})
	group.Go(func() error {
		return a.HTTP.Start()
	})

	a.ready.Store(true)
	a.logger.Info("application started", map[string]any{"addr": a.cfg.HTTPListenAddr})
	return nil
}

// Shutdown stops the transports and background loops.
func (a *Application) Shutdown(ctx context.Context) error {
	if a == nil {
		return nil
	}
	a.ready.Store(false)
	if ctx == nil {
		ctx = context.Background()
	}
	var errs []error
	if a.HTTP != nil {
		if err := a.HTTP.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.group != nil {
		if err := a.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Ready reports whether startup completed and the application is serving.
func (a *Application) Ready() bool {
	return a != nil && a.ready.Load()
}

// healthLoop pings the store and drives the degraded gauge. A failed ping
// flips degraded mode; the next successful ping clears it.
func (a *Application) healthLoop(ctx context.Context) {
	interval := a.cfg.HealthInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	degraded := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := a.Store.Ping(pingCtx)
			cancel()
			if err != nil {
				if !degraded {
					degraded = true
					a.metrics.SetDegraded(true)
					a.logger.Error("store unreachable, entering degraded mode", map[string]any{"error": err.Error()})
				}
				continue
			}
			if degraded {
				degraded = false
				a.metrics.SetDegraded(false)
				a.logger.Info("store reachable, leaving degraded mode", nil)
			}
		}
	}
}
