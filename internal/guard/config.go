// Package guard provides configuration for the application wiring.
package guard

import (
	"net/http"
	"time"
)

// Config captures dependency and runtime settings.
type Config struct {
	HTTPListenAddr   string
	EnableAuth       bool
	AdminToken       string
	Redis            RedisOptions
	UseInMemoryStore bool

	RuleChannel      string
	BroadcastChannel string
	RuleSyncInterval time.Duration
	HealthInterval   time.Duration

	PresenceTTL       time.Duration
	AdminSocketTTL    time.Duration
	HeartbeatInterval time.Duration
	IdleThreshold     time.Duration

	Detector DetectorOptions
	Breaker  CircuitOptions

	DownloadPath     string
	MaxBodyBytes     int64
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// Injected collaborators; nil fields get defaults during wiring.
	Store    CounterStore
	PubSub   PubSub
	Accounts AccountDirectory
	Logger   Logger
	Metrics  Metrics

	// Protected is the embedding application's API handler, mounted behind
	// the interceptor.
	Protected http.Handler
	Identity  IdentityResolver
}

// DefaultConfig returns runtime defaults.
func DefaultConfig() *Config {
	return &Config{
		HTTPListenAddr:    ":8080",
		RuleChannel:       "guard:rules",
		BroadcastChannel:  "guard:broadcast",
		RuleSyncInterval:  30 * time.Second,
		HealthInterval:    5 * time.Second,
		PresenceTTL:       10 * time.Minute,
		AdminSocketTTL:    30 * time.Minute,
		HeartbeatInterval: 60 * time.Second,
		IdleThreshold:     30 * time.Minute,
		Detector: DetectorOptions{
			Cap:         100,
			BurstLimit:  5,
			BurstWindow: time.Minute,
		},
		DownloadPath: "/api/feedback/report",
		MaxBodyBytes: defaultMaxBodyBytes,
	}
}
