// Package guard loads configuration from file and environment.
package guard

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	HTTPListenAddr   string       `yaml:"httpListenAddr"`
	EnableAuth       bool         `yaml:"enableAuth"`
	AdminToken       string       `yaml:"adminToken"`
	Redis            RedisOptions `yaml:"redis"`
	UseInMemoryStore bool         `yaml:"useInMemoryStore"`

	RuleChannel             string `yaml:"ruleChannel"`
	BroadcastChannel        string `yaml:"broadcastChannel"`
	RuleSyncIntervalSeconds int64  `yaml:"ruleSyncIntervalSeconds"`
	HealthIntervalSeconds   int64  `yaml:"healthIntervalSeconds"`

	PresenceTTLSeconds       int64 `yaml:"presenceTtlSeconds"`
	AdminSocketTTLSeconds    int64 `yaml:"adminSocketTtlSeconds"`
	HeartbeatIntervalSeconds int64 `yaml:"heartbeatIntervalSeconds"`
	IdleThresholdMinutes     int64 `yaml:"idleThresholdMinutes"`

	SuspiciousCap      int64 `yaml:"suspiciousCap"`
	BurstLimit         int64 `yaml:"burstLimit"`
	BurstWindowSeconds int64 `yaml:"burstWindowSeconds"`

	BreakerFailureThreshold int64 `yaml:"breakerFailureThreshold"`
	BreakerOpenMillis       int64 `yaml:"breakerOpenMillis"`

	DownloadPath string `yaml:"downloadPath"`
	MaxBodyBytes int64  `yaml:"maxBodyBytes"`
}

// LoadConfig builds a Config from defaults, an optional YAML file, and
// environment variables, in that order of precedence (environment last).
func LoadConfig(path string) (*Config, error) {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, err
		}
		applyFileConfig(cfg, &fc)
	}
	applyEnv(cfg)
	return cfg, nil
}

func applyFileConfig(cfg *Config, fc *fileConfig) {
	if fc.HTTPListenAddr != "" {
		cfg.HTTPListenAddr = fc.HTTPListenAddr
	}
	cfg.EnableAuth = cfg.EnableAuth || fc.EnableAuth
	if fc.AdminToken != "" {
		cfg.AdminToken = fc.AdminToken
	}
	if fc.Redis.Addr != "" {
		cfg.Redis = fc.Redis
	}
	cfg.UseInMemoryStore = cfg.UseInMemoryStore || fc.UseInMemoryStore
	if fc.RuleChannel != "" {
		cfg.RuleChannel = fc.RuleChannel
	}
	if fc.BroadcastChannel != "" {
		cfg.BroadcastChannel = fc.BroadcastChannel
	}
	if fc.RuleSyncIntervalSeconds > 0 {
		cfg.RuleSyncInterval = time.Duration(fc.RuleSyncIntervalSeconds) * time.Second
	}
	if fc.HealthIntervalSeconds > 0 {
		cfg.HealthInterval = time.Duration(fc.HealthIntervalSeconds) * time.Second
	}
	if fc.PresenceTTLSeconds > 0 {
		cfg.PresenceTTL = time.Duration(fc.PresenceTTLSeconds) * time.Second
	}
	if fc.AdminSocketTTLSeconds > 0 {
		cfg.AdminSocketTTL = time.Duration(fc.AdminSocketTTLSeconds) * time.Second
	}
	if fc.HeartbeatIntervalSeconds > 0 {
		cfg.HeartbeatInterval = time.Duration(fc.HeartbeatIntervalSeconds) * time.Second
	}
	if fc.IdleThresholdMinutes > 0 {
		cfg.IdleThreshold = time.Duration(fc.IdleThresholdMinutes) * time.Minute
	}
	if fc.SuspiciousCap > 0 {
		cfg.Detector.Cap = fc.SuspiciousCap
	}
	if fc.BurstLimit > 0 {
		cfg.Detector.BurstLimit = fc.BurstLimit
	}
	if fc.BurstWindowSeconds > 0 {
		cfg.Detector.BurstWindow = time.Duration(fc.BurstWindowSeconds) * time.Second
	}
	if fc.BreakerFailureThreshold > 0 {
		cfg.Breaker.FailureThreshold = fc.BreakerFailureThreshold
	}
	if fc.BreakerOpenMillis > 0 {
		cfg.Breaker.OpenDuration = time.Duration(fc.BreakerOpenMillis) * time.Millisecond
	}
	if fc.DownloadPath != "" {
		cfg.DownloadPath = fc.DownloadPath
	}
	if fc.MaxBodyBytes > 0 {
		cfg.MaxBodyBytes = fc.MaxBodyBytes
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("GUARD_HTTP_ADDR"); v != "" {
		cfg.HTTPListenAddr = v
	}
	if v := os.Getenv("GUARD_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("GUARD_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("GUARD_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv("GUARD_ADMIN_TOKEN"); v != "" {
		cfg.AdminToken = v
		cfg.EnableAuth = true
	}
	if v := os.Getenv("GUARD_ENABLE_AUTH"); v != "" {
		cfg.EnableAuth = v == "true" || v == "1"
	}
	if v := os.Getenv("GUARD_INMEMORY_STORE"); v != "" {
		cfg.UseInMemoryStore = v == "true" || v == "1"
	}
}
