package main

import (
	"flag"
	"fmt"
	"io"
	"time"

	"feedbackguard/internal/guard"
)

func newFlagSet(name string, output io.Writer) *flag.FlagSet {
	if output == nil {
		output = io.Discard
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.String("config", "", "config file path")
	fs.String("http_addr", "", "http listen address")
	fs.String("redis_addr", "", "redis address")
	fs.Int("redis_db", 0, "redis database")
	fs.Bool("inmemory_store", false, "use the in-memory store")
	fs.Bool("enable_auth", false, "require the admin token")
	fs.String("admin_token", "", "admin token")
	fs.Int("rule_sync_seconds", 0, "rule sync interval seconds")
	fs.Int("heartbeat_seconds", 0, "websocket heartbeat interval seconds")
	fs.Int("idle_threshold_minutes", 0, "presence idle threshold minutes")
	fs.Int("breaker_failure_threshold", 0, "breaker failure threshold")
	fs.Int("breaker_open_ms", 0, "breaker open ms")
	fs.Usage = func() {
		printUsage(output)
	}
	return fs
}

func applyFlags(cfg *guard.Config, fs *flag.FlagSet) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http_addr":
			cfg.HTTPListenAddr = f.Value.String()
		case "redis_addr":
			cfg.Redis.Addr = f.Value.String()
		case "redis_db":
			cfg.Redis.DB = intFlag(fs, f.Name)
		case "inmemory_store":
			cfg.UseInMemoryStore = f.Value.String() == "true"
		case "enable_auth":
			cfg.EnableAuth = f.Value.String() == "true"
		case "admin_token":
			cfg.AdminToken = f.Value.String()
		case "rule_sync_seconds":
			cfg.RuleSyncInterval = time.Duration(intFlag(fs, f.Name)) * time.Second
		case "heartbeat_seconds":
			cfg.HeartbeatInterval = time.Duration(intFlag(fs, f.Name)) * time.Second
		case "idle_threshold_minutes":
			cfg.IdleThreshold = time.Duration(intFlag(fs, f.Name)) * time.Minute
		case "breaker_failure_threshold":
			cfg.Breaker.FailureThreshold = int64(intFlag(fs, f.Name))
		case "breaker_open_ms":
			cfg.Breaker.OpenDuration = time.Duration(intFlag(fs, f.Name)) * time.Millisecond
		}
	})
}

func intFlag(fs *flag.FlagSet, name string) int {
	f := fs.Lookup(name)
	if f == nil {
		return 0
	}
	getter, ok := f.Value.(flag.Getter)
	if !ok {
		return 0
	}
	v, ok := getter.Get().(int)
	if !ok {
		return 0
	}
	return v
}

func printUsage(w io.Writer) {
	if w == nil {
		return
	}
	fmt.Fprintln(w, "Usage")
	fmt.Fprintln(w, "  guardrail [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Flags")
	fmt.Fprintln(w, "  config string config file path")
	fmt.Fprintln(w, "  http_addr string http listen address")
	fmt.Fprintln(w, "  redis_addr string redis address")
	fmt.Fprintln(w, "  redis_db int redis database")
	fmt.Fprintln(w, "  inmemory_store bool use the in-memory store")
	fmt.Fprintln(w, "  enable_auth bool require the admin token")
	fmt.Fprintln(w, "  admin_token string admin token")
	fmt.Fprintln(w, "  rule_sync_seconds int rule sync interval seconds")
	fmt.Fprintln(w, "  heartbeat_seconds int websocket heartbeat interval seconds")
	fmt.Fprintln(w, "  idle_threshold_minutes int presence idle threshold minutes")
	fmt.Fprintln(w, "  breaker_failure_threshold int breaker failure threshold")
	fmt.Fprintln(w, "  breaker_open_ms int breaker open ms")
}
