// Package config holds the tunables shared by every txnkv component:
// retry bounds, batch sizes, lock TTL, and RPC timeouts. Components take
// their tunables from a *Config rather than hardcoding constants so
// tests can inject tight bounds.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
)

// Config bundles the knobs enumerated in the transaction coordinator's
// external interface contract.
type Config struct {
	// MaxRetry bounds per-sub-task retries for lock conflicts and
	// routing/transport errors.
	MaxRetry int `toml:"max-retry"`
	// OpDelayMS is the fixed delay between retries, in milliseconds.
	OpDelayMS int `toml:"op-delay-ms"`
	// MaxBatchCount bounds the number of mutations/keys carried by a
	// single shard-scoped RPC.
	MaxBatchCount int `toml:"max-batch-count"`
	// LockTTL is the prewrite lock's expiry. There is no heartbeat in
	// this module (see DESIGN.md, Open Question (b)), so LockTTL is
	// also, in effect, the maximum supported transaction duration.
	LockTTL time.Duration `toml:"lock-ttl"`
	// DispatchTimeout bounds a single RPC attempt before the Dispatcher
	// treats it as a transport error eligible for retry.
	DispatchTimeout time.Duration `toml:"dispatch-timeout"`
	// MaxConcurrency bounds how many sub-tasks the Parallel Executor
	// runs at once for a single fan-out.
	MaxConcurrency int `toml:"max-concurrency"`
	// RateLimit caps the Dispatcher's outbound RPC attempts per second
	// across all of a Client's Transactions. Zero disables limiting.
	RateLimit float64 `toml:"rate-limit"`
	// RateLimitBurst is the Dispatcher's token bucket burst size.
	RateLimitBurst int `toml:"rate-limit-burst"`
}

// Default returns the knob values named in the external interface
// contract.
func Default() *Config {
	return &Config{
		MaxRetry:        3,
		OpDelayMS:       100,
		MaxBatchCount:   1024,
		LockTTL:         10 * time.Minute,
		DispatchTimeout: 3 * time.Second,
		MaxConcurrency:  16,
	}
}

// OpDelay is OpDelayMS as a time.Duration.
func (c *Config) OpDelay() time.Duration {
	return time.Duration(c.OpDelayMS) * time.Millisecond
}

// LoadFile reads a TOML config file, applying it on top of Default for
// any field the file doesn't set.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
