// Package config holds the runtime configuration for the batch assembly
// engine: pool sizing, batching limits, and logging knobs.
package config

import (
	"fmt"
)

type Config struct {
	// MaxRunningReqs caps the number of requests in flight at once; it bounds
	// the request-tracking pool.
	MaxRunningReqs int
	// MaxContextLen bounds the total sequence length of any request,
	// including generated tokens.
	MaxContextLen int
	// MaxPrefillTokens caps the new tokens a single extend pass may carry.
	MaxPrefillTokens int
	// KVPoolSize is the number of token slots in the KV cache pool.
	KVPoolSize int
	// PageSize is the block granularity used for prefix block hashing.
	PageSize int

	LogLevel  string
	LogFormat string

	DebugBatching bool
}

func (c *Config) Validate() error {
	if c.MaxRunningReqs <= 0 {
		return fmt.Errorf("invalid max_running_reqs: %d (must be positive)", c.MaxRunningReqs)
	}
	if c.MaxContextLen <= 0 {
		return fmt.Errorf("invalid max_context_len: %d (must be positive)", c.MaxContextLen)
	}
	if c.MaxPrefillTokens <= 0 {
		return fmt.Errorf("invalid max_prefill_tokens: %d (must be positive)", c.MaxPrefillTokens)
	}
	if c.KVPoolSize <= 0 {
		return fmt.Errorf("invalid kv_pool_size: %d (must be positive)", c.KVPoolSize)
	}
	if c.KVPoolSize < c.MaxContextLen {
		return fmt.Errorf("kv_pool_size (%d) smaller than max_context_len (%d)", c.KVPoolSize, c.MaxContextLen)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("invalid page_size: %d (must be positive)", c.PageSize)
	}
	if c.KVPoolSize%c.PageSize != 0 {
		return fmt.Errorf("kv_pool_size (%d) not a multiple of page_size (%d)", c.KVPoolSize, c.PageSize)
	}
	return nil
}

func Default() Config {
	return Config{
		MaxRunningReqs:   64,
		MaxContextLen:    4096,
		MaxPrefillTokens: 8192,
		KVPoolSize:       65536,
		PageSize:         16,
		LogLevel:         "info",
		LogFormat:        "console",
	}
}
