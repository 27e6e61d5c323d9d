// Package config loads RuntimeConfig from the process environment,
// following the teacher's WALLETCORE_MODE-style env-var convention
// (internal/cli/mode.go used ARCSIGN_MODE; this module renames the
// prefix to WALLETCORE_) and internal/app/config.go's JSON settings
// shape for the one setting that is document-shaped rather than scalar
// (the per-chain RPC endpoint list).
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "WALLETCORE_"

// RuntimeConfig bounds every tunable SPEC_FULL.md names: auto-lock
// timeout, PBKDF2 iteration count, approval TTL, receipt-tracker backoff
// bounds, and per-chain RPC endpoint lists. runtime.New applies DataDir,
// ApprovalTTL and RPCEndpoints, and cmd/walletcored applies LogLevel.
// AutoLockTimeout, PBKDF2Iterations and the Receipt* fields are loaded but
// not applied: the vault uses its own 10-minute auto-lock default and the
// vault.MinIterations constant, and the receipt tracker uses the constants
// in internal/txn.
type RuntimeConfig struct {
	DataDir string

	AutoLockTimeout time.Duration
	PBKDF2Iterations int
	ApprovalTTL      time.Duration

	ReceiptBackoffInitial    time.Duration
	ReceiptBackoffMax        time.Duration
	ReceiptBackoffMultiplier float64
	ReceiptMaxAttempts       int

	// RPCEndpoints maps a decimal EVM chain id ("1", "137", ...) to its
	// configured endpoint URLs, in priority order.
	RPCEndpoints map[string][]string

	LogLevel string
}

// defaults mirror spec.md §4.5's receipt tracker bounds (3s -> x2 -> cap
// 30s, 20 attempts) and §3/§4.2's minimum PBKDF2 iteration count.
func defaults() RuntimeConfig {
	return RuntimeConfig{
		DataDir:                  "./walletcore-data",
		AutoLockTimeout:          15 * time.Minute,
		PBKDF2Iterations:         600_000,
		ApprovalTTL:              10 * time.Minute,
		ReceiptBackoffInitial:    3 * time.Second,
		ReceiptBackoffMax:        30 * time.Second,
		ReceiptBackoffMultiplier: 2,
		ReceiptMaxAttempts:       20,
		RPCEndpoints:             map[string][]string{},
		LogLevel:                 "info",
	}
}

// Load reads RuntimeConfig from the environment, falling back to
// defaults() for anything unset or invalid.
//
// Recognized variables:
//
//	WALLETCORE_DATA_DIR
//	WALLETCORE_AUTO_LOCK_SECONDS
//	WALLETCORE_PBKDF2_ITERATIONS        (floored at 600000)
//	WALLETCORE_APPROVAL_TTL_SECONDS
//	WALLETCORE_RECEIPT_BACKOFF_INITIAL_MS
//	WALLETCORE_RECEIPT_BACKOFF_MAX_MS
//	WALLETCORE_RECEIPT_BACKOFF_MULTIPLIER
//	WALLETCORE_RECEIPT_MAX_ATTEMPTS
//	WALLETCORE_RPC_ENDPOINTS            JSON object, chain id -> []string
//	WALLETCORE_LOG_LEVEL
func Load() RuntimeConfig {
	cfg := defaults()

	if v := strings.TrimSpace(os.Getenv(envPrefix + "DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v, ok := envSeconds(envPrefix + "AUTO_LOCK_SECONDS"); ok {
		cfg.AutoLockTimeout = v
	}
	if v, ok := envInt(envPrefix + "PBKDF2_ITERATIONS"); ok {
		if v < 600_000 {
			v = 600_000
		}
		cfg.PBKDF2Iterations = v
	}
	if v, ok := envSeconds(envPrefix + "APPROVAL_TTL_SECONDS"); ok {
		cfg.ApprovalTTL = v
	}
	if v, ok := envMillis(envPrefix + "RECEIPT_BACKOFF_INITIAL_MS"); ok {
		cfg.ReceiptBackoffInitial = v
	}
	if v, ok := envMillis(envPrefix + "RECEIPT_BACKOFF_MAX_MS"); ok {
		cfg.ReceiptBackoffMax = v
	}
	if v, ok := envFloat(envPrefix + "RECEIPT_BACKOFF_MULTIPLIER"); ok {
		cfg.ReceiptBackoffMultiplier = v
	}
	if v, ok := envInt(envPrefix + "RECEIPT_MAX_ATTEMPTS"); ok {
		cfg.ReceiptMaxAttempts = v
	}
	if v := strings.TrimSpace(os.Getenv(envPrefix + "RPC_ENDPOINTS")); v != "" {
		var endpoints map[string][]string
		if err := json.Unmarshal([]byte(v), &endpoints); err == nil {
			cfg.RPCEndpoints = endpoints
		}
	}
	if v := strings.TrimSpace(os.Getenv(envPrefix + "LOG_LEVEL")); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	return cfg
}

func envInt(name string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(name string) (float64, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envSeconds(name string) (time.Duration, bool) {
	n, ok := envInt(name)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

func envMillis(name string) (time.Duration, bool) {
	n, ok := envInt(name)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Millisecond, true
}
