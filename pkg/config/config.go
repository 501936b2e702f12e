// Package config loads the broker's runtime settings from the environment
// and its governance seeds from YAML packs.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tillerhq/tiller/pkg/contracts"
)

// Config holds the broker's environment-driven settings. Knobs exposed in
// the environment as _MS integers are parsed into durations here.
type Config struct {
	Port         string
	LogLevel     string
	DatabaseURL  string // empty: in-memory stores
	RedisURL     string // empty: in-memory guardrails and idempotency cache
	OTLPEndpoint string // empty: telemetry stays off
	SeedDir      string // YAML governance seed packs; empty: built-in defaults

	PolicyCacheTTL time.Duration // POLICY_CACHE_TTL_MS

	// Global rate limit merged under every cartridge's guardrails.
	// RateLimitMax 0 disables it.
	RateLimitMax    int           // RATE_LIMIT_MAX
	RateLimitWindow time.Duration // RATE_LIMIT_WINDOW_MS

	ApprovalExpiryStandard  time.Duration // APPROVAL_EXPIRY_STANDARD_MS
	ApprovalExpiryElevated  time.Duration // APPROVAL_EXPIRY_ELEVATED_MS
	ApprovalExpiryMandatory time.Duration // APPROVAL_EXPIRY_MANDATORY_MS
	DenyWhenNoApprovers     bool          // DENY_WHEN_NO_APPROVERS
	MandatoryQuorum         int           // MANDATORY_QUORUM, 1 = single approver

	ExecutionMode    string // EXECUTION_MODE: "inline" or "queue"
	QueueConcurrency int    // QUEUE_CONCURRENCY
	QueueMaxAttempts int    // QUEUE_MAX_ATTEMPTS

	CompetenceDecayPerDay int           // COMPETENCE_DECAY_PER_DAY
	IdempotencyWindow     time.Duration // IDEMPOTENCY_WINDOW_MS
	MaxUndoDepth          int           // UNDO_MAX_DEPTH

	// RedactionPatterns extend the audit writer's built-in secret patterns.
	RedactionPatterns []string // AUDIT_REDACTION_PATTERNS, comma-separated

	ActionTokenSecret string // ACTION_TOKEN_SECRET; empty: notifications carry no action links
	CredentialsMaster string // CREDENTIALS_MASTER_KEY; empty: credentials vault disabled
}

// Load reads the environment and validates it. Unset variables take the
// shipped defaults; a set-but-unparsable variable is an error, never a
// silent fallback.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              envString("PORT", "8080"),
		LogLevel:          envString("LOG_LEVEL", "info"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		OTLPEndpoint:      os.Getenv("OTLP_ENDPOINT"),
		SeedDir:           os.Getenv("SEED_DIR"),
		ExecutionMode:     envString("EXECUTION_MODE", "inline"),
		RedactionPatterns: envList("AUDIT_REDACTION_PATTERNS"),
		ActionTokenSecret: os.Getenv("ACTION_TOKEN_SECRET"),
		CredentialsMaster: os.Getenv("CREDENTIALS_MASTER_KEY"),
	}

	var err error
	if cfg.PolicyCacheTTL, err = envMillis("POLICY_CACHE_TTL_MS", 60_000); err != nil {
		return nil, err
	}
	if cfg.RateLimitMax, err = envInt("RATE_LIMIT_MAX", 0); err != nil {
		return nil, err
	}
	if cfg.RateLimitWindow, err = envMillis("RATE_LIMIT_WINDOW_MS", 60_000); err != nil {
		return nil, err
	}
	if cfg.ApprovalExpiryStandard, err = envMillis("APPROVAL_EXPIRY_STANDARD_MS", 86_400_000); err != nil {
		return nil, err
	}
	if cfg.ApprovalExpiryElevated, err = envMillis("APPROVAL_EXPIRY_ELEVATED_MS", 43_200_000); err != nil {
		return nil, err
	}
	if cfg.ApprovalExpiryMandatory, err = envMillis("APPROVAL_EXPIRY_MANDATORY_MS", 14_400_000); err != nil {
		return nil, err
	}
	if cfg.DenyWhenNoApprovers, err = envBool("DENY_WHEN_NO_APPROVERS", true); err != nil {
		return nil, err
	}
	if cfg.MandatoryQuorum, err = envInt("MANDATORY_QUORUM", 1); err != nil {
		return nil, err
	}
	if cfg.QueueConcurrency, err = envInt("QUEUE_CONCURRENCY", 5); err != nil {
		return nil, err
	}
	if cfg.QueueMaxAttempts, err = envInt("QUEUE_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.CompetenceDecayPerDay, err = envInt("COMPETENCE_DECAY_PER_DAY", 2); err != nil {
		return nil, err
	}
	if cfg.IdempotencyWindow, err = envMillis("IDEMPOTENCY_WINDOW_MS", 300_000); err != nil {
		return nil, err
	}
	if cfg.MaxUndoDepth, err = envInt("UNDO_MAX_DEPTH", 5); err != nil {
		return nil, err
	}

	if cfg.ExecutionMode != "inline" && cfg.ExecutionMode != "queue" {
		return nil, fmt.Errorf("config: EXECUTION_MODE must be inline or queue, got %q", cfg.ExecutionMode)
	}
	return cfg, nil
}

// BaseGuardrails converts the deployment rate limit into a guardrail spec
// for cartridge.WithBaseGuardrails. Zero RateLimitMax returns an empty spec,
// leaving cartridges with only their own declared rules.
func (c *Config) BaseGuardrails() contracts.GuardrailSpec {
	if c.RateLimitMax <= 0 {
		return contracts.GuardrailSpec{}
	}
	return contracts.GuardrailSpec{
		RateLimits: []contracts.RateLimitRule{{
			Scope:    "global",
			MaxCount: c.RateLimitMax,
			WindowMs: c.RateLimitWindow.Milliseconds(),
		}},
	}
}

// SlogLevel maps the textual LOG_LEVEL onto slog. Unknown values read as
// info rather than failing boot.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func envMillis(key string, fallback int64) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(fallback) * time.Millisecond, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return time.Duration(n) * time.Millisecond, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, nil
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
