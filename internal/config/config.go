// Package config loads the multiplexer's configuration: a JSON or YAML
// file plus an environment-variable overlay, following the teacher's
// internal/config.Load/mergeConfig/applyEnvOverrides shape, generalized
// from opencode's provider/agent configuration to this multiplexer's
// resource-governance and transport options (spec.md §6).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pimux/muxd/internal/logging"
)

// CircuitConfig bounds the LLM/bash circuit breakers' trip/reset
// behavior, mirroring internal/breaker.Config's fields under the names
// spec.md §6's "circuit.*" options use on the wire/file.
type CircuitConfig struct {
	FailureThreshold    uint32 `json:"failureThreshold,omitempty" yaml:"failureThreshold,omitempty"`
	OpenTimeoutMs       int64  `json:"openTimeoutMs,omitempty" yaml:"openTimeoutMs,omitempty"`
	HalfOpenMaxRequests uint32 `json:"halfOpenMaxRequests,omitempty" yaml:"halfOpenMaxRequests,omitempty"`
}

// AuthConfig names a pluggable auth provider for the admin HTTP surface
// and/or transports. spec.md §6 leaves this optional and unspecified
// beyond "pluggable"; this repo does not ship a provider implementation,
// only the config shape a future one would read.
type AuthConfig struct {
	Provider string            `json:"provider,omitempty" yaml:"provider,omitempty"`
	Options  map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

// Config is the full set of recognized options from spec.md §6. Every
// field is optional; a zero value means "use the owning subsystem's own
// Defaults()" — this package never invents a second set of default
// numbers, it only overlays onto them (see build.go).
type Config struct {
	Port            int `json:"port,omitempty" yaml:"port,omitempty"`
	MaxMessageBytes int `json:"maxMessageBytes,omitempty" yaml:"maxMessageBytes,omitempty"`
	MaxSessions     int `json:"maxSessions,omitempty" yaml:"maxSessions,omitempty"`
	MaxConnections  int `json:"maxConnections,omitempty" yaml:"maxConnections,omitempty"`

	MaxInFlightCommands int   `json:"maxInFlightCommands,omitempty" yaml:"maxInFlightCommands,omitempty"`
	MaxCommandOutcomes  int   `json:"maxCommandOutcomes,omitempty" yaml:"maxCommandOutcomes,omitempty"`
	IdempotencyTTLMs    int64 `json:"idempotencyTtlMs,omitempty" yaml:"idempotencyTtlMs,omitempty"`

	RateLimitPerSessionPerMin int `json:"rateLimitPerSessionPerMin,omitempty" yaml:"rateLimitPerSessionPerMin,omitempty"`
	RateLimitGlobalPerMin     int `json:"rateLimitGlobalPerMin,omitempty" yaml:"rateLimitGlobalPerMin,omitempty"`

	ShortTimeoutMs   int64 `json:"shortTimeoutMs,omitempty" yaml:"shortTimeoutMs,omitempty"`
	LongTimeoutMs    int64 `json:"longTimeoutMs,omitempty" yaml:"longTimeoutMs,omitempty"`
	DepWaitTimeoutMs int64 `json:"depWaitTimeoutMs,omitempty" yaml:"depWaitTimeoutMs,omitempty"`

	HeartbeatMs    int64 `json:"heartbeatMs,omitempty" yaml:"heartbeatMs,omitempty"`
	PongDeadlineMs int64 `json:"pongDeadlineMs,omitempty" yaml:"pongDeadlineMs,omitempty"`

	MaxSessionLifetimeMs int64 `json:"maxSessionLifetimeMs,omitempty" yaml:"maxSessionLifetimeMs,omitempty"`

	PendingUIMax int      `json:"pendingUIMax,omitempty" yaml:"pendingUIMax,omitempty"`
	AllowedRoots []string `json:"allowedRoots,omitempty" yaml:"allowedRoots,omitempty"`

	Circuit CircuitConfig `json:"circuit,omitempty" yaml:"circuit,omitempty"`
	Auth    *AuthConfig   `json:"auth,omitempty" yaml:"auth,omitempty"`
}

// Load reads a config file (JSON or YAML — both decode through the YAML
// parser, since JSON is a YAML subset) and overlays environment
// variables on top. path may be empty — env overrides and subsystem
// defaults still apply, matching spec.md §6's "all optional."
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// Save writes cfg back out as YAML.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// applyEnvOverrides applies the MUXD_* environment variable overlay,
// named after spec.md §6's option names, mirroring the teacher's
// applyEnvOverrides function shape (one env var per recognized option).
func applyEnvOverrides(cfg *Config) {
	overlayInt("MUXD_PORT", &cfg.Port)
	overlayInt("MUXD_MAX_MESSAGE_BYTES", &cfg.MaxMessageBytes)
	overlayInt("MUXD_MAX_SESSIONS", &cfg.MaxSessions)
	overlayInt("MUXD_MAX_CONNECTIONS", &cfg.MaxConnections)
	overlayInt("MUXD_MAX_IN_FLIGHT_COMMANDS", &cfg.MaxInFlightCommands)
	overlayInt("MUXD_MAX_COMMAND_OUTCOMES", &cfg.MaxCommandOutcomes)
	overlayInt64("MUXD_IDEMPOTENCY_TTL_MS", &cfg.IdempotencyTTLMs)
	overlayInt("MUXD_RATE_LIMIT_PER_SESSION_PER_MIN", &cfg.RateLimitPerSessionPerMin)
	overlayInt("MUXD_RATE_LIMIT_GLOBAL_PER_MIN", &cfg.RateLimitGlobalPerMin)
	overlayInt64("MUXD_SHORT_TIMEOUT_MS", &cfg.ShortTimeoutMs)
	overlayInt64("MUXD_LONG_TIMEOUT_MS", &cfg.LongTimeoutMs)
	overlayInt64("MUXD_DEP_WAIT_TIMEOUT_MS", &cfg.DepWaitTimeoutMs)
	overlayInt64("MUXD_HEARTBEAT_MS", &cfg.HeartbeatMs)
	overlayInt64("MUXD_PONG_DEADLINE_MS", &cfg.PongDeadlineMs)
	overlayInt64("MUXD_MAX_SESSION_LIFETIME_MS", &cfg.MaxSessionLifetimeMs)
	overlayInt("MUXD_PENDING_UI_MAX", &cfg.PendingUIMax)

	if roots := os.Getenv("MUXD_ALLOWED_ROOTS"); roots != "" {
		cfg.AllowedRoots = strings.Split(roots, string(os.PathListSeparator))
	}
}

func overlayInt(envVar string, dst *int) {
	v := os.Getenv(envVar)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logging.Logger.Warn().Str("envVar", envVar).Str("value", v).Msg("ignoring invalid integer override")
		return
	}
	*dst = n
}

func overlayInt64(envVar string, dst *int64) {
	v := os.Getenv(envVar)
	if v == "" {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		logging.Logger.Warn().Str("envVar", envVar).Str("value", v).Msg("ignoring invalid integer override")
		return
	}
	*dst = n
}
