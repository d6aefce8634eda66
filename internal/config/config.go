// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads, validates, and persists fdatrust configuration.
// TOML is the primary format; every knob has a default so a missing
// config file is never an error.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/andrewlasiter/fda-tools-sub007/internal/classify"
	"github.com/andrewlasiter/fda-tools-sub007/internal/router"
	"github.com/andrewlasiter/fda-tools-sub007/internal/util"
)

// =============================================================================
// CONFIG STRUCTURE
// =============================================================================

// Config is the full fdatrust configuration.
type Config struct {
	Audit      AuditConfig      `toml:"audit"`
	Lock       LockConfig       `toml:"lock"`
	Cache      CacheConfig      `toml:"cache"`
	Classifier ClassifierConfig `toml:"classifier"`
	Routing    RoutingConfig    `toml:"routing"`
	Session    SessionConfig    `toml:"session"`
}

// AuditConfig controls the event ledger.
type AuditConfig struct {
	// LedgerPath is the active NDJSON ledger file.
	LedgerPath string `toml:"ledger_path"`
	// RetentionDays bounds how long events stay in the active ledger
	// before rotation archives them.
	RetentionDays int `toml:"retention_days"`
	// SealKeyPath stores the archive seal key when the passphrase env
	// var is not set.
	SealKeyPath string `toml:"seal_key_path"`
}

// LockConfig controls cross-process file locking.
type LockConfig struct {
	TimeoutSecs int `toml:"timeout_secs"`
	RetryCount  int `toml:"retry_count"`
}

// CacheConfig controls the integrity-checked cache.
type CacheConfig struct {
	Dir            string `toml:"dir"`
	TTLSeconds     int    `toml:"ttl_seconds"`
	AutoInvalidate bool   `toml:"auto_invalidate"`
}

// ClassifierConfig extends the built-in classification rules. Entries
// add to the defaults; the built-in rules cannot be removed from
// configuration, only extended.
type ClassifierConfig struct {
	ExtraConfidentialCommands []string `toml:"extra_confidential_commands"`
	ExtraPublicCommands       []string `toml:"extra_public_commands"`
	ExtraConfidentialPatterns []string `toml:"extra_confidential_patterns"`
	ExtraRestrictedKeywords   []string `toml:"extra_restricted_keywords"`
}

// ProviderConfig is one provider catalogue entry.
type ProviderConfig struct {
	Name     string `toml:"name"`
	Isolated bool   `toml:"isolated"`
}

// RoutingConfig controls provider and channel policy.
type RoutingConfig struct {
	Providers            []ProviderConfig `toml:"providers"`
	ConfidentialChannels []string         `toml:"confidential_channels"`
	MessagingChannels    []string         `toml:"messaging_channels"`
}

// SessionConfig controls operator session tracking.
type SessionConfig struct {
	IdleTimeoutSecs int `toml:"idle_timeout_secs"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the configuration used when no file exists.
func Default() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Audit: AuditConfig{
			LedgerPath:    filepath.Join(dataDir, "audit.ndjson"),
			RetentionDays: 2555, // seven years
			SealKeyPath:   filepath.Join(dataDir, "audit_seal.key"),
		},
		Lock: LockConfig{
			TimeoutSecs: int(util.DefaultLockTimeout / time.Second),
			RetryCount:  util.DefaultLockRetries,
		},
		Cache: CacheConfig{
			Dir:            filepath.Join(dataDir, "cache"),
			TTLSeconds:     int((24 * time.Hour) / time.Second),
			AutoInvalidate: true,
		},
		Routing: RoutingConfig{
			Providers: []ProviderConfig{
				{Name: "ollama", Isolated: true},
				{Name: "openrouter", Isolated: false},
				{Name: "anthropic", Isolated: false},
			},
			ConfidentialChannels: router.DefaultConfidentialChannels(),
			MessagingChannels:    router.DefaultMessagingChannels(),
		},
		Session: SessionConfig{
			IdleTimeoutSecs: int((30 * time.Minute) / time.Second),
		},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("FDATRUST_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fdatrust"
	}
	return filepath.Join(home, ".fdatrust")
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.toml")
}

// =============================================================================
// LOAD / SAVE
// =============================================================================

// Load reads path, layers it over defaults, applies environment
// overrides, and validates. A missing file yields defaults plus
// overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config as TOML, atomically and with 0600 permissions
// (the file names audit and key paths).
func Save(cfg *Config, path string) error {
	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return util.AtomicWriteFile(path, []byte(sb.String()), 0600)
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies FDATRUST_* variables over the loaded values.
// Unparseable numeric values are ignored rather than fatal.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("FDATRUST_LEDGER_PATH"); v != "" {
		c.Audit.LedgerPath = v
	}
	if v := os.Getenv("FDATRUST_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Audit.RetentionDays = n
		}
	}
	if v := os.Getenv("FDATRUST_LOCK_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Lock.TimeoutSecs = n
		}
	}
	if v := os.Getenv("FDATRUST_CACHE_DIR"); v != "" {
		c.Cache.Dir = v
	}
	if v := os.Getenv("FDATRUST_CACHE_TTL_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Cache.TTLSeconds = n
		}
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError is one invalid config field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidateErrors aggregates all validation failures.
type ValidateErrors []ValidationError

// Error implements the error interface.
func (e ValidateErrors) Error() string {
	msgs := make([]string, len(e))
	for i, ve := range e {
		msgs[i] = ve.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the whole config and reports every problem at once.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.Audit.LedgerPath == "" {
		errs = append(errs, ValidationError{"audit.ledger_path", "must not be empty"})
	}
	if c.Audit.RetentionDays < 1 {
		errs = append(errs, ValidationError{"audit.retention_days", "must be at least 1"})
	}
	if c.Lock.TimeoutSecs < 1 {
		errs = append(errs, ValidationError{"lock.timeout_secs", "must be at least 1"})
	}
	if c.Lock.RetryCount < 1 {
		errs = append(errs, ValidationError{"lock.retry_count", "must be at least 1"})
	}
	if c.Cache.TTLSeconds < 1 {
		errs = append(errs, ValidationError{"cache.ttl_seconds", "must be at least 1"})
	}
	if c.Session.IdleTimeoutSecs < 1 {
		errs = append(errs, ValidationError{"session.idle_timeout_secs", "must be at least 1"})
	}

	seen := make(map[string]struct{})
	for i, p := range c.Routing.Providers {
		name := strings.ToLower(p.Name)
		if name == "" {
			errs = append(errs, ValidationError{
				fmt.Sprintf("routing.providers[%d].name", i), "must not be empty"})
			continue
		}
		if name == router.ProviderNone {
			errs = append(errs, ValidationError{
				fmt.Sprintf("routing.providers[%d].name", i), "'none' is reserved"})
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, ValidationError{
				fmt.Sprintf("routing.providers[%d].name", i), "duplicate provider"})
		}
		seen[name] = struct{}{}
	}

	// Extended classifier rules must compile now, not at first use.
	if _, err := classify.New(c.ClassifierRules()); err != nil {
		errs = append(errs, ValidationError{"classifier", err.Error()})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// DERIVED VALUES
// =============================================================================

// LockBudget returns the configured lock budget.
func (c *Config) LockBudget() util.LockBudget {
	return util.LockBudget{
		Timeout:    time.Duration(c.Lock.TimeoutSecs) * time.Second,
		RetryCount: c.Lock.RetryCount,
	}
}

// CacheTTL returns the configured cache freshness window.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// SessionIdleTimeout returns the configured session idle timeout.
func (c *Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.Session.IdleTimeoutSecs) * time.Second
}

// ClassifierRules merges the built-in rule set with the configured
// extensions.
func (c *Config) ClassifierRules() classify.RuleSet {
	rules := classify.Defaults()
	rules.ConfidentialCommands = append(rules.ConfidentialCommands, c.Classifier.ExtraConfidentialCommands...)
	rules.PublicCommands = append(rules.PublicCommands, c.Classifier.ExtraPublicCommands...)
	rules.ConfidentialPatterns = append(rules.ConfidentialPatterns, c.Classifier.ExtraConfidentialPatterns...)
	rules.RestrictedKeywords = append(rules.RestrictedKeywords, c.Classifier.ExtraRestrictedKeywords...)
	return rules
}

// RouterProviders converts the catalogue to router entries.
func (c *Config) RouterProviders() []router.Provider {
	out := make([]router.Provider, 0, len(c.Routing.Providers))
	for _, p := range c.Routing.Providers {
		out = append(out, router.Provider{Name: p.Name, Isolated: p.Isolated})
	}
	return out
}

// Router builds the routing policy from the config.
func (c *Config) Router() *router.Router {
	return router.New(c.RouterProviders(), c.Routing.ConfidentialChannels, c.Routing.MessagingChannels)
}
