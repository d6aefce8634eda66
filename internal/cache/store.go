// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cache persists JSON payloads under a checksum envelope so that
// corruption or tampering surfaces as a cache miss instead of bad data
// flowing onward (NIST 800-53 SI-7). Envelopes written before checksums
// existed are still readable; they load with a warning until rewritten.
package cache

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/andrewlasiter/fda-tools-sub007/internal/canonical"
	"github.com/andrewlasiter/fda-tools-sub007/internal/util"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// IntegrityVersion is the current envelope schema version.
	IntegrityVersion = 1

	// ChecksumAlgorithm names the only digest currently produced or accepted.
	ChecksumAlgorithm = "sha256"

	// DefaultTTL is the freshness window applied when the store is built
	// with a zero TTL.
	DefaultTTL = 24 * time.Hour
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrIntegrity indicates a checksum mismatch on a cached payload.
var ErrIntegrity = errors.New("cache integrity violation")

// IntegrityError carries the detail of a checksum mismatch.
type IntegrityError struct {
	Path     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation in %s: checksum mismatch (expected %.12s..., got %.12s...)",
		e.Path, e.Expected, e.Actual)
}

// Unwrap allows errors.Is(err, ErrIntegrity).
func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

// =============================================================================
// ENVELOPE
// =============================================================================

// envelope is the on-disk wrapper around a cached payload. Metadata keys
// carry a leading underscore so they cannot collide with payload fields.
type envelope struct {
	Version   int            `json:"_integrity_version"`
	Algorithm string         `json:"_checksum_algorithm"`
	Checksum  string         `json:"_checksum"`
	CachedAt  string         `json:"_cached_at"`
	Data      map[string]any `json:"data"`
}

// ReadStatus describes the outcome of a cache read.
type ReadStatus int

const (
	// StatusMiss: absent, unreadable, or failed verification.
	StatusMiss ReadStatus = iota
	// StatusHit: verified and fresh.
	StatusHit
	// StatusExpired: verified but older than the TTL.
	StatusExpired
	// StatusLegacy: a pre-envelope entry with no checksum to verify.
	StatusLegacy
)

// String returns the status name for logs.
func (s ReadStatus) String() string {
	switch s {
	case StatusHit:
		return "hit"
	case StatusExpired:
		return "expired"
	case StatusLegacy:
		return "legacy"
	default:
		return "miss"
	}
}

// =============================================================================
// STORE
// =============================================================================

// Store reads and writes checksum-enveloped cache entries.
type Store struct {
	writer         *util.Writer
	ttl            time.Duration
	autoInvalidate bool

	// Warnf receives operator-facing warnings (legacy entries, integrity
	// mismatches). Defaults to stderr.
	Warnf func(format string, args ...any)

	// now is swappable for TTL tests.
	now func() time.Time
}

// New creates a Store. A zero ttl selects DefaultTTL. When autoInvalidate
// is set, entries failing verification are deleted on read.
func New(writer *util.Writer, ttl time.Duration, autoInvalidate bool) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		writer:         writer,
		ttl:            ttl,
		autoInvalidate: autoInvalidate,
		Warnf: func(format string, args ...any) {
			fmt.Fprintf(os.Stderr, format+"\n", args...)
		},
		now: time.Now,
	}
}

// ComputeChecksum returns the hex SHA-256 of the payload's canonical JSON.
// Key order and map iteration order never affect the result.
func ComputeChecksum(data map[string]any) (string, error) {
	canon, err := canonical.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// Write stores data at path under a fresh envelope, atomically and under
// the path's lock.
func (s *Store) Write(path string, data map[string]any) error {
	checksum, err := ComputeChecksum(data)
	if err != nil {
		return err
	}
	env := envelope{
		Version:   IntegrityVersion,
		Algorithm: ChecksumAlgorithm,
		Checksum:  checksum,
		CachedAt:  s.now().UTC().Format(time.RFC3339),
		Data:      data,
	}
	return s.writer.WriteJSON(path, env)
}

// Read loads the entry at path. The returned status is authoritative:
// callers act on the payload only for StatusHit and StatusLegacy.
//
//   - absent file: (nil, StatusMiss, nil)
//   - checksum mismatch: (nil, StatusMiss, *IntegrityError); the entry is
//     deleted when the store auto-invalidates
//   - past TTL: (nil, StatusExpired, nil); the entry is kept so Verify can
//     still inspect it
//   - pre-envelope entry: (payload, StatusLegacy, nil) with a warning
func (s *Store) Read(path string) (map[string]any, ReadStatus, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, StatusMiss, nil
	}
	if err != nil {
		return nil, StatusMiss, fmt.Errorf("failed to read cache entry %s: %w", path, err)
	}

	env, legacy, err := parseEntry(raw)
	if err != nil {
		s.Warnf("[SI-7 WARNING] Unparseable cache entry %s: %v", path, err)
		return nil, StatusMiss, nil
	}

	if legacy {
		s.Warnf("[SI-7 WARNING] Cache entry %s predates integrity envelopes; rewrite to sign it", path)
		return env.Data, StatusLegacy, nil
	}

	if err := s.verifyEnvelope(path, env); err != nil {
		if s.autoInvalidate {
			if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				s.Warnf("[SI-7 WARNING] Failed to invalidate %s: %v", path, rmErr)
			}
		}
		s.Warnf("[SI-7 WARNING] %v", err)
		return nil, StatusMiss, err
	}

	if s.expired(env) {
		return nil, StatusExpired, nil
	}
	return env.Data, StatusHit, nil
}

// Verify checks the entry at path without modifying or deleting anything,
// regardless of the auto-invalidate setting. It returns whether the entry
// is intact plus a one-line detail for operator display.
func (s *Store) Verify(path string) (bool, string) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, "no cache entry"
	}
	if err != nil {
		return false, fmt.Sprintf("unreadable: %v", err)
	}

	env, legacy, err := parseEntry(raw)
	if err != nil {
		return false, fmt.Sprintf("unparseable: %v", err)
	}
	if legacy {
		return true, "legacy entry (no checksum to verify)"
	}
	if err := s.verifyEnvelope(path, env); err != nil {
		return false, err.Error()
	}
	if s.expired(env) {
		return true, fmt.Sprintf("intact but expired (cached %s)", env.CachedAt)
	}
	return true, "verified"
}

// Invalidate removes the entry at path. Removing an absent entry is not
// an error.
func (s *Store) Invalidate(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to invalidate cache entry %s: %w", path, err)
	}
	return nil
}

// =============================================================================
// INTERNALS
// =============================================================================

// parseEntry distinguishes a signed envelope from a legacy payload by the
// parsed structure, not by probing raw keys: an entry is signed when the
// checksum field is present.
func parseEntry(raw []byte) (envelope, bool, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return envelope{}, false, err
	}

	if _, signed := probe["_checksum"]; !signed {
		var data map[string]any
		if err := json.Unmarshal(raw, &data); err != nil {
			return envelope{}, false, err
		}
		return envelope{Data: data}, true, nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, false, err
	}
	return env, false, nil
}

func (s *Store) verifyEnvelope(path string, env envelope) error {
	if env.Algorithm != ChecksumAlgorithm {
		return fmt.Errorf("unsupported checksum algorithm %q in %s", env.Algorithm, path)
	}
	actual, err := ComputeChecksum(env.Data)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(actual), []byte(env.Checksum)) != 1 {
		return &IntegrityError{Path: path, Expected: env.Checksum, Actual: actual}
	}
	return nil
}

func (s *Store) expired(env envelope) bool {
	cachedAt, err := time.Parse(time.RFC3339, env.CachedAt)
	if err != nil {
		// An unparseable timestamp counts as stale.
		return true
	}
	return s.now().Sub(cachedAt) > s.ttl
}
