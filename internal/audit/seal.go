// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// =============================================================================
// ARCHIVE SEAL KEY
// =============================================================================

const (
	// SealKeyEnvVar optionally supplies the seal passphrase; it is
	// stretched with PBKDF2 rather than used raw.
	SealKeyEnvVar = "FDATRUST_AUDIT_SEAL_KEY"

	// sealKeySize is the derived HMAC key length.
	sealKeySize = 32

	// sealIterations is the PBKDF2 iteration count for passphrase keys.
	sealIterations = 600_000
)

// sealSalt is a fixed application salt; the passphrase is the secret.
var sealSalt = []byte("fdatrust-audit-archive-seal-v1")

// SealKey is the HMAC-SHA256 key that seals rotation archives so an
// archived ledger segment cannot be silently swapped (AU-9).
type SealKey struct {
	key []byte
}

// LoadSealKey resolves the seal key. Priority:
//
//  1. SealKeyEnvVar - a passphrase, stretched through PBKDF2.
//  2. keyFilePath - raw 32-byte key, hex encoded, created with fresh
//     random material on first use (mode 0600).
func LoadSealKey(keyFilePath string) (*SealKey, error) {
	if pass := os.Getenv(SealKeyEnvVar); pass != "" {
		return &SealKey{
			key: pbkdf2.Key([]byte(pass), sealSalt, sealIterations, sealKeySize, sha256.New),
		}, nil
	}

	data, err := os.ReadFile(keyFilePath)
	if err == nil {
		key, decErr := hex.DecodeString(strings.TrimSpace(string(data)))
		if decErr != nil || len(key) != sealKeySize {
			return nil, fmt.Errorf("seal key file %s is malformed", keyFilePath)
		}
		return &SealKey{key: key}, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read seal key file: %w", err)
	}

	// First use: generate and persist.
	key := make([]byte, sealKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate seal key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyFilePath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create seal key directory: %w", err)
	}
	if err := os.WriteFile(keyFilePath, []byte(hex.EncodeToString(key)+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("failed to persist seal key: %w", err)
	}
	return &SealKey{key: key}, nil
}

// Seal returns the hex HMAC-SHA256 of data.
func (k *SealKey) Seal(data []byte) string {
	mac := hmac.New(sha256.New, k.key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks data against a hex seal in constant time.
func (k *SealKey) Verify(data []byte, seal string) bool {
	expected, err := hex.DecodeString(strings.TrimSpace(seal))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, k.key)
	mac.Write(data)
	return hmac.Equal(mac.Sum(nil), expected)
}
