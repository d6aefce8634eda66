// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// writer.go - lock-guarded crash-safe writer used by the cache and the
// audit ledger.

package util

import (
	"encoding/json"
	"fmt"
	"os"
)

// =============================================================================
// WRITER
// =============================================================================

// Writer serializes writes to shared files across processes. Every write
// acquires the exclusive advisory lock on the destination's sibling lock
// file, writes through AtomicWriteFile, and releases the lock on every
// exit path (success, error, or timeout).
type Writer struct {
	budget LockBudget
	perm   os.FileMode
}

// NewWriter creates a Writer with the given lock budget.
func NewWriter(budget LockBudget) *Writer {
	return &Writer{budget: budget, perm: 0600}
}

// Budget returns the writer's lock budget.
func (w *Writer) Budget() LockBudget { return w.budget }

// WriteJSON marshals v with two-space indentation and writes it atomically
// under the destination's lock.
func (w *Writer) WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON for %s: %w", path, err)
	}
	return w.WriteBytes(path, append(data, '\n'))
}

// WriteText writes text atomically under the destination's lock.
func (w *Writer) WriteText(path, text string) error {
	return w.WriteBytes(path, []byte(text))
}

// WriteBytes writes raw bytes atomically under the destination's lock.
func (w *Writer) WriteBytes(path string, data []byte) error {
	lock, err := AcquireLock(path, w.budget)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	return AtomicWriteFile(path, data, w.perm)
}

// AppendText appends text to path under the destination's lock. Unlike the
// write methods this opens the file for append rather than replacing it via
// rename: appenders must serialize through the same lock, but the appended
// line lands in the existing file so earlier lines are never rewritten.
func (w *Writer) AppendText(path, text string) error {
	lock, err := AcquireLock(path, w.budget)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	return AppendLocked(path, text)
}

// Lock exposes the writer's lock primitive for callers that need to do a
// read-modify-append sequence as one critical section (the audit ledger
// reads the previous line's hash before appending).
func (w *Writer) Lock(path string) (*FileLock, error) {
	return AcquireLock(path, w.budget)
}

// AppendLocked appends text to path. The caller must already hold the
// file's lock (via Writer.Lock); this function does not re-acquire it.
func AppendLocked(path, text string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open %s for append: %w", path, err)
	}

	if _, err := f.WriteString(text); err != nil {
		f.Close()
		return fmt.Errorf("failed to append to %s: %w", path, err)
	}

	// Durability before acknowledging the append.
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}

	return f.Close()
}
