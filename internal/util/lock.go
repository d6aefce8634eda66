// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// lock.go - cross-process advisory locking for ledger and cache files.
//
// Callers of fdatrust may be separate OS processes (distinct CLI
// invocations), so an in-process mutex is not enough. All serialization
// is via OS-level exclusive advisory locks on a sibling lock file.

package util

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// =============================================================================
// LOCK BUDGET
// =============================================================================

// DefaultLockTimeout is the per-attempt wait budget for lock acquisition.
const DefaultLockTimeout = 5 * time.Second

// DefaultLockRetries is the number of acquisition attempts before failing.
const DefaultLockRetries = 3

// lockPollInterval is how often a blocked acquirer re-tries the lock.
const lockPollInterval = 50 * time.Millisecond

// LockBudget bounds how long a caller may wait for an exclusive lock.
// Total wait is RetryCount * Timeout; exceeding it fails fast with
// ErrLockTimeout rather than blocking indefinitely.
type LockBudget struct {
	Timeout    time.Duration
	RetryCount int
}

// DefaultLockBudget returns the standard lock budget.
func DefaultLockBudget() LockBudget {
	return LockBudget{Timeout: DefaultLockTimeout, RetryCount: DefaultLockRetries}
}

// total returns the full wait budget.
func (b LockBudget) total() time.Duration {
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	retries := b.RetryCount
	if retries <= 0 {
		retries = DefaultLockRetries
	}
	return time.Duration(retries) * timeout
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrLockTimeout indicates the exclusive lock was not acquired within the
// configured budget. The destination file is untouched in that case.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// LockTimeoutError carries the path and budget that was exceeded.
type LockTimeoutError struct {
	Path   string
	Budget time.Duration
}

// Error implements the error interface.
func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("failed to acquire exclusive lock on %s within %s", e.Path, e.Budget)
}

// Unwrap allows errors.Is(err, ErrLockTimeout).
func (e *LockTimeoutError) Unwrap() error { return ErrLockTimeout }

// IsLockTimeout reports whether err is a lock acquisition timeout.
func IsLockTimeout(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}

// =============================================================================
// FILE LOCK
// =============================================================================

// FileLock holds an exclusive advisory lock on the sibling lock file of a
// protected path. Release it with Unlock; Unlock is safe on every exit path
// and is idempotent.
type FileLock struct {
	path     string // protected path (not the lock file)
	lockPath string
	file     *os.File
	released bool
}

// LockPath returns the sibling lock file path for a protected file.
func LockPath(path string) string {
	return path + ".lock"
}

// AcquireLock takes the exclusive advisory lock guarding path, blocking up
// to the budget. On timeout it returns a *LockTimeoutError without touching
// the destination.
func AcquireLock(path string, budget LockBudget) (*FileLock, error) {
	lockPath := LockPath(path)

	if err := os.MkdirAll(filepath.Dir(lockPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	deadline := time.Now().Add(budget.total())
	for {
		ok, err := tryLockExclusive(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to lock %s: %w", lockPath, err)
		}
		if ok {
			return &FileLock{path: path, lockPath: lockPath, file: f}, nil
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, &LockTimeoutError{Path: path, Budget: budget.total()}
		}
		time.Sleep(lockPollInterval)
	}
}

// Unlock releases the advisory lock. Idempotent.
func (l *FileLock) Unlock() {
	if l == nil || l.released {
		return
	}
	l.released = true
	unlockExclusive(l.file)
	l.file.Close()
	// The lock file itself is left in place: removing it would race with
	// another process that has already opened it and is waiting to lock.
}

