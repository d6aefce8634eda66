// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build unix

package util

import (
	"os"

	"golang.org/x/sys/unix"
)

// tryLockExclusive attempts a non-blocking exclusive flock on f.
// Returns (false, nil) when another process holds the lock.
func tryLockExclusive(f *os.File) (bool, error) {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return true, nil
	}
	if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
		return false, nil
	}
	return false, err
}

// unlockExclusive releases the flock. The lock is also released by the
// kernel when the descriptor is closed, so errors here are ignorable.
func unlockExclusive(f *os.File) {
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
