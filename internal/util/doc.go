// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides the shared filesystem primitives the trust layer
// is built on: crash-safe atomic writes and cross-process advisory locks.
//
// # Key Functions
//
// File Operations:
//   - AtomicWriteFile: Crash-safe file writing with fsync
//   - Writer: lock-guarded atomic writes and serialized appends
//   - AcquireLock: bounded-wait exclusive lock on a sibling lock file
//
// # Usage
//
//	w := util.NewWriter(util.DefaultLockBudget())
//	err := w.WriteJSON(path, payload)
//
// Every caller that mutates a shared file (the audit ledger, the integrity
// cache) goes through this package so that concurrent CLI invocations in
// separate processes serialize on the same lock files.
package util
