// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session tracks operator sessions so ledger events group under
// a stable session_id. Sessions expire after an idle timeout; touching an
// expired session transparently starts a fresh one, which keeps the
// ledger honest about when work actually happened.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultIdleTimeout ends sessions after this much inactivity.
const DefaultIdleTimeout = 30 * time.Minute

// Session is one operator work period.
type Session struct {
	ID        string
	User      string
	StartedAt time.Time
	LastSeen  time.Time
}

// Manager hands out and expires sessions. Safe for concurrent use.
type Manager struct {
	idleTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session // keyed by user

	// OnStart and OnEnd observe session lifecycle (for ledger events).
	// Called outside the manager's lock.
	OnStart func(Session)
	OnEnd   func(Session)

	now func() time.Time
}

// NewManager creates a Manager. A zero idleTimeout selects the default.
func NewManager(idleTimeout time.Duration) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Manager{
		idleTimeout: idleTimeout,
		sessions:    make(map[string]*Session),
		now:         time.Now,
	}
}

// Touch returns the user's current session, starting a new one when none
// exists or the previous one idled out.
func (m *Manager) Touch(user string) Session {
	var started, ended *Session

	m.mu.Lock()
	now := m.now()
	s, ok := m.sessions[user]
	if ok && now.Sub(s.LastSeen) > m.idleTimeout {
		expired := *s
		ended = &expired
		ok = false
	}
	if !ok {
		s = &Session{
			ID:        uuid.NewString(),
			User:      user,
			StartedAt: now,
		}
		m.sessions[user] = s
		fresh := *s
		started = &fresh
	}
	s.LastSeen = now
	out := *s
	m.mu.Unlock()

	if ended != nil && m.OnEnd != nil {
		m.OnEnd(*ended)
	}
	if started != nil && m.OnStart != nil {
		m.OnStart(*started)
	}
	return out
}

// End closes the user's session explicitly. Ending an absent session is a
// no-op.
func (m *Manager) End(user string) {
	m.mu.Lock()
	s, ok := m.sessions[user]
	if ok {
		delete(m.sessions, user)
	}
	m.mu.Unlock()

	if ok && m.OnEnd != nil {
		m.OnEnd(*s)
	}
}

// Active returns the number of unexpired sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for _, s := range m.sessions {
		if now.Sub(s.LastSeen) <= m.idleTimeout {
			n++
		}
	}
	return n
}
