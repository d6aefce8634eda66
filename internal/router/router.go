// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package router maps a sensitivity tier onto a model provider and an
// output channel decision. Routing is allow-list driven: confidential
// material may only reach isolated (local-only) providers and direct
// channels, and there is never a silent fallback from an isolated
// provider to a networked one.
package router

import (
	"strings"

	"github.com/andrewlasiter/fda-tools-sub007/internal/classify"
)

// =============================================================================
// PROVIDERS
// =============================================================================

// ProviderNone is the sentinel returned when no acceptable provider exists
// for the requested tier. Callers must treat it as "do not send".
const ProviderNone = "none"

// Provider describes one configured model provider.
type Provider struct {
	// Name is the provider identifier used in decisions and audit records.
	Name string
	// Isolated marks a local-only provider whose traffic never leaves the
	// machine. Confidential material may only route to isolated providers.
	Isolated bool
}

// DefaultProviders returns the built-in provider catalogue, in preference
// order within each isolation class.
func DefaultProviders() []Provider {
	return []Provider{
		{Name: "ollama", Isolated: true},
		{Name: "openrouter", Isolated: false},
		{Name: "anthropic", Isolated: false},
	}
}

// =============================================================================
// CHANNELS
// =============================================================================

// DefaultConfidentialChannels are the direct, operator-controlled channels
// confidential output may use.
func DefaultConfidentialChannels() []string {
	return []string{"cli", "file", "direct"}
}

// DefaultMessagingChannels are broadcast-style channels where restricted
// material draws an advisory warning and confidential material is blocked.
func DefaultMessagingChannels() []string {
	return []string{"slack", "email", "teams", "webhook", "broadcast"}
}

// =============================================================================
// WARNINGS
// =============================================================================

// Warning is an advisory or blocking note attached to a routing decision.
type Warning struct {
	Message  string `json:"message"`
	Blocking bool   `json:"blocking"`
}

// =============================================================================
// ROUTER
// =============================================================================

// Router makes provider and channel decisions for classified material.
// Construct once from configuration; read-only afterward.
type Router struct {
	providers            map[string]Provider
	order                []string // catalogue order, drives preference
	confidentialChannels map[string]struct{}
	messagingChannels    map[string]struct{}
}

// New builds a Router from a provider catalogue and channel lists.
// Duplicate provider names keep the first entry.
func New(providers []Provider, confidentialChannels, messagingChannels []string) *Router {
	r := &Router{
		providers:            make(map[string]Provider, len(providers)),
		confidentialChannels: make(map[string]struct{}, len(confidentialChannels)),
		messagingChannels:    make(map[string]struct{}, len(messagingChannels)),
	}
	for _, p := range providers {
		name := strings.ToLower(p.Name)
		if _, dup := r.providers[name]; dup {
			continue
		}
		r.providers[name] = Provider{Name: name, Isolated: p.Isolated}
		r.order = append(r.order, name)
	}
	for _, ch := range confidentialChannels {
		r.confidentialChannels[strings.ToLower(ch)] = struct{}{}
	}
	for _, ch := range messagingChannels {
		r.messagingChannels[strings.ToLower(ch)] = struct{}{}
	}
	return r
}

// Default returns a Router over the built-in catalogue and channel lists.
func Default() *Router {
	return New(DefaultProviders(), DefaultConfidentialChannels(), DefaultMessagingChannels())
}

// PickProvider selects a provider for the tier from the available set.
//
// Confidential: only an isolated provider is acceptable; when none is
// available the result is ProviderNone. There is no fallback to a
// networked provider.
//
// Public and Restricted: a networked provider is preferred when present,
// else an isolated one, else ProviderNone.
func (r *Router) PickProvider(level classify.Level, available []string) string {
	if level == classify.Confidential {
		if name, ok := r.firstAvailable(available, true); ok {
			return name
		}
		return ProviderNone
	}

	if name, ok := r.firstAvailable(available, false); ok {
		return name
	}
	if name, ok := r.firstAvailable(available, true); ok {
		return name
	}
	return ProviderNone
}

// firstAvailable returns the first catalogued provider, in catalogue order,
// that is present in available and matches the isolation flag.
func (r *Router) firstAvailable(available []string, isolated bool) (string, bool) {
	avail := make(map[string]struct{}, len(available))
	for _, a := range available {
		avail[strings.ToLower(a)] = struct{}{}
	}
	for _, name := range r.order {
		p := r.providers[name]
		if p.Isolated != isolated {
			continue
		}
		if _, ok := avail[name]; ok {
			return name, true
		}
	}
	return "", false
}

// IsIsolated reports whether the named provider is catalogued as isolated.
// Unknown providers report false.
func (r *Router) IsIsolated(name string) bool {
	p, ok := r.providers[strings.ToLower(name)]
	return ok && p.Isolated
}

// ChannelAllowed reports whether the tier may be written to the channel.
// Public and Restricted are allowed everywhere; Confidential only on the
// configured direct channels.
func (r *Router) ChannelAllowed(level classify.Level, channel string) bool {
	if level != classify.Confidential {
		return true
	}
	_, ok := r.confidentialChannels[strings.ToLower(channel)]
	return ok
}

// IsMessagingChannel reports whether the channel is broadcast style.
func (r *Router) IsMessagingChannel(channel string) bool {
	_, ok := r.messagingChannels[strings.ToLower(channel)]
	return ok
}

// Warnings returns the warnings for a tier/channel combination.
// Confidential on a disallowed channel yields one blocking warning;
// Restricted on a messaging channel yields one advisory warning.
func (r *Router) Warnings(level classify.Level, channel string) []Warning {
	ch := strings.ToLower(channel)
	switch {
	case level == classify.Confidential && !r.ChannelAllowed(level, channel):
		return []Warning{{
			Message:  "CONFIDENTIAL content blocked on channel '" + ch + "'",
			Blocking: true,
		}}
	case level == classify.Restricted && r.IsMessagingChannel(channel):
		return []Warning{{
			Message:  "RESTRICTED content routed to messaging channel '" + ch + "' - verify recipients",
			Blocking: false,
		}}
	default:
		return nil
	}
}
