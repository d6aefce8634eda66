// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"testing"

	"github.com/andrewlasiter/fda-tools-sub007/internal/classify"
)

// =============================================================================
// PROVIDER SELECTION
// =============================================================================

func TestPickProvider(t *testing.T) {
	r := Default()

	tests := []struct {
		name      string
		level     classify.Level
		available []string
		want      string
	}{
		{"confidential_local_only", classify.Confidential, []string{"ollama", "openrouter"}, "ollama"},
		{"confidential_no_local", classify.Confidential, []string{"openrouter", "anthropic"}, ProviderNone},
		{"confidential_nothing", classify.Confidential, nil, ProviderNone},
		{"public_prefers_networked", classify.Public, []string{"ollama", "openrouter"}, "openrouter"},
		{"restricted_prefers_networked", classify.Restricted, []string{"anthropic", "ollama"}, "anthropic"},
		{"public_falls_back_to_local", classify.Public, []string{"ollama"}, "ollama"},
		{"public_nothing", classify.Public, nil, ProviderNone},
		{"case_insensitive", classify.Confidential, []string{"OLLAMA"}, "ollama"},
		{"unknown_provider_ignored", classify.Confidential, []string{"mystery"}, ProviderNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.PickProvider(tt.level, tt.available); got != tt.want {
				t.Errorf("PickProvider(%v, %v) = %q, want %q", tt.level, tt.available, got, tt.want)
			}
		})
	}
}

// TestNoSilentFallback pins the rule that confidential material never
// falls back to a networked provider when the local one is down.
func TestNoSilentFallback(t *testing.T) {
	r := Default()
	got := r.PickProvider(classify.Confidential, []string{"openrouter"})
	if got != ProviderNone {
		t.Fatalf("Confidential with only networked providers must yield %q, got %q", ProviderNone, got)
	}
}

// =============================================================================
// CHANNEL GATING
// =============================================================================

func TestChannelAllowed(t *testing.T) {
	r := Default()

	tests := []struct {
		level   classify.Level
		channel string
		want    bool
	}{
		{classify.Public, "slack", true},
		{classify.Restricted, "slack", true},
		{classify.Restricted, "email", true},
		{classify.Confidential, "cli", true},
		{classify.Confidential, "file", true},
		{classify.Confidential, "slack", false},
		{classify.Confidential, "email", false},
		{classify.Confidential, "webhook", false},
		{classify.Confidential, "CLI", true},
	}

	for _, tt := range tests {
		if got := r.ChannelAllowed(tt.level, tt.channel); got != tt.want {
			t.Errorf("ChannelAllowed(%v, %q) = %v, want %v", tt.level, tt.channel, got, tt.want)
		}
	}
}

func TestWarnings(t *testing.T) {
	r := Default()

	// Confidential on a messaging channel: one blocking warning.
	w := r.Warnings(classify.Confidential, "slack")
	if len(w) != 1 || !w[0].Blocking {
		t.Fatalf("Confidential/slack: want one blocking warning, got %+v", w)
	}

	// Restricted on a messaging channel: one advisory warning.
	w = r.Warnings(classify.Restricted, "email")
	if len(w) != 1 || w[0].Blocking {
		t.Fatalf("Restricted/email: want one advisory warning, got %+v", w)
	}

	// Public anywhere, or confidential on a direct channel: no warnings.
	if w := r.Warnings(classify.Public, "slack"); len(w) != 0 {
		t.Errorf("Public/slack: want no warnings, got %+v", w)
	}
	if w := r.Warnings(classify.Confidential, "cli"); len(w) != 0 {
		t.Errorf("Confidential/cli: want no warnings, got %+v", w)
	}
}

func TestCustomCatalogue(t *testing.T) {
	r := New(
		[]Provider{{Name: "llamafarm", Isolated: true}, {Name: "cloudy", Isolated: false}},
		[]string{"cli"},
		[]string{"pager"},
	)

	if got := r.PickProvider(classify.Confidential, []string{"llamafarm", "cloudy"}); got != "llamafarm" {
		t.Errorf("PickProvider = %q, want llamafarm", got)
	}
	if !r.IsIsolated("llamafarm") || r.IsIsolated("cloudy") || r.IsIsolated("unknown") {
		t.Error("IsIsolated misreports catalogue entries")
	}
	if !r.IsMessagingChannel("pager") {
		t.Error("IsMessagingChannel(pager) = false")
	}
	if r.ChannelAllowed(classify.Confidential, "file") {
		t.Error("file is not in this catalogue's confidential channels")
	}
}
