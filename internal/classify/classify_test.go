// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package classify

import (
	"errors"
	"strings"
	"testing"
)

func newTestClassifier(t *testing.T) *Classifier {
	t.Helper()
	c, err := New(Defaults())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

// =============================================================================
// LEVEL TESTS
// =============================================================================

func TestLevelOrdering(t *testing.T) {
	if !(Public < Restricted && Restricted < Confidential) {
		t.Fatal("Level ordering broken")
	}
	if Compare(Public, Confidential) != -1 {
		t.Error("Compare(Public, Confidential) != -1")
	}
	if Compare(Confidential, Public) != 1 {
		t.Error("Compare(Confidential, Public) != 1")
	}
	if Compare(Restricted, Restricted) != 0 {
		t.Error("Compare(Restricted, Restricted) != 0")
	}
}

func TestMoreSensitive(t *testing.T) {
	tests := []struct {
		a, b, want Level
	}{
		{Public, Public, Public},
		{Public, Restricted, Restricted},
		{Restricted, Confidential, Confidential},
		{Confidential, Public, Confidential},
	}
	for _, tt := range tests {
		if got := MoreSensitive(tt.a, tt.b); got != tt.want {
			t.Errorf("MoreSensitive(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  Level
	}{
		{"PUBLIC", Public},
		{"public", Public},
		{" Restricted ", Restricted},
		{"CONFIDENTIAL", Confidential},
		// Unknown markings never parse down to Public.
		{"secret", Restricted},
		{"", Restricted},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

// =============================================================================
// COMMAND CLASSIFICATION
// =============================================================================

func TestClassifyCommand(t *testing.T) {
	c := newTestClassifier(t)

	tests := []struct {
		command string
		want    Level
	}{
		{"draft", Confidential},
		{"submission", Confidential},
		{"presub", Confidential},
		{"DRAFT", Confidential},
		{"help", Public},
		{"version", Public},
		{"lookup", Public},
		// Unknown commands fail toward caution, never Public.
		{"research", Restricted},
		{"frobnicate", Restricted},
		{"", Restricted},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			if got := c.ClassifyCommand(tt.command); got != tt.want {
				t.Errorf("ClassifyCommand(%q) = %v, want %v", tt.command, got, tt.want)
			}
		})
	}
}

// =============================================================================
// CONTENT CLASSIFICATION
// =============================================================================

func TestClassifyContent(t *testing.T) {
	c := newTestClassifier(t)

	tests := []struct {
		name    string
		content string
		want    Level
	}{
		{"k_number", "compare against K230001 please", Confidential},
		{"pma_number", "see P170019 for the predicate", Confidential},
		{"de_novo", "granted as DEN200012", Confidential},
		{"draft_filename", "open draft_510k_section7.md", Confidential},
		{"submission_filename", "acme_submission_v3.docx", Confidential},
		{"report_keyword", "generate the annual report", Restricted},
		{"analysis_keyword", "run a gap analysis", Restricted},
		{"plain", "what does substantial equivalence mean", Public},
		{"empty", "", Public},
		{"k_number_needs_six_digits", "K12345 is not a real number", Public},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.ClassifyContent(tt.content); got != tt.want {
				t.Errorf("ClassifyContent(%q) = %v, want %v", tt.content, got, tt.want)
			}
		})
	}
}

// =============================================================================
// COMBINED CLASSIFICATION
// =============================================================================

// TestClassifyMonotonic verifies the escalation law: adding content never
// lowers a command's tier.
func TestClassifyMonotonic(t *testing.T) {
	c := newTestClassifier(t)

	// A confidential command stays confidential whatever the args say.
	for _, args := range [][]string{nil, {"hello"}, {"public data"}, {"report"}} {
		got, err := c.Classify("draft", args, "")
		if err != nil {
			t.Fatal(err)
		}
		if got != Confidential {
			t.Errorf("Classify(draft, %v) = %v, want Confidential", args, got)
		}
	}

	// A restricted command escalates when args carry a device identifier.
	got, err := c.Classify("research", []string{"K230001"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if got != Confidential {
		t.Errorf("Classify(research, K230001) = %v, want Confidential", got)
	}

	// A public command with plain args stays public.
	got, err = c.Classify("lookup", []string{"substantial equivalence"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if got != Public {
		t.Errorf("Classify(lookup, plain) = %v, want Public", got)
	}

	// Context escalates like args do.
	got, err = c.Classify("lookup", nil, "working from draft_cover_letter.md")
	if err != nil {
		t.Fatal(err)
	}
	if got != Confidential {
		t.Errorf("Classify(lookup, ctx=draft file) = %v, want Confidential", got)
	}
}

func TestClassifyValidation(t *testing.T) {
	c := newTestClassifier(t)

	_, err := c.Classify("draft", []string{"bad\x00arg"}, "")
	if err == nil {
		t.Fatal("Expected validation error for NUL byte")
	}
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("Expected *ValidationError, got %T", err)
	}

	huge := strings.Repeat("x", MaxInputBytes+1)
	if _, err := c.Classify("draft", []string{huge}, ""); err == nil {
		t.Error("Expected validation error for oversized input")
	}
}

func TestNewRejectsBadPattern(t *testing.T) {
	rules := Defaults()
	rules.ConfidentialPatterns = append(rules.ConfidentialPatterns, "([unclosed")
	if _, err := New(rules); err == nil {
		t.Fatal("Expected error for invalid pattern")
	}
}
