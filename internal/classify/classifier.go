// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package classify

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// MaxInputBytes bounds classifier input. Inputs past this size are almost
// certainly file contents passed by mistake; reject rather than scan.
const MaxInputBytes = 1 << 20

// =============================================================================
// ERRORS
// =============================================================================

// ErrInvalidInput indicates malformed classifier input.
var ErrInvalidInput = errors.New("invalid classifier input")

// ValidationError describes why classifier input was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Unwrap allows errors.Is(err, ErrInvalidInput).
func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// =============================================================================
// RULE SETS
// =============================================================================

// RuleSet holds the command allow-sets and content patterns the classifier
// dispatches on. Rule sets come from configuration so operators can extend
// them without a rebuild; Defaults() is the built-in baseline.
type RuleSet struct {
	// ConfidentialCommands always classify Confidential regardless of args.
	ConfidentialCommands []string
	// PublicCommands classify Public unless content escalates them.
	PublicCommands []string
	// ConfidentialPatterns match structured identifiers and draft/working
	// document filenames.
	ConfidentialPatterns []string
	// RestrictedKeywords match report/analysis-style working material.
	RestrictedKeywords []string
}

// Defaults returns the built-in rule set for the premarket workflow.
//
// The confidential patterns recognize FDA premarket identifiers: 510(k)
// K-numbers (K230001), PMA numbers (P170019), De Novo numbers (DEN200012),
// and draft/submission working filenames.
func Defaults() RuleSet {
	return RuleSet{
		ConfidentialCommands: []string{
			"draft", "submission", "amend", "presub", "device-profile", "meeting",
		},
		PublicCommands: []string{
			"help", "version", "status", "lookup", "glossary",
		},
		ConfidentialPatterns: []string{
			`\bK\d{6}\b`,
			`\bP\d{6}\b`,
			`\bDEN\d{6}\b`,
			`\bNSE\d{6}\b`,
			`(?i)\bdraft_[\w.-]+`,
			`(?i)[\w.-]*_submission[\w.-]*`,
			`(?i)\bpredicate_compare[\w.-]*`,
		},
		RestrictedKeywords: []string{
			"report", "analysis", "summary", "review", "comparison", "assessment",
		},
	}
}

// =============================================================================
// CLASSIFIER
// =============================================================================

// Classifier assigns sensitivity tiers. It is deterministic and rule
// based; construct once with the configured rule set and share freely
// (read-only after construction).
type Classifier struct {
	confidentialCommands map[string]struct{}
	publicCommands       map[string]struct{}
	confidentialPatterns []*regexp.Regexp
	restrictedKeywords   []string
}

// New compiles a Classifier from the given rule set.
func New(rules RuleSet) (*Classifier, error) {
	c := &Classifier{
		confidentialCommands: make(map[string]struct{}, len(rules.ConfidentialCommands)),
		publicCommands:       make(map[string]struct{}, len(rules.PublicCommands)),
	}
	for _, cmd := range rules.ConfidentialCommands {
		c.confidentialCommands[strings.ToLower(cmd)] = struct{}{}
	}
	for _, cmd := range rules.PublicCommands {
		c.publicCommands[strings.ToLower(cmd)] = struct{}{}
	}
	for _, pat := range rules.ConfidentialPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("bad confidential pattern %q: %w", pat, err)
		}
		c.confidentialPatterns = append(c.confidentialPatterns, re)
	}
	for _, kw := range rules.RestrictedKeywords {
		c.restrictedKeywords = append(c.restrictedKeywords, strings.ToLower(kw))
	}
	return c, nil
}

// MustNew is like New but panics on a bad rule set. Use with Defaults().
func MustNew(rules RuleSet) *Classifier {
	c, err := New(rules)
	if err != nil {
		panic(err)
	}
	return c
}

// ClassifyCommand assigns a tier from the command name alone. A command
// absent from both allow-sets defaults to Restricted — never to Public.
func (c *Classifier) ClassifyCommand(name string) Level {
	n := strings.ToLower(strings.TrimSpace(name))
	if _, ok := c.confidentialCommands[n]; ok {
		return Confidential
	}
	if _, ok := c.publicCommands[n]; ok {
		return Public
	}
	return Restricted
}

// ClassifyContent assigns a tier from free-form content. Structured
// identifiers and draft/working filenames are Confidential; report and
// analysis keywords are Restricted; everything else is Public.
func (c *Classifier) ClassifyContent(text string) Level {
	if text == "" {
		return Public
	}
	for _, re := range c.confidentialPatterns {
		if re.MatchString(text) {
			return Confidential
		}
	}
	lower := strings.ToLower(text)
	for _, kw := range c.restrictedKeywords {
		if strings.Contains(lower, kw) {
			return Restricted
		}
	}
	return Public
}

// Classify combines the command tier and the content tier of args plus
// context, returning the stricter of the two. Content can escalate a
// command's tier but never de-escalate it.
func (c *Classifier) Classify(command string, args []string, context string) (Level, error) {
	if err := validateInput("command", command); err != nil {
		return Restricted, err
	}
	content := strings.Join(args, "\n")
	if context != "" {
		content += "\n" + context
	}
	if err := validateInput("content", content); err != nil {
		return Restricted, err
	}

	cmdLevel := c.ClassifyCommand(command)
	contentLevel := c.ClassifyContent(content)
	return MoreSensitive(cmdLevel, contentLevel), nil
}

// validateInput rejects inputs the rule engine cannot reason about.
func validateInput(field, s string) error {
	if len(s) > MaxInputBytes {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("exceeds %d bytes", MaxInputBytes)}
	}
	if strings.ContainsRune(s, 0) {
		return &ValidationError{Field: field, Reason: "contains NUL byte"}
	}
	return nil
}
