// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gateway is the single enforcement point in front of any model
// call or channel write. It classifies the request, routes it, renders an
// allow/block decision, and records the decision in the audit ledger.
// Enforcement and recording are deliberately decoupled: a failed audit
// write is surfaced loudly but never changes a decision already made.
package gateway

import (
	"fmt"
	"os"

	"github.com/andrewlasiter/fda-tools-sub007/internal/audit"
	"github.com/andrewlasiter/fda-tools-sub007/internal/classify"
	"github.com/andrewlasiter/fda-tools-sub007/internal/router"
)

// =============================================================================
// REQUEST / DECISION
// =============================================================================

// Request is one operator action to evaluate.
type Request struct {
	User      string
	SessionID string
	Command   string
	Args      []string
	// Context is free-form surrounding text (open files, prior output)
	// that can escalate the classification but never lower it.
	Context string
	// Channel is where the output is headed.
	Channel string
	// AvailableProviders lists the providers currently reachable.
	AvailableProviders []string
}

// Decision is the gateway's verdict. It is complete on its own: callers
// enforce it without consulting anything else.
type Decision struct {
	Allowed  bool             `json:"allowed"`
	Level    classify.Level   `json:"-"`
	Marking  string           `json:"classification"`
	Provider string           `json:"llm_provider"`
	Channel  string           `json:"channel"`
	Warnings []router.Warning `json:"warnings,omitempty"`
	// Violations are human-readable reasons the action was blocked; empty
	// for allowed decisions.
	Violations []string `json:"violations,omitempty"`
	// EventID references the ledger record of this decision; empty when
	// the audit write failed.
	EventID string `json:"event_id,omitempty"`
}

// ShouldBlock reports whether the caller must refuse the action: either
// the decision is a block outright or a blocking warning is attached.
func (d Decision) ShouldBlock() bool {
	if !d.Allowed {
		return true
	}
	for _, w := range d.Warnings {
		if w.Blocking {
			return true
		}
	}
	return false
}

// =============================================================================
// GATEWAY
// =============================================================================

// Gateway evaluates requests. Construct with New; safe for concurrent use.
type Gateway struct {
	classifier *classify.Classifier
	router     *router.Router

	// record appends a decision to the ledger. Injected so tests can
	// observe or fail audit writes deterministically.
	record func(audit.Entry) (audit.Entry, error)

	// Notify receives operator-facing alerts. Defaults to stderr.
	Notify func(format string, args ...any)
}

// New wires a Gateway to its classifier, router, and ledger.
func New(c *classify.Classifier, r *router.Router, l *audit.Ledger) *Gateway {
	g := &Gateway{
		classifier: c,
		router:     r,
		Notify: func(format string, args ...any) {
			fmt.Fprintf(os.Stderr, format+"\n", args...)
		},
	}
	if l != nil {
		g.record = l.LogEvent
	}
	return g
}

// NewWithRecorder is New with a custom ledger recorder.
func NewWithRecorder(c *classify.Classifier, r *router.Router,
	record func(audit.Entry) (audit.Entry, error)) *Gateway {
	g := New(c, r, nil)
	g.record = record
	return g
}

// Evaluate classifies, routes, and records the request.
//
// The decision allows the action only when the channel admits the tier
// AND, for confidential material, an isolated provider was found. The
// returned error reports recording problems (audit write failure) or a
// validation failure; when err != nil alongside a recorded decision, the
// decision still stands and must be enforced as-is. Validation failures
// deny outright.
func (g *Gateway) Evaluate(req Request) (Decision, error) {
	level, err := g.classifier.Classify(req.Command, req.Args, req.Context)
	if err != nil {
		// Input the rule engine cannot reason about is never allowed
		// through; record the refusal with the failed-safe tier.
		d := Decision{
			Allowed:    false,
			Level:      level,
			Marking:    level.String(),
			Provider:   router.ProviderNone,
			Channel:    req.Channel,
			Violations: []string{err.Error()},
		}
		if recErr := g.recordDecision(req, &d, err.Error()); recErr != nil {
			g.notifyAuditFailure(recErr)
		}
		return d, err
	}

	provider := g.router.PickProvider(level, req.AvailableProviders)
	warnings := g.router.Warnings(level, req.Channel)
	channelOK := g.router.ChannelAllowed(level, req.Channel)

	allowed := channelOK &&
		(level != classify.Confidential || provider != router.ProviderNone)

	var violations []string
	if !channelOK {
		violations = append(violations, fmt.Sprintf(
			"%s content is not permitted on channel '%s'", level, req.Channel))
	}
	if level == classify.Confidential && provider == router.ProviderNone {
		violations = append(violations,
			"CONFIDENTIAL content requires an isolated provider and none is available")
	}

	d := Decision{
		Allowed:    allowed,
		Level:      level,
		Marking:    level.String(),
		Provider:   provider,
		Channel:    req.Channel,
		Warnings:   warnings,
		Violations: violations,
	}

	if err := g.recordDecision(req, &d, ""); err != nil {
		g.notifyAuditFailure(err)
		return d, err
	}
	return d, nil
}

// recordDecision writes the ledger event and back-fills the decision's
// EventID on success.
func (g *Gateway) recordDecision(req Request, d *Decision, reason string) error {
	if g.record == nil {
		return nil
	}

	var warnings []string
	for _, w := range d.Warnings {
		warnings = append(warnings, w.Message)
	}
	allowed := d.Allowed
	entry := audit.Entry{
		EventType:      audit.EventGatewayDecision,
		User:           req.User,
		SessionID:      req.SessionID,
		Command:        req.Command,
		Args:           req.Args,
		Classification: d.Marking,
		Provider:       d.Provider,
		Channel:        req.Channel,
		Allowed:        &allowed,
		Violations:     d.Violations,
		Warnings:       warnings,
	}
	if reason != "" {
		entry.Details = map[string]any{"reason": reason}
	}

	recorded, err := g.record(entry)
	if err != nil {
		return err
	}
	d.EventID = recorded.EventID
	return nil
}

func (g *Gateway) notifyAuditFailure(err error) {
	g.Notify("[AU-5 CRITICAL] Gateway decision was NOT recorded: %v", err)
}
