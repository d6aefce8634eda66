// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// =============================================================================
// INTEGRITY VERIFICATION
// =============================================================================

// Report summarizes a ledger verification pass. Line numbers are 1-based
// positions in the active ledger file.
type Report struct {
	Valid          bool     `json:"valid"`
	TotalEvents    int      `json:"total_events"`
	VerifiedEvents int      `json:"verified_events"`
	InvalidHashes  []int    `json:"invalid_hashes,omitempty"`
	BrokenChains   []int    `json:"broken_chains,omitempty"`
	Issues         []string `json:"issues,omitempty"`
}

func (r *Report) addIssue(format string, args ...any) {
	r.Issues = append(r.Issues, fmt.Sprintf(format, args...))
}

// VerifyIntegrity walks the whole active ledger and checks, per line, that
// the stored event_hash matches the recomputed canonical hash and that
// prev_event_hash equals the previous line's event_hash. The first line's
// prev must be null, or must equal the rotation checkpoint when one
// exists. Verification never modifies the ledger.
//
// An absent ledger verifies clean only when no checkpoint exists: a
// checkpoint with no ledger means events were destroyed after rotation.
func (l *Ledger) VerifyIntegrity() (*Report, error) {
	report := &Report{Valid: true}

	checkpoint, err := l.checkpointHash()
	if err != nil {
		return nil, fmt.Errorf("failed to read rotation checkpoint: %w", err)
	}

	lines, err := l.readLines()
	if errors.Is(err, fs.ErrNotExist) {
		if checkpoint != nil {
			report.Valid = false
			report.addIssue("rotation checkpoint exists but ledger is missing")
		}
		return report, nil
	}
	if err != nil {
		return nil, err
	}

	var prevHash *string = checkpoint
	for i, line := range lines {
		lineNo := i + 1
		report.TotalEvents++

		obj, parseErr := parseLine(line)
		if parseErr != nil {
			report.Valid = false
			report.InvalidHashes = append(report.InvalidHashes, lineNo)
			report.addIssue("line %d: unparseable: %v", lineNo, parseErr)
			// An unparseable line breaks the chain for its successor too.
			prevHash = nil
			continue
		}

		storedHash, _ := obj["event_hash"].(string)
		computed, hashErr := hashLine(obj)
		if hashErr != nil || storedHash == "" ||
			!hmac.Equal([]byte(storedHash), []byte(computed)) {
			report.Valid = false
			report.InvalidHashes = append(report.InvalidHashes, lineNo)
			report.addIssue("line %d: event_hash does not match content", lineNo)
		}

		storedID, _ := obj["event_id"].(string)
		if storedHash != "" && storedID != "" && !strings.HasPrefix(storedHash, storedID) {
			report.Valid = false
			report.InvalidHashes = append(report.InvalidHashes, lineNo)
			report.addIssue("line %d: event_id is not a prefix of event_hash", lineNo)
		}

		if !chainLinkOK(obj, prevHash) {
			report.Valid = false
			report.BrokenChains = append(report.BrokenChains, lineNo)
			report.addIssue("line %d: prev_event_hash does not match preceding event", lineNo)
		}

		if !containsInt(report.InvalidHashes, lineNo) && !containsInt(report.BrokenChains, lineNo) {
			report.VerifiedEvents++
		}

		if storedHash != "" {
			h := storedHash
			prevHash = &h
		} else {
			prevHash = nil
		}
	}

	return report, nil
}

// parseLine decodes one NDJSON ledger line with numbers preserved
// verbatim, so recomputed hashes match what the writer hashed.
func parseLine(line string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(line))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// chainLinkOK checks the line's prev_event_hash against the expected
// predecessor hash (nil means "must be JSON null").
func chainLinkOK(obj map[string]any, prev *string) bool {
	stored, present := obj["prev_event_hash"]
	if !present {
		return false
	}
	if prev == nil {
		return stored == nil
	}
	s, ok := stored.(string)
	return ok && hmac.Equal([]byte(s), []byte(*prev))
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// =============================================================================
// WITNESS VERIFICATION
// =============================================================================

// VerifyWitness cross-checks the witness file against the ledger. Every
// witnessed event that still exists in the active ledger must carry the
// witnessed hash; a mismatch means the ledger line was rewritten after it
// was witnessed. Returns the issues found; empty means consistent.
func (l *Ledger) VerifyWitness() ([]string, error) {
	data, err := os.ReadFile(l.WitnessPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read witness file: %w", err)
	}

	byID := make(map[string]string)
	events, err := l.Events(Filter{}, 0)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		byID[e.EventID] = e.EventHash
	}

	var issues []string
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) != 3 {
			issues = append(issues, fmt.Sprintf("witness line %d: malformed", i+1))
			continue
		}
		id, hash := parts[1], parts[2]
		ledgerHash, present := byID[id]
		if !present {
			// Rotated out; the archive carries it now.
			continue
		}
		if !hmac.Equal([]byte(ledgerHash), []byte(hash)) {
			issues = append(issues,
				fmt.Sprintf("witness line %d: event %s hash disagrees with ledger", i+1, id))
		}
	}
	return issues, nil
}
