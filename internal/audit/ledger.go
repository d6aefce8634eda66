// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package audit maintains the append-only, hash-chained event ledger for
// the regulated workflow (NIST 800-53 AU-2, AU-5, AU-9). Every security
// decision lands here as one NDJSON line whose hash covers its content
// and whose prev_event_hash links it to the line before, so deletion,
// reordering, and edits are all detectable after the fact.
package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/andrewlasiter/fda-tools-sub007/internal/canonical"
	"github.com/andrewlasiter/fda-tools-sub007/internal/util"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultRetentionDays keeps events for seven years, the regulated
	// record-retention horizon.
	DefaultRetentionDays = 365 * 7

	// EventIDLength is the hex prefix of the event hash used as the ID.
	EventIDLength = 16

	// tailReadBytes bounds the backward read that recovers the previous
	// event's hash; far larger than any single ledger line.
	tailReadBytes = 64 * 1024
)

// Standard event types.
const (
	EventGatewayDecision = "gateway_decision"
	EventIntegrityCheck  = "integrity_check"
	EventCacheViolation  = "cache_violation"
	EventRotation        = "ledger_rotation"
	EventSessionStart    = "session_start"
	EventSessionEnd      = "session_end"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrAuditWrite indicates the ledger could not durably record an event.
var ErrAuditWrite = errors.New("audit write failed")

// AuditWriteError carries the ledger path and cause of a failed append.
// Callers surface it to the operator but never let it change a security
// decision already made.
type AuditWriteError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *AuditWriteError) Error() string {
	return fmt.Sprintf("audit write to %s failed: %v", e.Path, e.Err)
}

// Unwrap allows errors.Is against both ErrAuditWrite and the cause.
func (e *AuditWriteError) Unwrap() error { return e.Err }

// Is reports ErrAuditWrite identity.
func (e *AuditWriteError) Is(target error) bool { return target == ErrAuditWrite }

// =============================================================================
// ENTRY
// =============================================================================

// Entry is one ledger event. EventHash covers the canonical JSON of the
// entry with event_hash and event_id blanked; EventID is the first 16 hex
// characters of EventHash. PrevEventHash is null only for the first event
// of a chain with no rotation checkpoint.
type Entry struct {
	Timestamp      string         `json:"timestamp"`
	EventID        string         `json:"event_id"`
	EventHash      string         `json:"event_hash"`
	PrevEventHash  *string        `json:"prev_event_hash"`
	EventType      string         `json:"event_type"`
	User           string         `json:"user_id"`
	SessionID      string         `json:"session_id,omitempty"`
	Command        string         `json:"command,omitempty"`
	Args           []string       `json:"args,omitempty"`
	Classification string         `json:"classification,omitempty"`
	Provider       string         `json:"llm_provider,omitempty"`
	Channel        string         `json:"channel,omitempty"`
	Allowed        *bool          `json:"allowed,omitempty"`
	Success        *bool          `json:"success,omitempty"`
	DurationMS     *float64       `json:"duration_ms,omitempty"`
	Violations     []string       `json:"violations,omitempty"`
	Warnings       []string       `json:"warnings,omitempty"`
	FilesRead      []string       `json:"files_read,omitempty"`
	FilesWritten   []string       `json:"files_written,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
}

// ComputeHash returns the hex SHA-256 of the entry's canonical JSON with
// the hash and ID fields blanked. Deterministic across processes and
// across a disk round trip.
func (e Entry) ComputeHash() (string, error) {
	e.EventHash = ""
	e.EventID = ""
	canon, err := canonical.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize event: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// hashLine recomputes the hash of a parsed ledger line the same way
// ComputeHash does for a fresh entry.
func hashLine(obj map[string]any) (string, error) {
	blanked := make(map[string]any, len(obj))
	for k, v := range obj {
		blanked[k] = v
	}
	blanked["event_hash"] = ""
	blanked["event_id"] = ""
	canon, err := canonical.Marshal(blanked)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// =============================================================================
// LEDGER
// =============================================================================

// Ledger appends to and reads the hash-chained event file. Safe for use
// from multiple goroutines and multiple processes; every append runs as a
// read-modify-append critical section under the file's advisory lock.
type Ledger struct {
	path   string
	writer *util.Writer
	seal   *SealKey

	// Notify receives operator-facing audit alerts. Defaults to stderr.
	Notify func(format string, args ...any)

	// now is swappable for rotation and retention tests.
	now func() time.Time
}

// NewLedger creates a Ledger over path using the writer's lock budget.
func NewLedger(path string, writer *util.Writer) *Ledger {
	return &Ledger{
		path:   path,
		writer: writer,
		Notify: func(format string, args ...any) {
			fmt.Fprintf(os.Stderr, format+"\n", args...)
		},
		now: time.Now,
	}
}

// Path returns the active ledger file path.
func (l *Ledger) Path() string { return l.path }

// WitnessPath returns the sibling witness file path.
func (l *Ledger) WitnessPath() string { return l.path + ".witness" }

// checkpointPath returns the rotation checkpoint path. The checkpoint
// stores the hash of the last archived event so the chain stays
// verifiable across rotations.
func (l *Ledger) checkpointPath() string { return l.path + ".chain" }

// SetSealKey attaches the HMAC key used to seal rotation archives.
func (l *Ledger) SetSealKey(k *SealKey) { l.seal = k }

// LogEvent appends the event to the ledger and returns it with its hash,
// ID, and chain link filled in. The whole operation holds the ledger lock:
// concurrent writers from other processes serialize here, so the chain
// never forks.
//
// On failure the operator is notified on stderr (AU-5) and an
// *AuditWriteError is returned; the caller's decision must stand
// regardless.
func (l *Ledger) LogEvent(e Entry) (Entry, error) {
	if e.Timestamp == "" {
		e.Timestamp = l.now().UTC().Format(time.RFC3339Nano)
	}
	if e.EventType == "" {
		return Entry{}, &AuditWriteError{Path: l.path, Err: errors.New("event_type is required")}
	}

	lock, err := l.writer.Lock(l.path)
	if err != nil {
		l.notifyFailure(err)
		return Entry{}, &AuditWriteError{Path: l.path, Err: err}
	}
	defer lock.Unlock()

	prev, err := l.lastEventHash()
	if err != nil {
		l.notifyFailure(err)
		return Entry{}, &AuditWriteError{Path: l.path, Err: err}
	}
	e.PrevEventHash = prev

	hash, err := e.ComputeHash()
	if err != nil {
		l.notifyFailure(err)
		return Entry{}, &AuditWriteError{Path: l.path, Err: err}
	}
	e.EventHash = hash
	e.EventID = hash[:EventIDLength]

	line, err := json.Marshal(e)
	if err != nil {
		l.notifyFailure(err)
		return Entry{}, &AuditWriteError{Path: l.path, Err: err}
	}

	if err := util.AppendLocked(l.path, string(line)+"\n"); err != nil {
		l.notifyFailure(err)
		return Entry{}, &AuditWriteError{Path: l.path, Err: err}
	}

	// The witness is a secondary record; a witness failure is reported but
	// does not invalidate the already-durable ledger line.
	if err := l.appendWitness(e); err != nil {
		l.Notify("[AU-9 WARN] Witness write failed for event %s: %v", e.EventID, err)
	}

	return e, nil
}

func (l *Ledger) notifyFailure(err error) {
	l.Notify("[AU-5 CRITICAL] Audit event could not be recorded: %v", err)
	l.Notify("[AU-5 CRITICAL] The action was evaluated but is NOT in the audit trail.")
}

// lastEventHash reads the chain tip: the event_hash of the last parseable
// line, found with one bounded backward read. An empty or absent ledger
// falls back to the rotation checkpoint; nil means a genuinely fresh chain.
// Caller must hold the ledger lock.
func (l *Ledger) lastEventHash() (*string, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return l.checkpointHash()
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		return l.checkpointHash()
	}

	readLen := info.Size()
	if readLen > tailReadBytes {
		readLen = tailReadBytes
	}
	buf := make([]byte, readLen)
	if _, err := f.ReadAt(buf, info.Size()-readLen); err != nil && err != io.EOF {
		return nil, err
	}

	// Walk candidate lines back to front until one parses with a hash.
	lines := bytes.Split(buf, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 {
			continue
		}
		var obj struct {
			EventHash string `json:"event_hash"`
		}
		if json.Unmarshal(line, &obj) == nil && obj.EventHash != "" {
			h := obj.EventHash
			return &h, nil
		}
	}
	return l.checkpointHash()
}

// checkpointHash loads the last archived hash left behind by Rotate.
func (l *Ledger) checkpointHash() (*string, error) {
	data, err := os.ReadFile(l.checkpointPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	h := strings.TrimSpace(string(data))
	if h == "" {
		return nil, nil
	}
	return &h, nil
}

// appendWitness records ts|event_id|event_hash in the sibling witness
// file. The witness detects wholesale ledger replacement: rewriting the
// ledger consistently still leaves the witness disagreeing.
func (l *Ledger) appendWitness(e Entry) error {
	line := fmt.Sprintf("%s|%s|%s\n", e.Timestamp, e.EventID, e.EventHash)
	return util.AppendLocked(l.WitnessPath(), line)
}

// =============================================================================
// QUERY
// =============================================================================

// Filter selects ledger events. Zero fields match everything.
type Filter struct {
	User           string
	EventType      string
	Command        string
	Classification string
	Since          time.Time
	Until          time.Time
}

func (f Filter) matches(e Entry) bool {
	if f.User != "" && e.User != f.User {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.Command != "" && e.Command != f.Command {
		return false
	}
	if f.Classification != "" && !strings.EqualFold(e.Classification, f.Classification) {
		return false
	}
	if !f.Since.IsZero() || !f.Until.IsZero() {
		ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
		if err != nil {
			return false
		}
		if !f.Since.IsZero() && ts.Before(f.Since) {
			return false
		}
		if !f.Until.IsZero() && ts.After(f.Until) {
			return false
		}
	}
	return true
}

// Events scans the ledger and returns matching events in file order.
// A positive limit keeps only the most recent matches. Unparseable lines
// are skipped here; VerifyIntegrity is the tool that reports them.
func (l *Ledger) Events(f Filter, limit int) ([]Entry, error) {
	lines, err := l.readLines()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var out []Entry
	for _, line := range lines {
		var e Entry
		if json.Unmarshal([]byte(line), &e) != nil {
			continue
		}
		if f.matches(e) {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// readLines returns the ledger's non-empty lines.
func (l *Ledger) readLines() ([]string, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	raw := strings.Split(string(data), "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}
