// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/andrewlasiter/fda-tools-sub007/internal/util"
)

// =============================================================================
// ROTATION
// =============================================================================

// RotateResult reports what a rotation pass did.
type RotateResult struct {
	ArchivedEvents int    `json:"archived_events"`
	RetainedEvents int    `json:"retained_events"`
	ArchivePath    string `json:"archive_path,omitempty"`
}

// Rotate moves events older than retentionDays into a sealed gzip archive
// under <ledger dir>/archive/ and rewrites the active ledger with the
// remaining events, all under the ledger lock. A retention of zero days
// archives everything currently in the ledger; negative selects
// DefaultRetentionDays.
//
// The hash chain stays continuous across the cut: retained events keep
// their prev_event_hash values untouched, and the hash of the last
// archived event is recorded in the rotation checkpoint so verification
// of the active file can anchor on it. Lines that do not parse cannot be
// dated, so they are retained, never archived.
//
// Archives are never deleted by this package; disposal of expired
// regulated records is a human decision.
func (l *Ledger) Rotate(retentionDays int) (*RotateResult, error) {
	if retentionDays < 0 {
		retentionDays = DefaultRetentionDays
	}
	cutoff := l.now().UTC().AddDate(0, 0, -retentionDays)

	lock, err := l.writer.Lock(l.path)
	if err != nil {
		return nil, &AuditWriteError{Path: l.path, Err: err}
	}
	defer lock.Unlock()

	lines, err := l.readLines()
	if errors.Is(err, fs.ErrNotExist) {
		return &RotateResult{}, nil
	}
	if err != nil {
		return nil, err
	}

	var archived, retained []string
	var lastArchivedHash string
	for _, line := range lines {
		var e Entry
		if json.Unmarshal([]byte(line), &e) != nil {
			retained = append(retained, line)
			continue
		}
		ts, tsErr := time.Parse(time.RFC3339Nano, e.Timestamp)
		if tsErr != nil || !ts.Before(cutoff) {
			retained = append(retained, line)
			continue
		}
		archived = append(archived, line)
		if e.EventHash != "" {
			lastArchivedHash = e.EventHash
		}
	}

	result := &RotateResult{
		ArchivedEvents: len(archived),
		RetainedEvents: len(retained),
	}
	if len(archived) == 0 {
		return result, nil
	}

	archivePath, err := l.writeArchive(archived, cutoff)
	if err != nil {
		return nil, err
	}
	result.ArchivePath = archivePath

	// Checkpoint before truncating the active file: if the rewrite below
	// fails, the worst case is duplicated (never lost) events.
	if lastArchivedHash != "" {
		ckpt := lastArchivedHash + "\n"
		if err := util.AtomicWriteFile(l.checkpointPath(), []byte(ckpt), 0600); err != nil {
			return nil, fmt.Errorf("failed to write rotation checkpoint: %w", err)
		}
	}

	var active bytes.Buffer
	for _, line := range retained {
		active.WriteString(line)
		active.WriteByte('\n')
	}
	if err := util.AtomicWriteFile(l.path, active.Bytes(), 0600); err != nil {
		return nil, &AuditWriteError{Path: l.path, Err: err}
	}

	if err := l.rewriteWitness(retained); err != nil {
		l.Notify("[AU-9 WARN] Witness rewrite after rotation failed: %v", err)
	}

	return result, nil
}

// writeArchive gzips the archived lines into archive/<base>-<cutoff
// date>.ndjson.gz with a .seal sibling when a seal key is attached. An
// existing archive for the same cutoff date gains a numeric suffix rather
// than being overwritten.
func (l *Ledger) writeArchive(lines []string, cutoff time.Time) (string, error) {
	archiveDir := filepath.Join(filepath.Dir(l.path), "archive")
	if err := os.MkdirAll(archiveDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(l.path), filepath.Ext(l.path))
	stamp := cutoff.Format("20060102")
	archivePath := filepath.Join(archiveDir, fmt.Sprintf("%s-%s.ndjson.gz", base, stamp))
	for n := 2; ; n++ {
		if _, err := os.Stat(archivePath); errors.Is(err, fs.ErrNotExist) {
			break
		}
		archivePath = filepath.Join(archiveDir, fmt.Sprintf("%s-%s.%d.ndjson.gz", base, stamp, n))
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	for _, line := range lines {
		if _, err := gz.Write([]byte(line + "\n")); err != nil {
			return "", fmt.Errorf("failed to compress archive: %w", err)
		}
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize archive: %w", err)
	}

	if err := util.AtomicWriteFile(archivePath, buf.Bytes(), 0600); err != nil {
		return "", fmt.Errorf("failed to write archive: %w", err)
	}

	if l.seal != nil {
		seal := l.seal.Seal(buf.Bytes()) + "\n"
		if err := util.AtomicWriteFile(archivePath+".seal", []byte(seal), 0600); err != nil {
			return "", fmt.Errorf("failed to write archive seal: %w", err)
		}
	}

	return archivePath, nil
}

// rewriteWitness keeps only witness lines for events still in the active
// ledger. Caller must hold the ledger lock.
func (l *Ledger) rewriteWitness(retained []string) error {
	data, err := os.ReadFile(l.WitnessPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	keep := make(map[string]struct{}, len(retained))
	for _, line := range retained {
		var e Entry
		if json.Unmarshal([]byte(line), &e) == nil && e.EventID != "" {
			keep[e.EventID] = struct{}{}
		}
	}

	var out bytes.Buffer
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		parts := strings.Split(trimmed, "|")
		if len(parts) == 3 {
			if _, ok := keep[parts[1]]; !ok {
				continue
			}
		}
		out.WriteString(trimmed)
		out.WriteByte('\n')
	}
	return util.AtomicWriteFile(l.WitnessPath(), out.Bytes(), 0600)
}

// =============================================================================
// ARCHIVE ACCESS
// =============================================================================

// VerifyArchive checks an archive's seal. Returns an error when the seal
// file is missing or the HMAC disagrees; archives written without a seal
// key verify only if the ledger also has no seal key attached.
func (l *Ledger) VerifyArchive(archivePath string) error {
	data, err := os.ReadFile(archivePath)
	if err != nil {
		return fmt.Errorf("failed to read archive: %w", err)
	}

	sealData, err := os.ReadFile(archivePath + ".seal")
	if errors.Is(err, fs.ErrNotExist) {
		if l.seal == nil {
			return nil
		}
		return fmt.Errorf("archive %s has no seal", archivePath)
	}
	if err != nil {
		return fmt.Errorf("failed to read archive seal: %w", err)
	}

	if l.seal == nil {
		return fmt.Errorf("archive %s is sealed but no seal key is loaded", archivePath)
	}
	if !l.seal.Verify(data, string(sealData)) {
		return fmt.Errorf("archive %s failed seal verification", archivePath)
	}
	return nil
}

// ArchivedEvents decompresses an archive and returns its events in file
// order. The seal is checked first when a key is attached.
func (l *Ledger) ArchivedEvents(archivePath string) ([]Entry, error) {
	if err := l.VerifyArchive(archivePath); err != nil {
		return nil, err
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress archive: %w", err)
	}
	defer gz.Close()

	raw, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}

	var events []Entry
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var e Entry
		if json.Unmarshal([]byte(line), &e) == nil {
			events = append(events, e)
		}
	}
	return events, nil
}
