// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andrewlasiter/fda-tools-sub007/internal/util"
)

// =============================================================================
// ROTATION
// =============================================================================

func TestRotateArchivesEverythingAtZeroRetention(t *testing.T) {
	l := newTestLedger(t)
	logN(t, l, 5)

	res, err := l.Rotate(0)
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if res.ArchivedEvents != 5 || res.RetainedEvents != 0 {
		t.Errorf("result = %+v, want 5 archived / 0 retained", res)
	}

	// Active ledger is now empty but present.
	data, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 0 {
		t.Errorf("active ledger should be empty, has %d bytes", len(data))
	}

	// The archive holds all five events, in order.
	events, err := l.ArchivedEvents(res.ArchivePath)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 5 {
		t.Fatalf("archive holds %d events, want 5", len(events))
	}
	for i, e := range events {
		if e.Details["seq"].(float64) != float64(i) {
			t.Errorf("archive order broken at %d", i)
		}
	}
}

func TestRotateKeepsChainContinuous(t *testing.T) {
	l := newTestLedger(t)

	// Two old events, then advance the clock and add two recent ones.
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }
	old := logN(t, l, 2)
	l.now = func() time.Time { return base.AddDate(0, 0, 40) }
	logN(t, l, 2)

	res, err := l.Rotate(30)
	if err != nil {
		t.Fatal(err)
	}
	if res.ArchivedEvents != 2 || res.RetainedEvents != 2 {
		t.Fatalf("result = %+v, want 2 archived / 2 retained", res)
	}

	// The retained events keep their original links; verification anchors
	// on the rotation checkpoint instead of null.
	report, err := l.VerifyIntegrity()
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid {
		t.Fatalf("post-rotation ledger should verify clean: %+v", report)
	}

	// Checkpoint holds the last archived hash.
	ckpt, err := os.ReadFile(l.Path() + ".chain")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(ckpt)) != old[1].EventHash {
		t.Error("checkpoint does not carry the last archived hash")
	}

	// New events continue the same chain.
	e, err := l.LogEvent(Entry{EventType: EventSessionEnd, User: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if e.PrevEventHash == nil {
		t.Error("post-rotation event restarted the chain")
	}
	report, err = l.VerifyIntegrity()
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid {
		t.Errorf("ledger invalid after post-rotation append: %+v", report)
	}
}

func TestRotateRetainsUnparseableLines(t *testing.T) {
	l := newTestLedger(t)
	logN(t, l, 2)

	// A garbage line cannot be dated, so rotation must not archive it.
	if err := util.AppendLocked(l.Path(), "not json at all\n"); err != nil {
		t.Fatal(err)
	}

	res, err := l.Rotate(0)
	if err != nil {
		t.Fatal(err)
	}
	if res.ArchivedEvents != 2 || res.RetainedEvents != 1 {
		t.Fatalf("result = %+v, want 2 archived / 1 retained", res)
	}

	data, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "not json at all") {
		t.Error("unparseable line was lost during rotation")
	}
}

func TestRotateNoopOnEmptyOrMissingLedger(t *testing.T) {
	l := newTestLedger(t)
	res, err := l.Rotate(30)
	if err != nil {
		t.Fatal(err)
	}
	if res.ArchivedEvents != 0 || res.ArchivePath != "" {
		t.Errorf("missing ledger: %+v", res)
	}
}

// =============================================================================
// ARCHIVE SEALS
// =============================================================================

func TestSealedArchiveDetectsTampering(t *testing.T) {
	l := newTestLedger(t)
	key, err := LoadSealKey(filepath.Join(t.TempDir(), "seal.key"))
	if err != nil {
		t.Fatal(err)
	}
	l.SetSealKey(key)

	logN(t, l, 3)
	res, err := l.Rotate(0)
	if err != nil {
		t.Fatal(err)
	}

	if err := l.VerifyArchive(res.ArchivePath); err != nil {
		t.Fatalf("fresh archive should verify: %v", err)
	}
	if _, err := os.Stat(res.ArchivePath + ".seal"); err != nil {
		t.Fatalf("seal file missing: %v", err)
	}

	// Flip one byte of the archive.
	data, err := os.ReadFile(res.ArchivePath)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)/2] ^= 0xFF
	if err := os.WriteFile(res.ArchivePath, data, 0600); err != nil {
		t.Fatal(err)
	}

	if err := l.VerifyArchive(res.ArchivePath); err == nil {
		t.Error("tampered archive passed seal verification")
	}
	if _, err := l.ArchivedEvents(res.ArchivePath); err == nil {
		t.Error("ArchivedEvents should refuse a tampered archive")
	}
}

func TestSealKeyPersistsAcrossLoads(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "seal.key")

	k1, err := LoadSealKey(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := LoadSealKey(keyPath)
	if err != nil {
		t.Fatal(err)
	}

	payload := []byte("archived ledger segment")
	if !k2.Verify(payload, k1.Seal(payload)) {
		t.Error("reloaded key does not verify the original seal")
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("key file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestSealKeyFromEnvPassphrase(t *testing.T) {
	t.Setenv(SealKeyEnvVar, "correct horse battery staple")

	k1, err := LoadSealKey(filepath.Join(t.TempDir(), "unused.key"))
	if err != nil {
		t.Fatal(err)
	}
	k2, err := LoadSealKey(filepath.Join(t.TempDir(), "also-unused.key"))
	if err != nil {
		t.Fatal(err)
	}

	payload := []byte("segment")
	if !k2.Verify(payload, k1.Seal(payload)) {
		t.Error("same passphrase should derive the same key")
	}
}
