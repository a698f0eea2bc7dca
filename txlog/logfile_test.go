// Copyright 2016 The Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package txlog

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mailbox.dev/txlog/errors"
)

// R1: open, close, open again yields the same file_seq and sync_offset.
func TestOpenCloseOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.log")
	cfg := DefaultConfig()

	f, err := CreateLogFile(LogFileStore{}, path, cfg, 1, 0, 0)
	if err != nil {
		t.Fatalf("CreateLogFile: %v", err)
	}
	if err := f.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := f.Append([]byte("hello")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	wantSeq, wantOffset := f.FileSeq(), f.SyncOffset()
	f.Unlock()
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f2, err := OpenLogFile(LogFileStore{}, path, cfg)
	if err != nil {
		t.Fatalf("OpenLogFile: %v", err)
	}
	defer f2.Close()
	if f2.FileSeq() != wantSeq {
		t.Errorf("reopened FileSeq() = %d, want %d", f2.FileSeq(), wantSeq)
	}
	if f2.SyncOffset() != wantOffset {
		t.Errorf("reopened SyncOffset() = %d, want %d", f2.SyncOffset(), wantOffset)
	}
}

// Opening a directory with nothing in it reports NotFound, not some other
// error kind.
func TestOpenMissingIsNotFound(t *testing.T) {
	dir := t.TempDir()
	_, err := OpenLogFile(LogFileStore{}, filepath.Join(dir, "index.log"), DefaultConfig())
	if err == nil {
		t.Fatal("OpenLogFile on a missing path returned nil error")
	}
	if !errors.Is(errors.NotExist, err) {
		t.Errorf("OpenLogFile on a missing path = %v, want a NotExist error", err)
	}
}

// A file shorter than its header is reported as Corrupt.
func TestOpenShortHeaderIsCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.log")
	if err := os.WriteFile(path, []byte("short"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := OpenLogFile(LogFileStore{}, path, DefaultConfig())
	if err == nil {
		t.Fatal("OpenLogFile on a short file returned nil error")
	}
	if !errors.Is(errors.Corrupt, err) {
		t.Errorf("OpenLogFile on a short file = %v, want a Corrupt error", err)
	}
}

// R3: move_to_memory followed by reading every byte yields the bytes that
// were on disk before the call.
func TestMoveToMemoryPreservesBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.log")
	cfg := DefaultConfig()

	f, err := CreateLogFile(LogFileStore{}, path, cfg, 1, 0, 0)
	if err != nil {
		t.Fatalf("CreateLogFile: %v", err)
	}
	if err := f.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	payload := []byte("some record bytes")
	if err := f.Append(payload); err != nil {
		t.Fatalf("Append: %v", err)
	}
	f.Unlock()

	before, err := f.ReadToMemory()
	if err != nil {
		t.Fatalf("ReadToMemory: %v", err)
	}
	if err := f.BecomeInMemory(append([]byte(nil), before...)); err != nil {
		t.Fatalf("BecomeInMemory: %v", err)
	}
	if !f.InMemory() {
		t.Fatal("InMemory() = false after BecomeInMemory")
	}
	after, err := f.ReadToMemory()
	if err != nil {
		t.Fatalf("ReadToMemory after BecomeInMemory: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Errorf("bytes changed across BecomeInMemory: before %q after %q", before, after)
	}
	if f.FileSeq() != 1 {
		t.Errorf("FileSeq() changed across BecomeInMemory: got %d", f.FileSeq())
	}
}

// A lock held past StaleTimeout is broken rather than blocking forever.
func TestStaleDotlockIsBroken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.log")
	lockPath := path + ".lock"
	if err := os.WriteFile(lockPath, []byte("1234"), 0600); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(lockPath, old, old); err != nil {
		t.Fatal(err)
	}

	settings := DotlockSettings{Timeout: 2 * time.Second, StaleTimeout: time.Hour}
	lock, err := acquireDotlock(path, ".lock", settings)
	if err != nil {
		t.Fatalf("acquireDotlock did not break the stale lock: %v", err)
	}
	lock.release()
}

// Append without holding the lock is rejected.
func TestAppendWithoutLockFails(t *testing.T) {
	f := CreateInMemoryLogFile(1, 0, 0, DefaultConfig())
	if err := f.Append([]byte("x")); err == nil {
		t.Fatal("Append without Lock succeeded, want error")
	}
}
