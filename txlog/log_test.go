// Copyright 2016 The Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package txlog

import (
	"path/filepath"
	"testing"
)

// fakeHost is a minimal IndexHost for tests: one log directory, optionally
// in-memory, with a log_locked flag and a slice of reported errors instead
// of a real logging sink.
type fakeHost struct {
	path      string
	inMemory  bool
	logLocked bool
	errs      []string
}

func (h *fakeHost) FilePath() string   { return h.path }
func (h *fakeHost) InMemory() bool     { return h.inMemory }
func (h *fakeHost) SetLogLocked(v bool) { h.logLocked = v }
func (h *fakeHost) LogLocked() bool    { return h.logLocked }
func (h *fakeHost) HandleSyscallError(op string, err error) {
	h.errs = append(h.errs, op+": "+err.Error())
}

func newTestLog(t *testing.T) (*Log, *fakeHost) {
	t.Helper()
	dir := t.TempDir()
	host := &fakeHost{path: filepath.Join(dir, "index.log")}
	l := Alloc(host, LogFileStore{}, DefaultConfig())
	return l, host
}

// S1: fresh init. Open reports NotFound, Create installs file_seq=1 with
// no predecessor and sync_offset at the header boundary.
func TestFreshInit(t *testing.T) {
	l, _ := newTestLog(t)

	res, err := l.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if res != OpenNotFound {
		t.Fatalf("Open on empty dir = %v, want OpenNotFound", res)
	}

	if err := l.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := l.head.FileSeq(); got != 1 {
		t.Errorf("head.FileSeq() = %d, want 1", got)
	}
	if got := l.head.PrevFileSeq(); got != 0 {
		t.Errorf("head.PrevFileSeq() = %d, want 0", got)
	}
	if got := l.head.SyncOffset(); got != HeaderSize {
		t.Errorf("head.SyncOffset() = %d, want %d", got, HeaderSize)
	}
}

// B1: want_rotate is false immediately after create.
func TestWantRotateFalseAfterCreate(t *testing.T) {
	l, _ := newTestLog(t)
	l.Open()
	if err := l.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if l.WantRotate() {
		t.Error("WantRotate() = true immediately after Create, want false")
	}
}

// B2: find_file(head.file_seq + 1) with no rotation returns NotFound, not
// an error.
func TestFindFileBeyondHeadIsNotFound(t *testing.T) {
	l, _ := newTestLog(t)
	l.Open()
	if err := l.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, res, err := l.FindFile(l.head.FileSeq() + 1)
	if err != nil {
		t.Fatalf("FindFile: unexpected error %v", err)
	}
	if res != FindNotFound {
		t.Errorf("FindFile(head+1) = %v, want FindNotFound", res)
	}
}

// P6: rotate preserves the prev_file_seq/prev_file_offset linkage.
func TestRotatePreservesLinkage(t *testing.T) {
	l, _ := newTestLog(t)
	l.Open()
	if err := l.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := l.head.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := l.head.Append([]byte("record1")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	oldSeq := l.head.FileSeq()
	oldOffset := l.head.SyncOffset()

	if err := l.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if got := l.head.FileSeq(); got != oldSeq+1 {
		t.Errorf("new head.FileSeq() = %d, want %d", got, oldSeq+1)
	}
	if got := l.head.PrevFileSeq(); got != oldSeq {
		t.Errorf("new head.PrevFileSeq() = %d, want %d", got, oldSeq)
	}
	if got := int64(l.head.PrevFileOffset()); got != oldOffset {
		t.Errorf("new head.PrevFileOffset() = %d, want %d", got, oldOffset)
	}
	if !l.IsHeadPrev(oldSeq, uint64(oldOffset)) {
		t.Error("IsHeadPrev(oldSeq, oldOffset) = false, want true")
	}
}

// R2: SetMailboxSyncPos(s, x) followed by SetMailboxSyncPos(s, y) with
// y < x is a silent no-op, not a panic: it only ever raises
// mailbox_sync_max_offset, never lowers it.
func TestSetMailboxSyncPosMonotonic(t *testing.T) {
	l, _ := newTestLog(t)
	l.Open()
	if err := l.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	seq := l.head.FileSeq()

	l.SetMailboxSyncPos(seq, HeaderSize+10)
	if _, off := l.GetMailboxSyncPos(); off != HeaderSize+10 {
		t.Errorf("GetMailboxSyncPos offset = %d, want %d", off, HeaderSize+10)
	}

	l.SetMailboxSyncPos(seq, HeaderSize+5)
	if _, off := l.GetMailboxSyncPos(); off != HeaderSize+10 {
		t.Errorf("GetMailboxSyncPos offset after regressing call = %d, want unchanged %d", off, HeaderSize+10)
	}
}

// A regressing call below the independently-tracked saved-offset
// watermark is a genuine precondition violation and still panics.
func TestSetMailboxSyncPosBelowSavedOffsetPanics(t *testing.T) {
	l, _ := newTestLog(t)
	l.Open()
	if err := l.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	seq := l.head.FileSeq()

	defer func() {
		if recover() == nil {
			t.Error("SetMailboxSyncPos below the saved offset did not panic")
		}
	}()
	l.SetMailboxSyncPos(seq, HeaderSize-1)
}

// In-memory logs never touch the filesystem and Rotate bypasses the disk
// dance entirely.
func TestInMemoryRotate(t *testing.T) {
	host := &fakeHost{inMemory: true}
	l := Alloc(host, LogFileStore{}, DefaultConfig())

	if _, err := l.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !l.head.InMemory() {
		t.Fatal("head.InMemory() = false for an in-memory host")
	}
	if err := l.head.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := l.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if got := l.head.FileSeq(); got != 2 {
		t.Errorf("head.FileSeq() after rotate = %d, want 2", got)
	}
}
