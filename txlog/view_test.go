// Copyright 2016 The Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package txlog

import "testing"

// S4: reader pinning. A view opened on a non-head file keeps it alive
// across a Rotate that retires it into Log.files; the file is purged only
// once the view closes.
func TestViewPinningAndPurge(t *testing.T) {
	l, _ := newTestLog(t)
	if _, err := l.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}

	registry := NewViewRegistry(l)

	// Pin file_seq=1 (currently head) via FindFile + ViewRegistry.Open,
	// the same way a reader would before the Log ever rotates past it.
	file1, res, err := l.FindFile(1)
	if err != nil {
		t.Fatalf("FindFile(1): %v", err)
	}
	if res != FindFound {
		t.Fatalf("FindFile(1) = %v, want FindFound", res)
	}
	if got := file1.Refcount(); got != 2 {
		t.Fatalf("file1.Refcount() after FindFile = %d, want 2 (Log's own + the returned pin)", got)
	}
	view := registry.Open(file1, HeaderSize)

	// Rotate past file 1. Since the view still pins it, Rotate must retire
	// it into l.files rather than closing it outright.
	if err := l.head.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := l.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if l.head.FileSeq() != 2 {
		t.Fatalf("head.FileSeq() after Rotate = %d, want 2", l.head.FileSeq())
	}

	found := false
	for seg := l.files; seg != nil; seg = seg.next {
		if seg == file1 {
			found = true
		}
	}
	if !found {
		t.Fatal("file1 not retained in l.files after Rotate, want it pinned by the open view")
	}
	if got := file1.Refcount(); got != 1 {
		t.Errorf("file1.Refcount() after Rotate = %d, want 1 (Log's head-ownership ref dropped, view's ref remains)", got)
	}

	// P4: the file is not destroyed while refcount > 0 (view still open).
	file1.mu.Lock()
	stillOpen := file1.fd != nil
	file1.mu.Unlock()
	if !stillOpen {
		t.Error("file1's fd was released while its view is still open, want it kept alive (P4)")
	}

	if err := view.Close(); err != nil {
		t.Fatalf("view.Close: %v", err)
	}
	if got := file1.Refcount(); got != 0 {
		t.Errorf("file1.Refcount() after view.Close = %d, want 0", got)
	}

	found = false
	for seg := l.files; seg != nil; seg = seg.next {
		if seg == file1 {
			found = true
		}
	}
	if found {
		t.Error("file1 still present in l.files after its last view closed, want it purged")
	}
}

// CloseAll force-closes every open view, the precondition Log.Close relies
// on (log.go's Close panics if a non-head segment still has a nonzero
// refcount when it drains l.files).
func TestViewRegistryCloseAll(t *testing.T) {
	l, _ := newTestLog(t)
	if _, err := l.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}

	registry := NewViewRegistry(l)

	file1, res, err := l.FindFile(1)
	if err != nil {
		t.Fatalf("FindFile(1): %v", err)
	}
	if res != FindFound {
		t.Fatalf("FindFile(1) = %v, want FindFound", res)
	}
	v1 := registry.Open(file1, HeaderSize)

	file1Again, res, err := l.FindFile(1)
	if err != nil {
		t.Fatalf("FindFile(1) again: %v", err)
	}
	if res != FindFound {
		t.Fatalf("FindFile(1) again = %v, want FindFound", res)
	}
	v2 := registry.Open(file1Again, HeaderSize)

	if got := file1.Refcount(); got != 3 {
		t.Fatalf("file1.Refcount() with two open views = %d, want 3 (Log's own + two views)", got)
	}

	if err := registry.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if got := file1.Refcount(); got != 1 {
		t.Errorf("file1.Refcount() after CloseAll = %d, want 1 (only Log's own ref remains)", got)
	}
	// Closing an already-closed view is a no-op, not an error or double-unref.
	if err := v1.Close(); err != nil {
		t.Errorf("v1.Close() after CloseAll: %v, want nil", err)
	}
	if err := v2.Close(); err != nil {
		t.Errorf("v2.Close() after CloseAll: %v, want nil", err)
	}
	if got := file1.Refcount(); got != 1 {
		t.Errorf("file1.Refcount() after redundant Close calls = %d, want still 1", got)
	}
}
