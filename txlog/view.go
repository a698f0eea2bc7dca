// Copyright 2016 The Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package txlog

import (
	"sync"

	"mailbox.dev/txlog/errors"
)

// LogView is a reader's handle onto one pinned LogFile plus a cursor
// offset. It only ever references a LogFile with refcount >= 1: opening a
// view takes over the ref Log.FindFile pinned the file with, and closing
// it drops that ref.
type LogView struct {
	mu       sync.Mutex
	registry *ViewRegistry
	file     *LogFile
	offset   int64
	closed   bool
}

// File returns the segment this view is pinned to.
func (v *LogView) File() *LogFile { return v.file }

// Seek repositions the view's read cursor within its pinned segment.
func (v *LogView) Seek(offset int64) {
	v.mu.Lock()
	v.offset = offset
	v.mu.Unlock()
}

// ReadNext reads length bytes starting at the view's current offset and
// advances the cursor by the number of bytes returned.
func (v *LogView) ReadNext(length int64) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, errors.E(errors.Op("txlog.LogView.ReadNext"), errors.Str("view is closed"))
	}
	b, err := v.file.ReadRange(v.offset, length)
	if err != nil {
		return nil, err
	}
	v.offset += int64(len(b))
	return b, nil
}

// Close decrements the pinned LogFile's refcount and, if the file is not
// the current head, triggers a purge sweep over the owning Log's files
// chain.
func (v *LogView) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	file := v.file
	v.mu.Unlock()

	v.registry.forget(v)
	if file.unref() {
		v.registry.purge(file)
	}
	return nil
}

// ViewRegistry holds the set of open readers for a Log. On Log.Close it
// forces every view closed; on each individual view Close, it runs the
// purge sweep for that view's (now possibly zero-refcount) segment.
type ViewRegistry struct {
	mu    sync.Mutex
	views map[*LogView]struct{}
	log   *Log
}

// NewViewRegistry returns a registry of readers bound to the given Log,
// used to locate and free non-head segments once their last pinning view
// closes.
func NewViewRegistry(log *Log) *ViewRegistry {
	return &ViewRegistry{views: make(map[*LogView]struct{}), log: log}
}

// Open returns a new view pinned to file at offset. The caller is expected
// to have already resolved file via Log.FindFile, which hands back file
// already ref'd for exactly this purpose (pinned under Log.mu before it
// was ever returned, so a racing Rotate/purge cannot have freed it in the
// gap between FindFile returning and Open being called). Open takes
// ownership of that ref rather than taking a second one of its own; the
// view's later Close is what drops it.
func (r *ViewRegistry) Open(file *LogFile, offset int64) *LogView {
	v := &LogView{registry: r, file: file, offset: offset}
	r.mu.Lock()
	r.views[v] = struct{}{}
	r.mu.Unlock()
	return v
}

func (r *ViewRegistry) forget(v *LogView) {
	r.mu.Lock()
	delete(r.views, v)
	r.mu.Unlock()
}

// CloseAll force-closes every open view, used by Log.Close before it drains
// the files chain and releases head.
func (r *ViewRegistry) CloseAll() error {
	r.mu.Lock()
	views := make([]*LogView, 0, len(r.views))
	for v := range r.views {
		views = append(views, v)
	}
	r.mu.Unlock()

	var firstErr error
	for _, v := range views {
		if err := v.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// purge removes file from the owning Log's retained files chain and
// closes it, provided it is not (or no longer) the head and its refcount
// has reached zero. It is a no-op if another view still pins the file, or
// if the file has since become head again (which cannot happen in
// practice, but is checked for safety).
func (r *ViewRegistry) purge(file *LogFile) {
	if file.Refcount() != 0 {
		return
	}
	log := r.log
	log.mu.Lock()
	if log.head == file {
		log.mu.Unlock()
		return
	}
	var prev *LogFile
	for seg := log.files; seg != nil; seg = seg.next {
		if seg == file {
			if prev == nil {
				log.files = seg.next
			} else {
				prev.next = seg.next
			}
			break
		}
		prev = seg
	}
	log.mu.Unlock()
	file.Close()
}
