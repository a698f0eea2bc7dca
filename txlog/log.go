// Copyright 2016 The Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package txlog

import (
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"mailbox.dev/txlog/errors"
	"mailbox.dev/txlog/log"
)

// IndexHost models the Log's non-owning back-reference to the mailbox
// index it serves. It is deliberately small: the Log only needs to know
// where to look, whether durability matters, and how to report a
// syscall failure without aborting the caller.
type IndexHost interface {
	// FilePath returns the canonical path of the current log ("<index>.log").
	FilePath() string
	// InMemory reports whether the owning index is itself non-durable, in
	// which case the Log never touches the filesystem.
	InMemory() bool
	// SetLogLocked and LogLocked track the index's log_locked precondition
	// flag, checked by SyncLock/SyncUnlock.
	SetLogLocked(bool)
	LogLocked() bool
	// HandleSyscallError reports an IOError-kind failure for logging
	// without the Log itself aborting the caller.
	HandleSyscallError(op string, err error)
}

// OpenResult is returned by Log.Open.
type OpenResult int

const (
	// OpenNotFound means the canonical path does not exist yet; the
	// allocated scratch LogFile is retained in Log.openFile and the
	// caller should call Create.
	OpenNotFound OpenResult = iota
	// OpenExisting means the canonical path was opened successfully and
	// installed as head.
	OpenExisting
)

// FindResult is returned by Log.FindFile.
type FindResult int

const (
	FindNotFound FindResult = iota
	FindFound
)

// Log is the manager: it holds the current head LogFile, a singly-linked
// chain of older LogFiles retained by reference count, an optional
// open_file holding an in-progress open attempt, dotlock settings, and a
// back-reference to the owning index.
type Log struct {
	mu sync.Mutex

	host  IndexHost
	store FileStore
	cfg   Config

	head     *LogFile
	files    *LogFile // newest-first chain of retained non-head segments
	openFile *LogFile

	refreshGroup singleflight.Group
}

// Alloc constructs an empty Log bound to host; no files yet (NoHead state).
func Alloc(host IndexHost, store FileStore, cfg Config) *Log {
	return &Log{host: host, store: store, cfg: cfg}
}

// Open attempts to open the canonical log path. ENOENT is not an error: the
// allocated LogFile is kept in openFile and OpenNotFound is returned so the
// caller knows to call Create. An in-memory index returns OpenNotFound
// immediately without touching the filesystem, since create_in_memory
// (not open) is always how an in-memory log's first segment is made.
func (l *Log) Open() (OpenResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.host.InMemory() {
		return OpenNotFound, nil
	}
	f, err := OpenLogFile(l.store, l.host.FilePath(), l.cfg)
	if err != nil {
		if errors.Is(errors.NotExist, err) {
			l.openFile = &LogFile{store: l.store, cfg: l.cfg, filepath: l.host.FilePath()}
			return OpenNotFound, nil
		}
		l.host.HandleSyscallError("open", err)
		return OpenNotFound, err
	}
	l.head = f
	return OpenExisting, nil
}

// Create materializes the first (or a racing-creation-resolved) segment.
// If an openFile scratch exists, its stat signature would have let a real
// implementation detect a concurrent creator; here we simply attempt the
// exclusive create and, on an Exist-shaped race, re-open whatever the
// winner produced instead of erroring, per B3.
func (l *Log) Create() error {
	const op = errors.Op("txlog.Log.Create")
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.host.InMemory() {
		f := CreateInMemoryLogFile(1, 0, 0, l.cfg)
		l.head = f
		l.openFile = nil
		return nil
	}

	f, err := CreateLogFile(l.store, l.host.FilePath(), l.cfg, 1, 0, 0)
	if err != nil {
		if errors.Is(errors.Exist, err) {
			// Another process won the create race between our failed
			// Open and this Create: its file now exists where we tried
			// to create ours. Adopt it instead of surfacing an error
			// (B3); anything else (a genuine I/O failure) is surfaced.
			opened, operr := OpenLogFile(l.store, l.host.FilePath(), l.cfg)
			if operr != nil {
				l.host.HandleSyscallError("create", operr)
				return errors.E(op, operr)
			}
			l.head = opened
			l.openFile = nil
			return nil
		}
		l.host.HandleSyscallError("create", err)
		return errors.E(op, err)
	}
	l.head = f
	l.openFile = nil
	return nil
}

// Close closes all retained files, dropping head last, and asserts that the
// files chain has drained (every non-head file must have reached refcount
// zero via its views closing first).
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for seg := l.files; seg != nil; {
		next := seg.next
		if seg.Refcount() != 0 {
			// A view is still pinning this segment; Log.Close is only
			// ever called after LogViewRegistry.CloseAll, so this
			// indicates a caller bug, not a transient condition.
			panic("txlog: Log.Close with a pinned non-head segment")
		}
		if err := seg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		seg = next
	}
	l.files = nil

	if l.head != nil {
		if err := l.head.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		l.head = nil
	}
	l.openFile = nil
	return firstErr
}

// MoveToMemory reads every on-disk segment fully into memory, unmaps and
// closes its fd, and leaves its identity (file_seq, offsets) untouched.
// Used when the owning storage transitions to non-durable.
func (l *Log) MoveToMemory() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for seg := l.files; seg != nil; seg = seg.next {
		data, err := seg.ReadToMemory()
		if err != nil {
			return err
		}
		if err := seg.BecomeInMemory(data); err != nil {
			return err
		}
	}
	if l.head != nil {
		data, err := l.head.ReadToMemory()
		if err != nil {
			return err
		}
		if err := l.head.BecomeInMemory(data); err != nil {
			return err
		}
	}
	return nil
}

// Rotate requires head.Locked(). It allocates a new segment inheriting
// prev_file_seq/prev_file_offset from the current head, installs it as the
// new head, and either purges the old head immediately (refcount reached
// zero) or unlocks it so lingering readers can still reach it via files.
func (l *Log) Rotate() error {
	const op = errors.Op("txlog.Log.Rotate")
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.head == nil || !l.head.Locked() {
		return errors.E(op, errors.Str("rotate without locked head"))
	}
	oldHead := l.head
	newSeq := oldHead.FileSeq() + 1
	prevOffset := uint64(oldHead.SyncOffset())

	var newHead *LogFile
	if l.host.InMemory() {
		newHead = CreateInMemoryLogFile(newSeq, oldHead.FileSeq(), prevOffset, l.cfg)
	} else {
		// The old head occupies the canonical path; it must be archived
		// to ".2" before a new segment can be created there.
		if err := l.archivePrevious(oldHead); err != nil {
			// The spec's Open Question: the original source's error path
			// here would have referenced file->filepath before file was
			// assigned. We report the still-current head's path, which
			// is the only path that exists at this point.
			l.host.HandleSyscallError("rotate", errors.E(op, errors.Mailbox(oldHead.Filepath()), err))
			return errors.E(op, errors.Mailbox(oldHead.Filepath()), err)
		}
		var err error
		newHead, err = CreateLogFile(l.store, l.host.FilePath(), l.cfg, newSeq, oldHead.FileSeq(), prevOffset)
		if err != nil {
			l.host.HandleSyscallError("rotate", errors.E(op, errors.Mailbox(oldHead.Filepath()), err))
			return errors.E(op, errors.Mailbox(oldHead.Filepath()), err)
		}
	}

	l.head = newHead
	oldHead.Unlock()
	if oldHead.unref() {
		oldHead.Close()
	} else {
		l.pushFile(oldHead)
	}
	return nil
}

// archivePrevious renames the just-retired head to the ".2" archive path
// so find_file can still locate it for readers lagging by one segment. The
// retained LogFile's own path bookkeeping is updated to match; its open fd
// is unaffected by the rename (unix rename of an open file's directory
// entry does not invalidate the descriptor).
func (l *Log) archivePrevious(oldHead *LogFile) error {
	archived := oldHead.Filepath() + ".2"
	if err := l.store.Rename(oldHead.Filepath(), archived); err != nil {
		return err
	}
	oldHead.mu.Lock()
	oldHead.filepath = archived
	oldHead.mu.Unlock()
	return nil
}

// pushFile links seg into the files chain, newest-first, maintaining P2
// (every retained file's file_seq is less than head's).
func (l *Log) pushFile(seg *LogFile) {
	seg.next = l.files
	l.files = seg
}

// refresh detects that another process rotated the file by stat-ing the
// canonical path and comparing identity with the current head. Concurrent
// calls from goroutines of this process are coalesced onto a single stat
// via singleflight, matching the "within a process, order is whatever"
// concurrency note without changing cross-process semantics.
func (l *Log) refresh() error {
	if l.host.InMemory() {
		return nil
	}
	_, err, _ := l.refreshGroup.Do("refresh", func() (interface{}, error) {
		return nil, l.refreshLocked()
	})
	return err
}

// refreshLocked performs the actual stat-and-swap. It takes l.mu itself,
// so its callers (FindFile, LockHead) must not hold l.mu across refresh;
// singleflight only dedupes concurrent calls, not nested locking.
func (l *Log) refreshLocked() error {
	const op = errors.Op("txlog.Log.refresh")
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.head != nil && l.head.Locked() {
		// P5: while locked, no other process can have rotated.
		return nil
	}

	fi, err := l.store.Stat(l.host.FilePath())
	if err != nil {
		// Unlike Open, an ENOENT seen during refresh is a genuine
		// IOError, not "no new file, carry on" -- the canonical path
		// existed a moment ago (we have a head) and has now vanished,
		// which the original source treats as a hard failure too.
		l.host.HandleSyscallError("refresh", err)
		return errors.E(op, err)
	}
	if l.head != nil && sameFile(fi, l.head) {
		return nil // No rotation happened.
	}

	newHead, err := OpenLogFile(l.store, l.host.FilePath(), l.cfg)
	if err != nil {
		l.host.HandleSyscallError("refresh", err)
		return errors.E(op, err)
	}
	oldHead := l.head
	l.head = newHead
	if oldHead != nil {
		if oldHead.unref() {
			oldHead.Close()
		} else {
			l.pushFile(oldHead)
		}
	}
	return nil
}

// sameFile compares the (dev, ino) identity of fi against head's recorded
// identity, the cross-process change signal named in the spec.
func sameFile(fi os.FileInfo, head *LogFile) bool {
	dev, ino := fileIdentity(fi)
	return dev == head.dev && ino == head.ino
}

// FindFile returns the LogFile for fileSeq, pinned with one ref that it
// transfers to the caller: every FindFound return path takes that ref
// while l.mu is still held, before any lock is released, so a Rotate
// racing the return cannot unref+Close the file out from under a caller
// that hasn't pinned it yet (the same hazard LockHead already guards
// against by ref'ing before releasing state). The caller owns the
// returned ref and must eventually unref it — ViewRegistry.Open takes
// ownership of it directly rather than taking a second ref of its own.
//
// Search order: if fileSeq is beyond the current head, try refresh first
// (a concurrent rotation may have produced it); then the retained files
// chain; then the ".2" archive path. A locked head skips that refresh
// (P5): no refresh can discover anything new while this process holds the
// write lock. The files chain and the archive are still searched.
func (l *Log) FindFile(fileSeq uint32) (*LogFile, FindResult, error) {
	l.mu.Lock()
	headLocked := l.head != nil && l.head.Locked()
	head := l.head
	if head != nil && fileSeq == head.FileSeq() {
		head.ref()
		l.mu.Unlock()
		return head, FindFound, nil
	}
	l.mu.Unlock()

	if head != nil && fileSeq > head.FileSeq() && !headLocked {
		if err := l.refresh(); err != nil {
			return nil, FindNotFound, err
		}
		l.mu.Lock()
		head = l.head
		if head != nil && fileSeq == head.FileSeq() {
			head.ref()
			l.mu.Unlock()
			return head, FindFound, nil
		}
		l.mu.Unlock()
	}

	l.mu.Lock()
	for seg := l.files; seg != nil; seg = seg.next {
		if seg.FileSeq() == fileSeq {
			seg.ref()
			l.mu.Unlock()
			return seg, FindFound, nil
		}
	}
	l.mu.Unlock()

	if l.host.InMemory() {
		return nil, FindNotFound, nil
	}
	archived, err := OpenLogFile(l.store, l.host.FilePath()+".2", l.cfg)
	if err != nil {
		// A corrupt or absent archive is non-fatal for FindFile: absence
		// is indistinguishable to the caller from "never existed".
		return nil, FindNotFound, nil
	}
	if archived.FileSeq() != fileSeq {
		archived.Close()
		return nil, FindNotFound, nil
	}
	// OpenLogFile already hands back a freshly opened file with refcount
	// 1 (see OpenLogFile); that ref is the one transferred to the caller,
	// same as every other path above.
	return archived, FindFound, nil
}

// LockHead locks the head file, then refreshes while holding that lock. If
// refresh installed a new head, the stale lock is dropped and the attempt
// retries. This terminates because a new head can only appear while its
// writer holds the lock, and once we hold it, no writer can install
// another replacement out from under us.
func (l *Log) LockHead() error {
	const op = errors.Op("txlog.Log.LockHead")
	for {
		l.mu.Lock()
		head := l.head
		l.mu.Unlock()
		if head == nil {
			return errors.E(op, errors.Str("no head to lock"))
		}

		// Pin the file before refreshing so a concurrent purge cannot
		// free it out from under the identity comparison below.
		head.ref()
		if err := head.Lock(); err != nil {
			head.unref()
			return errors.E(op, err)
		}
		if err := l.refresh(); err != nil {
			head.Unlock()
			head.unref()
			return errors.E(op, err)
		}

		l.mu.Lock()
		stillHead := l.head == head
		l.mu.Unlock()
		if stillHead {
			head.unref()
			return nil
		}
		// refresh installed a different head; drop this stale lock and
		// pin and retry against the new one.
		head.Unlock()
		if head.unref() {
			head.Close()
		}
	}
}

// SyncLock requires the owning index not already be log-locked. It locks
// the head, maps it from offset 0 through the sync_offset this process has
// recorded for it (the file size when opened plus this process's own
// appends; bytes appended by other processes since then are not mapped),
// marks the index log-locked, and returns the head's identity.
func (l *Log) SyncLock() (fileSeq uint32, offset int64, err error) {
	const op = errors.Op("txlog.Log.SyncLock")
	if l.host.LogLocked() {
		return 0, 0, errors.E(op, errors.Str("already log-locked"))
	}
	if err := l.LockHead(); err != nil {
		return 0, 0, err
	}
	l.mu.Lock()
	head := l.head
	l.mu.Unlock()
	if err := head.Map(0, head.SyncOffset()); err != nil {
		head.Unlock()
		return 0, 0, errors.E(op, err)
	}
	l.host.SetLogLocked(true)
	return head.FileSeq(), head.SyncOffset(), nil
}

// SyncUnlock unlocks the head and clears the index's log-locked flag.
func (l *Log) SyncUnlock() error {
	l.mu.Lock()
	head := l.head
	l.mu.Unlock()
	if head == nil {
		return errors.E(errors.Op("txlog.Log.SyncUnlock"), errors.Str("no head"))
	}
	if err := head.Unlock(); err != nil {
		return err
	}
	l.host.SetLogLocked(false)
	return nil
}

// GetHead returns the head's identity; valid only while log-locked.
func (l *Log) GetHead() (fileSeq uint32, offset int64, err error) {
	if !l.host.LogLocked() {
		return 0, 0, errors.E(errors.Op("txlog.Log.GetHead"), errors.Str("not log-locked"))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.head == nil {
		return 0, 0, errors.E(errors.Op("txlog.Log.GetHead"), errors.Str("no head"))
	}
	return l.head.FileSeq(), l.head.SyncOffset(), nil
}

// WantRotate reproduces LOG_WANT_ROTATE exactly: true once sync_offset
// exceeds RotateMinSize and the head is older than RotateTime, or once
// sync_offset exceeds RotateMaxSize regardless of age.
func (l *Log) WantRotate() bool {
	l.mu.Lock()
	head := l.head
	l.mu.Unlock()
	if head == nil {
		return false
	}
	syncOffset := head.SyncOffset()
	age := time.Since(head.CreateTimestamp())
	return (syncOffset > l.cfg.RotateMinSize && age > l.cfg.RotateTime) ||
		syncOffset > l.cfg.RotateMaxSize
}

// IsHeadPrev reports whether (fileSeq, offset) matches head's recorded
// (prev_file_seq, prev_file_offset); readers use this to detect that they
// just fell off the end of a rotated-away predecessor.
func (l *Log) IsHeadPrev(fileSeq uint32, offset uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.head == nil {
		return false
	}
	return l.head.PrevFileSeq() == fileSeq && l.head.PrevFileOffset() == offset
}

// GetMailboxSyncPos returns the highest offset ever passed to
// SetMailboxSyncPos for the current head file. This is mailbox_sync_max_offset
// in the original, a watermark distinct from the independently-tracked
// mailbox_sync_saved_offset that SetMailboxSyncPos's precondition checks
// against but never advances itself.
func (l *Log) GetMailboxSyncPos() (fileSeq uint32, offset int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.head == nil {
		return 0, 0
	}
	l.head.mu.Lock()
	defer l.head.mu.Unlock()
	return l.head.fileSeq, l.head.mailboxSyncMaxOffset
}

// SetMailboxSyncPos raises mailbox_sync_max_offset monotonically. It
// asserts fileSeq matches the current head and offset does not regress
// past the last saved position; both are LogicError-class precondition
// violations (caller bugs), so they panic rather than return an error,
// per the error-handling design's rule that LogicError aborts in debug
// builds. A call whose offset has already been exceeded by a prior call
// is not a precondition violation: it is simply a no-op, matching
// mail_transaction_log_set_mailbox_sync_pos, which never writes
// mailbox_sync_saved_offset and only ever raises mailbox_sync_max_offset.
func (l *Log) SetMailboxSyncPos(fileSeq uint32, offset int64) {
	l.mu.Lock()
	head := l.head
	l.mu.Unlock()
	if head == nil || head.fileSeq != fileSeq {
		panic("txlog: SetMailboxSyncPos: file_seq mismatch")
	}
	head.mu.Lock()
	defer head.mu.Unlock()
	if offset < head.mailboxSyncSavedOffset {
		panic("txlog: SetMailboxSyncPos: offset regressed")
	}
	if offset > head.mailboxSyncMaxOffset {
		head.mailboxSyncMaxOffset = offset
	}
}

// logSyscallError is a convenience HandleSyscallError implementation that
// simply logs via the ambient leveled logger; hosts with richer error
// channels supply their own.
func logSyscallError(op string, err error) {
	log.Error.Opf("txlog", op, err)
}
