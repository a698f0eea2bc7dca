// Copyright 2016 The Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package txlog

import (
	"sync"
	"time"

	"mailbox.dev/txlog/errors"
)

// LogFile is a single on-disk (or in-memory) log segment identified by a
// monotonic file_seq. It owns a file descriptor, an optional memory
// mapping, an in-memory tail buffer for bytes written past the last remap,
// header metadata, and a per-file advisory lock handle.
type LogFile struct {
	mu sync.Mutex

	fileSeq         uint32
	prevFileSeq     uint32
	prevFileOffset  uint64
	createTimestamp time.Time
	filepath        string

	store FileStore
	cfg   Config

	fd       fileHandle // nil for in-memory
	inMemory bool
	dev, ino uint64

	lastSize  int64
	lastMtime time.Time

	mmapBase     []byte
	mmapSize     int
	buffer       []byte
	bufferOffset int64

	syncOffset             int64
	mailboxSyncMaxOffset   int64
	mailboxSyncSavedOffset int64

	locked  bool
	dotlock *dotlock // non-nil only while locked via the dotlock fallback

	refcount int32

	// next links this LogFile into Log.files, newest first. Non-owning;
	// the Log is the only owner of the chain.
	next *LogFile
}

// OpenLogFile opens path read-write and validates its header. NotFound
// (errors.NotExist) is non-fatal; the caller is expected to fall back to
// CreateLogFile.
func OpenLogFile(store FileStore, path string, cfg Config) (*LogFile, error) {
	const op = errors.Op("txlog.OpenLogFile")
	fd, err := store.Open(path)
	if err != nil {
		return nil, err // Already an *errors.Error; NotExist propagates as-is.
	}
	fi, err := store.Stat(path)
	if err != nil {
		store.Close(fd)
		return nil, err
	}

	buf := make([]byte, HeaderSize)
	n, err := store.ReadAt(fd, buf, 0)
	if err != nil {
		store.Close(fd)
		return nil, errors.E(op, errors.Mailbox(path), err)
	}
	if n < HeaderSize {
		// Shorter than its header: reported as Corrupt straight away.
		// Neither this function nor its callers (Log.Open, Log.refresh,
		// Log.FindFile) retry the read.
		store.Close(fd)
		return nil, errors.E(op, errors.Corrupt, errors.Mailbox(path), errors.Str("short header"))
	}
	hdr, err := unmarshalHeader(buf)
	if err != nil {
		store.Close(fd)
		return nil, errors.E(op, errors.Mailbox(path), err)
	}

	dev, ino := fileIdentity(fi)
	f := &LogFile{
		store:                  store,
		cfg:                    cfg,
		fd:                     fd,
		filepath:               path,
		dev:                    dev,
		ino:                    ino,
		fileSeq:                hdr.fileSeq,
		prevFileSeq:            hdr.prevFileSeq,
		prevFileOffset:         hdr.prevFileOffset,
		createTimestamp:        hdr.created(),
		lastSize:               fi.Size(),
		lastMtime:              fi.ModTime(),
		syncOffset:             fi.Size(),
		bufferOffset:           fi.Size(),
		mailboxSyncMaxOffset:   HeaderSize,
		mailboxSyncSavedOffset: HeaderSize,
		refcount:               1,
	}
	return f, nil
}

// CreateLogFile atomically materializes a new segment at path with the
// given identity, via a dotlock-guarded temp file that is fsynced and
// linked into place when CreateLogFile closes the handle. If another
// creator published path first, that step fails with an Exist-kind error
// (see Log.Create, which owns the race-with-another-creator check).
func CreateLogFile(store FileStore, path string, cfg Config, fileSeq, prevFileSeq uint32, prevFileOffset uint64) (*LogFile, error) {
	const op = errors.Op("txlog.CreateLogFile")
	fd, err := store.CreateExclusive(path, ".newlock", cfg.NewDotlock)
	if err != nil {
		return nil, errors.E(op, errors.Mailbox(path), err)
	}
	hdr := newHeader(fileSeq, prevFileSeq, prevFileOffset, time.Now())
	if _, err := store.Append(fd, hdr.marshal()); err != nil {
		store.Close(fd)
		return nil, errors.E(op, errors.Mailbox(path), err)
	}
	if err := store.Fsync(fd); err != nil {
		store.Close(fd)
		return nil, errors.E(op, errors.Mailbox(path), err)
	}
	if err := store.Close(fd); err != nil { // Publishes via link.
		return nil, errors.E(op, errors.Mailbox(path), err)
	}
	return OpenLogFile(store, path, cfg)
}

// CreateInMemoryLogFile returns a LogFile backed only by a growable byte
// buffer, used when the owning index is itself non-durable.
func CreateInMemoryLogFile(fileSeq, prevFileSeq uint32, prevFileOffset uint64, cfg Config) *LogFile {
	hdr := newHeader(fileSeq, prevFileSeq, prevFileOffset, time.Now())
	buf := hdr.marshal()
	return &LogFile{
		cfg:                    cfg,
		inMemory:               true,
		fileSeq:                fileSeq,
		prevFileSeq:            prevFileSeq,
		prevFileOffset:         prevFileOffset,
		createTimestamp:        hdr.created(),
		buffer:                 buf,
		bufferOffset:           0,
		syncOffset:             int64(len(buf)),
		mailboxSyncMaxOffset:   HeaderSize,
		mailboxSyncSavedOffset: HeaderSize,
		refcount:               1,
	}
}

// ref increments the file's refcount; used when pinning it for a reader or
// during the lock_head retry loop so a concurrent purge cannot free it out
// from under the caller.
func (f *LogFile) ref() {
	f.mu.Lock()
	f.refcount++
	f.mu.Unlock()
}

// unref decrements the refcount and reports whether it reached zero, at
// which point the caller (Log or ViewRegistry) is responsible for the
// purge sweep; a LogFile never closes itself.
func (f *LogFile) unref() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refcount--
	if f.refcount < 0 {
		panic("txlog: LogFile refcount went negative")
	}
	return f.refcount == 0
}

func (f *LogFile) Refcount() int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refcount
}

// FileSeq, SyncOffset and friends expose the read-only identity/state of a
// segment to callers outside the package (readers, the owning index).
func (f *LogFile) FileSeq() uint32            { return f.fileSeq }
func (f *LogFile) PrevFileSeq() uint32        { return f.prevFileSeq }
func (f *LogFile) PrevFileOffset() uint64     { return f.prevFileOffset }
func (f *LogFile) Filepath() string           { return f.filepath }
func (f *LogFile) InMemory() bool             { return f.inMemory }
func (f *LogFile) CreateTimestamp() time.Time { return f.createTimestamp }

func (f *LogFile) SyncOffset() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncOffset
}

func (f *LogFile) Locked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked
}

// Lock acquires the exclusive whole-file advisory lock, preferring the
// platform fcntl-style lock (if Config.UseExclLock) and falling back to a
// dotlock. f.mu is not held across the blocking syscalls below on purpose:
// Lock governs cross-process coordination, not the in-process mutex.
func (f *LogFile) Lock() error {
	const op = errors.Op("txlog.LogFile.Lock")
	if f.inMemory {
		f.mu.Lock()
		f.locked = true
		f.mu.Unlock()
		return nil
	}

	var dl *dotlock
	if f.cfg.UseExclLock {
		if err := f.store.LockExclusive(f.fd); err == nil {
			f.mu.Lock()
			f.locked = true
			f.mu.Unlock()
			return nil
		}
		// Fall through to the dotlock fallback below.
	}
	var err error
	dl, err = acquireDotlock(f.filepath, ".lock", f.cfg.Dotlock)
	if err != nil {
		return errors.E(op, errors.Mailbox(f.filepath), err)
	}
	f.mu.Lock()
	f.locked = true
	f.dotlock = dl
	f.mu.Unlock()
	return nil
}

// Unlock releases whichever lock primitive Lock acquired.
func (f *LogFile) Unlock() error {
	const op = errors.Op("txlog.LogFile.Unlock")
	f.mu.Lock()
	dl := f.dotlock
	f.dotlock = nil
	f.locked = false
	inMemory := f.inMemory
	f.mu.Unlock()

	if inMemory {
		return nil
	}
	if dl != nil {
		return dl.release()
	}
	if err := f.store.Unlock(f.fd); err != nil {
		return errors.E(op, errors.Mailbox(f.filepath), err)
	}
	return nil
}

// Map ensures [from, from+length) is addressable in memory, extending the
// mmap where possible. Bytes written after the last remap live in buffer
// until the next Map call; ptr(offset) is the uniform addressing function
// named in the map-window-selection algorithm.
func (f *LogFile) Map(from, length int64) error {
	const op = errors.Op("txlog.LogFile.Map")
	if f.inMemory {
		return nil // The whole segment already lives in f.buffer.
	}
	want := int(from + length)
	f.mu.Lock()
	defer f.mu.Unlock()
	if want <= f.mmapSize {
		return nil
	}
	if len(f.mmapBase) > 0 {
		if err := f.store.Munmap(f.mmapBase); err != nil {
			return errors.E(op, errors.Mailbox(f.filepath), err)
		}
	}
	b, err := f.store.Mmap(f.fd, want)
	if err != nil {
		return errors.E(op, errors.Mailbox(f.filepath), err)
	}
	f.mmapBase = b
	f.mmapSize = want
	// Bytes below the new mapping's extent no longer need the tail buffer.
	if f.bufferOffset < int64(want) {
		if drop := int64(want) - f.bufferOffset; drop < int64(len(f.buffer)) {
			f.buffer = f.buffer[drop:]
			f.bufferOffset = int64(want)
		} else {
			f.buffer = nil
			f.bufferOffset = int64(want)
		}
	}
	return nil
}

// ptr returns the byte at offset, sourced from the tail buffer if offset
// has not yet been covered by a remap, or from the mmap otherwise.
func (f *LogFile) ptr(offset int64) (byte, bool) {
	if offset >= f.bufferOffset && offset-f.bufferOffset < int64(len(f.buffer)) {
		return f.buffer[offset-f.bufferOffset], true
	}
	if offset < int64(len(f.mmapBase)) {
		return f.mmapBase[offset], true
	}
	return 0, false
}

// ReadRange returns a copy of [offset, offset+length) sourced uniformly
// across the mmap and tail buffer, reassembling it at the boundary if the
// requested range straddles both.
func (f *LogFile) ReadRange(offset, length int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inMemory {
		if offset < 0 || offset+length > int64(len(f.buffer)) {
			return nil, errors.E(errors.Op("txlog.LogFile.ReadRange"), errors.IO, errors.Str("out of range"))
		}
		out := make([]byte, length)
		copy(out, f.buffer[offset:offset+length])
		return out, nil
	}
	out := make([]byte, length)
	for i := range out {
		b, ok := f.ptr(offset + int64(i))
		if !ok {
			return nil, errors.E(errors.Op("txlog.LogFile.ReadRange"), errors.IO, errors.Str("out of range"))
		}
		out[i] = b
	}
	return out, nil
}

// ReadToMemory reads the full on-disk contents into an in-memory buffer,
// used by Log.MoveToMemory. It does not itself unmap or close the fd; the
// caller does that once every segment has been migrated.
func (f *LogFile) ReadToMemory() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inMemory {
		out := make([]byte, len(f.buffer))
		copy(out, f.buffer)
		return out, nil
	}
	buf := make([]byte, f.lastSize)
	n, err := f.store.ReadAt(f.fd, buf, 0)
	if err != nil {
		return nil, errors.E(errors.Op("txlog.LogFile.ReadToMemory"), errors.Mailbox(f.filepath), err)
	}
	return buf[:n], nil
}

// BecomeInMemory converts f into an in-memory segment backed by data,
// releasing its mmap and closing its fd. Used by Log.MoveToMemory; the
// segment's identity (file_seq, offsets) is unchanged.
func (f *LogFile) BecomeInMemory(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inMemory {
		return nil
	}
	if len(f.mmapBase) > 0 {
		if err := f.store.Munmap(f.mmapBase); err != nil {
			return errors.E(errors.Op("txlog.LogFile.BecomeInMemory"), errors.Mailbox(f.filepath), err)
		}
		f.mmapBase = nil
		f.mmapSize = 0
	}
	if f.fd != nil {
		if err := f.store.Close(f.fd); err != nil {
			return errors.E(errors.Op("txlog.LogFile.BecomeInMemory"), errors.Mailbox(f.filepath), err)
		}
		f.fd = nil
	}
	f.buffer = data
	f.bufferOffset = 0
	f.inMemory = true
	return nil
}

// Append writes record to the end of the segment. Permitted only while
// locked; advances sync_offset only after a successful fsync, so that
// sync_offset never claims durability it hasn't earned.
func (f *LogFile) Append(record []byte) error {
	const op = errors.Op("txlog.LogFile.Append")
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.locked {
		return errors.E(op, errors.Str("append without lock"))
	}
	if f.inMemory {
		f.buffer = append(f.buffer, record...)
		f.syncOffset = int64(len(f.buffer))
		return nil
	}
	n, err := f.store.Append(f.fd, record)
	if err != nil {
		return errors.E(op, errors.Mailbox(f.filepath), err)
	}
	if err := f.store.Fsync(f.fd); err != nil {
		return errors.E(op, errors.Mailbox(f.filepath), err)
	}
	f.syncOffset += int64(n)
	f.lastSize = f.syncOffset
	// Newly written bytes live in the tail buffer until the next Map call
	// extends the mmap to cover them; bufferOffset already marks the
	// boundary between mapped and not-yet-mapped bytes.
	f.buffer = append(f.buffer, record...)
	return nil
}

// Close releases the segment's resources. It does not check refcount;
// callers (Log, ViewRegistry) are responsible for calling Close only once
// a file's refcount has reached zero.
func (f *LogFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inMemory {
		return nil
	}
	var firstErr error
	if len(f.mmapBase) > 0 {
		if err := f.store.Munmap(f.mmapBase); err != nil && firstErr == nil {
			firstErr = err
		}
		f.mmapBase = nil
	}
	if f.fd != nil {
		if err := f.store.Close(f.fd); err != nil && firstErr == nil {
			firstErr = err
		}
		f.fd = nil
	}
	return firstErr
}

