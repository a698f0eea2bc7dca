// Copyright 2016 The Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package txlog

import (
	"os"
	"syscall"
	"time"

	"mailbox.dev/txlog/errors"
)

// fileHandle is the minimal surface FileStore needs from an open file. Both
// *os.File and *renameOnCloseFile (the handle CreateExclusive hands back,
// whose Close links a temp file into place) satisfy it.
type fileHandle interface {
	Name() string
	ReadAt(p []byte, off int64) (int, error)
	Write(p []byte) (int, error)
	Sync() error
	Close() error
	Fd() uintptr
}

// FileStore is the disk abstraction used by LogFile. It exists so that
// LogFile's algorithms (map window selection, integrity checks, append
// under lock) are independent of how bytes ultimately reach storage,
// and so tests can substitute an in-memory or fault-injecting store.
type FileStore interface {
	Stat(path string) (os.FileInfo, error)
	Open(path string) (fileHandle, error)
	// CreateExclusive atomically creates path, using a dotlock with the
	// given suffix (e.g. ".newlock") to guard the create-then-rename
	// sequence, and returns the open file positioned at offset 0. The
	// temp file is linked into the canonical path on Close.
	CreateExclusive(path, dotlockSuffix string, settings DotlockSettings) (fileHandle, error)
	Fsync(f fileHandle) error
	Rename(oldpath, newpath string) error
	Remove(path string) error
	ReadAt(f fileHandle, buf []byte, offset int64) (int, error)
	Append(f fileHandle, buf []byte) (int, error)
	Close(f fileHandle) error
	Mmap(f fileHandle, length int) ([]byte, error)
	Munmap(b []byte) error
	LockExclusive(f fileHandle) error
	Unlock(f fileHandle) error
}

// LogFileStore is the production FileStore, grounded on plain *os.File
// operations plus the platform-specific locking and mmap calls in
// mmap_unix.go. Every operation that can see a stale networked-filesystem
// handle (ESTALE) is retried a bounded number of times, per the
// environment assumption that stat/read may transiently fail that way.
type LogFileStore struct{}

var _ FileStore = LogFileStore{}

const estaleRetries = 3

// withESTALERetry retries fn up to estaleRetries times while it keeps
// returning ESTALE, sleeping briefly between attempts. Any other error, or
// success, returns immediately.
func withESTALERetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < estaleRetries; attempt++ {
		err = fn()
		if err == nil || !isESTALE(err) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 20 * time.Millisecond)
	}
	return err
}

func isESTALE(err error) bool {
	if e, ok := err.(*errors.Error); ok {
		err = e.Err
	}
	for {
		switch v := err.(type) {
		case *os.PathError:
			err = v.Err
		case *os.LinkError:
			err = v.Err
		case syscall.Errno:
			return v == syscall.ESTALE
		default:
			return false
		}
	}
}

func (LogFileStore) Stat(path string) (os.FileInfo, error) {
	var fi os.FileInfo
	err := withESTALERetry(func() error {
		var serr error
		fi, serr = os.Stat(path)
		if serr != nil {
			return errors.E(errors.Op("txlog.Stat"), errors.IO, errors.Mailbox(path), serr)
		}
		return nil
	})
	return fi, err
}

func (LogFileStore) Open(path string) (fileHandle, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.E(errors.Op("txlog.Open"), errors.NotExist, errors.Mailbox(path), err)
		}
		return nil, errors.E(errors.Op("txlog.Open"), errors.IO, errors.Mailbox(path), err)
	}
	return f, nil
}

// CreateExclusive materializes path by writing to a temp file guarded by a
// ".newlock"-suffixed dotlock, to be fsynced and linked into place when
// the returned handle is closed. The dotlock guards against two processes
// both winning the create race; whichever loses it must treat the
// now-existing path as canonical (Log.Create handles that fallback).
func (s LogFileStore) CreateExclusive(path, dotlockSuffix string, settings DotlockSettings) (fileHandle, error) {
	const op = errors.Op("txlog.CreateExclusive")
	lock, err := acquireDotlock(path, dotlockSuffix, settings)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	tempPath := path + dotlockSuffix + ".tmp"
	f, err := os.OpenFile(tempPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, errors.E(op, errors.IO, errors.Mailbox(tempPath), err)
	}
	return &renameOnCloseFile{File: f, tempPath: tempPath, finalPath: path}, nil
}

// renameOnCloseFile is returned by CreateExclusive; its Close links the
// temp file into the canonical path (see publish) before closing the fd,
// publishing the new segment atomically. Embedding *os.File lets it satisfy
// fileHandle directly.
type renameOnCloseFile struct {
	*os.File
	tempPath  string
	finalPath string
	published bool
}

// publish links the temp file into finalPath and removes the temp name.
// It uses Link rather than Rename deliberately: Link fails with EEXIST if
// another process has already published a file at finalPath since we
// started, which is exactly the race CreateLogFile/Log.Create must detect
// (B3) rather than silently clobbering the winner's segment the way a
// Rename would.
func (f *renameOnCloseFile) publish() error {
	const op = errors.Op("txlog.publish")
	if f.published {
		return nil
	}
	if err := f.File.Sync(); err != nil {
		return errors.E(op, errors.IO, errors.Mailbox(f.tempPath), err)
	}
	if err := os.Link(f.tempPath, f.finalPath); err != nil {
		os.Remove(f.tempPath)
		if os.IsExist(err) {
			f.published = true
			return errors.E(op, errors.Exist, errors.Mailbox(f.finalPath), err)
		}
		return errors.E(op, errors.IO, errors.Mailbox(f.finalPath), err)
	}
	os.Remove(f.tempPath)
	f.published = true
	return nil
}

func (LogFileStore) Fsync(f fileHandle) error {
	if err := f.Sync(); err != nil {
		return errors.E(errors.Op("txlog.Fsync"), errors.IO, errors.Mailbox(f.Name()), err)
	}
	return nil
}

func (LogFileStore) Rename(oldpath, newpath string) error {
	if err := os.Rename(oldpath, newpath); err != nil {
		return errors.E(errors.Op("txlog.Rename"), errors.IO, errors.Mailbox(newpath), err)
	}
	return nil
}

func (LogFileStore) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.E(errors.Op("txlog.Remove"), errors.IO, errors.Mailbox(path), err)
	}
	return nil
}

func (s LogFileStore) ReadAt(f fileHandle, buf []byte, offset int64) (int, error) {
	var n int
	err := withESTALERetry(func() error {
		var rerr error
		n, rerr = f.ReadAt(buf, offset)
		if rerr != nil && rerr.Error() != "EOF" {
			return errors.E(errors.Op("txlog.ReadAt"), errors.IO, errors.Mailbox(f.Name()), rerr)
		}
		return nil
	})
	return n, err
}

func (LogFileStore) Append(f fileHandle, buf []byte) (int, error) {
	n, err := f.Write(buf)
	if err != nil {
		return n, errors.E(errors.Op("txlog.Append"), errors.IO, errors.Mailbox(f.Name()), err)
	}
	return n, nil
}

func (LogFileStore) Close(f fileHandle) error {
	if rc, ok := f.(*renameOnCloseFile); ok {
		if err := rc.publish(); err != nil {
			return err
		}
	}
	if err := f.Close(); err != nil {
		return errors.E(errors.Op("txlog.Close"), errors.IO, errors.Mailbox(f.Name()), err)
	}
	return nil
}
