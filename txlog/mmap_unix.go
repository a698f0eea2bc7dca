// Copyright 2016 The Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package txlog

import (
	"golang.org/x/sys/unix"

	"mailbox.dev/txlog/errors"
)

// Mmap maps the first length bytes of f read-write. The mapped window
// always starts at offset 0, per the map-window-selection rule: callers
// never mmap a sub-range, they extend the single mapping covering
// [0, length).
func (LogFileStore) Mmap(f fileHandle, length int) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	b, err := unix.Mmap(int(f.Fd()), 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.E(errors.Op("txlog.Mmap"), errors.IO, errors.Mailbox(f.Name()), err)
	}
	return b, nil
}

func (LogFileStore) Munmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := unix.Munmap(b); err != nil {
		return errors.E(errors.Op("txlog.Munmap"), errors.IO, err)
	}
	return nil
}

// LockExclusive takes the platform's whole-file advisory lock via fcntl,
// non-blocking: callers own the retry/timeout loop (Lock in logfile.go),
// since only they know about the dotlock fallback and stale-breaking.
func (LogFileStore) LockExclusive(f fileHandle) error {
	lock := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: 0,
		Start:  0,
		Len:    0, // whole file
	}
	if err := unix.FcntlFlock(f.Fd(), unix.F_SETLK, &lock); err != nil {
		return errors.E(errors.Op("txlog.LockExclusive"), errors.IO, errors.Mailbox(f.Name()), err)
	}
	return nil
}

func (LogFileStore) Unlock(f fileHandle) error {
	lock := unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: 0,
		Start:  0,
		Len:    0,
	}
	if err := unix.FcntlFlock(f.Fd(), unix.F_SETLK, &lock); err != nil {
		return errors.E(errors.Op("txlog.Unlock"), errors.IO, errors.Mailbox(f.Name()), err)
	}
	return nil
}
