// Copyright 2016 The Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package txlog

import (
	"fmt"
	"os"
	"time"

	"mailbox.dev/txlog/errors"
	"mailbox.dev/txlog/log"
)

// dotlock is a cross-process advisory lock implemented by creating a
// per-process temp file and linking it into place at lockPath. Linking is
// atomic and fails with EEXIST if someone else holds the lock, which is
// what makes this safe on filesystems (notably networked ones) where a
// plain create-if-not-exist has a race window. This is the fallback used
// when the platform's native exclusive lock (LockExclusive) is unavailable
// or disabled via Config.UseExclLock.
type dotlock struct {
	lockPath string
	tempPath string
}

// acquireDotlock creates lockPath, retrying across the stale-breaking dance
// until timeout elapses. suffix is appended to path to form lockPath (".lock"
// for the head file, ".newlock" while creating a new segment).
func acquireDotlock(path, suffix string, settings DotlockSettings) (*dotlock, error) {
	const op = errors.Op("txlog.acquireDotlock")
	lockPath := path + suffix
	tempPath := fmt.Sprintf("%s.%d.%d", lockPath, os.Getpid(), time.Now().UnixNano())

	deadline := time.Now().Add(settings.Timeout)
	for {
		f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|os.O_EXCL, 0600)
		if err != nil {
			return nil, errors.E(op, errors.IO, errors.Mailbox(tempPath), err)
		}
		_, werr := fmt.Fprintf(f, "%d", os.Getpid())
		cerr := f.Close()
		if werr != nil {
			os.Remove(tempPath)
			return nil, errors.E(op, errors.IO, errors.Mailbox(tempPath), werr)
		}
		if cerr != nil {
			os.Remove(tempPath)
			return nil, errors.E(op, errors.IO, errors.Mailbox(tempPath), cerr)
		}

		err = os.Link(tempPath, lockPath)
		os.Remove(tempPath)
		if err == nil {
			return &dotlock{lockPath: lockPath, tempPath: tempPath}, nil
		}
		if !os.IsExist(err) {
			return nil, errors.E(op, errors.IO, errors.Mailbox(lockPath), err)
		}

		broke, berr := breakStaleDotlock(lockPath, settings.StaleTimeout)
		if berr != nil {
			log.Error.Opf("txlog", "checking stale lock "+lockPath, berr)
		}
		if broke {
			continue // Retry the link immediately.
		}
		if time.Now().After(deadline) {
			return nil, errors.E(op, errors.LockTimeout, errors.Mailbox(lockPath))
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// breakStaleDotlock removes lockPath if its mtime is older than staleTimeout,
// reporting whether it did so. A lock surviving past staleTimeout is assumed
// to belong to a process that died without cleaning up.
func breakStaleDotlock(lockPath string, staleTimeout time.Duration) (bool, error) {
	fi, err := os.Stat(lockPath)
	if os.IsNotExist(err) {
		// Already gone; the next Link attempt will succeed or report a
		// fresh conflict.
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if time.Since(fi.ModTime()) <= staleTimeout {
		return false, nil
	}
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return false, err
	}
	return true, nil
}

// release removes the dotlock. It is safe to call on a lock that has
// already been superseded by a stale-break elsewhere; removal of a
// nonexistent file is not an error.
func (d *dotlock) release() error {
	if err := os.Remove(d.lockPath); err != nil && !os.IsNotExist(err) {
		return errors.E(errors.Op("txlog.dotlock.release"), errors.IO, errors.Mailbox(d.lockPath), err)
	}
	return nil
}
