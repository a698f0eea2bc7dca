// Copyright 2016 The Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package txlog

import "time"

// Default rotation thresholds and lock timeouts, named after the constants
// of the same purpose in the original mail transaction log.
const (
	// RotateMinSize is the smallest sync_offset at which age-based rotation
	// (RotateTime) is considered.
	RotateMinSize int64 = 8 * 1024

	// RotateMaxSize forces a rotation regardless of age once sync_offset
	// exceeds it.
	RotateMaxSize int64 = 64 * 1024 * 1024

	// RotateTime is the minimum head age, combined with RotateMinSize, that
	// triggers WantRotate.
	RotateTime = 5 * time.Minute

	// DotlockTimeout bounds how long Lock waits to acquire an exclusive
	// lock before giving up.
	DotlockTimeout = 60 * time.Second

	// DotlockStaleTimeout is the age past which a held dotlock is assumed
	// abandoned and may be broken.
	DotlockStaleTimeout = 60 * time.Second
)

// DotlockSettings groups the knobs governing one dotlock's behavior, mirrored
// after dotlock_settings / new_dotlock_settings in the original source: one
// set of settings governs the lock taken on the existing head file, a
// separate set governs the ".newlock" used while a new head is created.
type DotlockSettings struct {
	// Timeout is how long Lock blocks waiting for the lock to free up.
	Timeout time.Duration
	// StaleTimeout is the age past which a lock file is considered
	// abandoned by a dead process and may be broken.
	StaleTimeout time.Duration
}

// Config groups the tunables of a Log. Defaults match the values the
// original mail transaction log compiled in.
type Config struct {
	// RotateMinSize, RotateMaxSize and RotateTime parameterize WantRotate.
	RotateMinSize int64
	RotateMaxSize int64
	RotateTime    time.Duration

	// UseExclLock selects the platform exclusive fcntl-style lock when
	// true; when false (or when the platform lock is unavailable) the
	// dotlock fallback is used unconditionally.
	UseExclLock bool

	// Dotlock governs the lock taken on the canonical head path.
	Dotlock DotlockSettings
	// NewDotlock governs the ".newlock" taken while creating a new head.
	NewDotlock DotlockSettings
}

// DefaultConfig returns the Config used when none is supplied explicitly.
func DefaultConfig() Config {
	return Config{
		RotateMinSize: RotateMinSize,
		RotateMaxSize: RotateMaxSize,
		RotateTime:    RotateTime,
		UseExclLock:   true,
		Dotlock: DotlockSettings{
			Timeout:      DotlockTimeout,
			StaleTimeout: DotlockStaleTimeout,
		},
		NewDotlock: DotlockSettings{
			Timeout:      DotlockTimeout,
			StaleTimeout: DotlockStaleTimeout,
		},
	}
}
