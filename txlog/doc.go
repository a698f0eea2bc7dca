// Copyright 2016 The Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package txlog implements the append-only mail transaction log: the
// lifecycle of log file segments (open/create/rotate/purge), coordination
// of concurrent writers via a whole-file lock, safe refresh across
// rename-replacement by other processes, an in-memory fallback for
// non-durable storage, and the reference-counted file-version chain that
// keeps older segments alive for in-flight readers while the head advances.
//
// The structure on disk is, relative to a log directory named after the
// owning mailbox index:
//
//	<index>.log         - current head segment.
//	<index>.log.2       - immediately-previous rotated segment, retained so
//	                       readers lagging by one segment still find it.
//	<index>.log.newlock - transient dotlock used while a new head is being
//	                       created; removed after the rename that publishes it.
//
// Each segment begins with a fixed header (magic, version, file_seq,
// prev_file_seq, prev_file_offset, create_timestamp, and a checksum) followed
// by a sequence of length-prefixed record frames. The frame format itself is
// supplied by the caller and is opaque to this package; the only requirement
// is that frames be self-delimiting, so that sync_offset always lands on a
// frame boundary.
package txlog
