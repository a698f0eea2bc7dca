// Copyright 2016 The Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package msgcache caches per-message metadata keyed by UID, plus a single
// re-seekable reader onto whichever message was most recently touched.
//
// It does not parse messages. Callers own whatever opaque Part value a
// message's structure is represented by (a MIME tree, a precomputed
// bodystructure string, or anything else); msgcache only remembers it,
// evicting the least-recently-used message once more than MaxCachedMessages
// are live. Caching more than a handful of messages buys little: most are
// read exactly once, and the real win is avoiding re-opening and re-parsing
// the message a client just asked about a second time.
package msgcache
