// Copyright 2016 The Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package msgcache

import (
	"io"
	"sync"
)

// MaxCachedMessages bounds the number of messages kept at once. It's not
// useful to cache lots of messages, since they're mostly wanted just once;
// the biggest reason this cache exists is to make repeated access to the
// single most recently fetched message cheap. Mirrors MAX_CACHED_MESSAGES
// from the original imap-message-cache.
const MaxCachedMessages = 16

// Part is an opaque per-message structure supplied by the caller: a parsed
// MIME tree, a precomputed BODYSTRUCTURE string, or whatever else the
// caller's own parser produced. msgcache never looks inside it.
type Part interface{}

// Sizes holds a message's header and body extents, in whatever units the
// caller's virtual/physical size convention uses.
type Sizes struct {
	HeaderSize int64
	BodySize   int64
}

// Source opens a fresh, independently seekable reader onto a message's raw
// bytes. It's consulted only when the cache's single open-reader slot needs
// to switch to a different UID or hasn't been opened yet.
type Source interface {
	OpenMessage(uid uint32) (io.ReadSeeker, error)
}

// Message holds whatever has been cached so far for one UID. Zero value
// fields mean "not cached yet"; callers fill them in lazily as they compute
// each piece.
type Message struct {
	mu sync.Mutex

	UID uint32

	part     Part
	sizes    Sizes
	hasSizes bool
	fields   map[string]string

	// next chains this Message into its Cache's MRU list, most recently
	// touched first, mirroring CachedMessage.next in the original.
	next *Message
}

// Part returns the cached part and whether one has been set.
func (m *Message) Part() (Part, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.part, m.part != nil
}

// SetPart caches part for this message.
func (m *Message) SetPart(part Part) {
	m.mu.Lock()
	m.part = part
	m.mu.Unlock()
}

// Sizes returns the cached header/body sizes and whether they've been set.
func (m *Message) Sizes() (Sizes, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sizes, m.hasSizes
}

// SetSizes caches s for this message.
func (m *Message) SetSizes(s Sizes) {
	m.mu.Lock()
	m.sizes = s
	m.hasSizes = true
	m.mu.Unlock()
}

// Field returns a cached named field (e.g. "body", "bodystructure",
// "envelope") and whether it has been computed yet.
func (m *Message) Field(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.fields[name]
	return v, ok
}

// SetField caches a named field's value for this message.
func (m *Message) SetField(name, value string) {
	m.mu.Lock()
	m.fields[name] = value
	m.mu.Unlock()
}

// Cache is a bounded, concurrency-safe store of per-UID Messages plus one
// reusable reader onto the message most recently accessed through Reader.
// Cached Messages are kept in a singly linked list, messages, with the
// most recently touched UID at the head, the way ImapMessageCache keeps
// its CachedMessage chain; there is no side map, since MaxCachedMessages
// is small enough that a linear scan per touch is cheap.
type Cache struct {
	mu       sync.Mutex
	messages *Message
	count    int
	src      Source

	openUID   uint32
	openValid bool
	open      io.ReadSeeker
}

// New returns an empty cache that opens message bytes through src.
func New(src Source) *Cache {
	return &Cache{src: src}
}

// newMessage allocates a Message for uid and links it in at the head of
// the MRU chain, evicting the tail (the least recently touched message)
// first if the cache is already at MaxCachedMessages. Mirrors cache_new.
func (c *Cache) newMessage(uid uint32) *Message {
	if c.count < MaxCachedMessages {
		c.count++
	} else {
		pos := &c.messages
		for (*pos).next != nil {
			pos = &(*pos).next
		}
		*pos = nil
	}
	m := &Message{UID: uid, fields: make(map[string]string), next: c.messages}
	c.messages = m
	return m
}

// touch finds or creates the Message for uid, moving it to the head of
// the MRU chain. Mirrors cache_open_or_create.
func (c *Cache) touch(uid uint32) *Message {
	pos := &c.messages
	for *pos != nil && (*pos).UID != uid {
		pos = &(*pos).next
	}
	if *pos == nil {
		return c.newMessage(uid)
	}
	m := *pos
	if m != c.messages {
		*pos = m.next
		m.next = c.messages
		c.messages = m
	}
	return m
}

// Message returns the Message for uid, creating and caching an empty one if
// this is the first time uid has been seen. Touching a UID always moves it
// to the front of the eviction order, whether it already existed or not.
func (c *Cache) Message(uid uint32) *Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.touch(uid)
}

// Reader returns a reader positioned at offset within message uid, reusing
// the cache's single open reader if it's already on uid, or asking src for
// a fresh one (dropping any previous reader) if it's on a different message
// or hasn't been opened yet.
func (c *Cache) Reader(uid uint32, offset int64) (io.ReadSeeker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.openValid || c.openUID != uid {
		r, err := c.src.OpenMessage(uid)
		if err != nil {
			return nil, err
		}
		c.open = r
		c.openUID = uid
		c.openValid = true
	}
	if _, err := c.open.Seek(offset, io.SeekStart); err != nil {
		c.openValid = false
		c.open = nil
		return nil, err
	}
	return c.open, nil
}

// CloseReader releases the cache's open reader without discarding any
// cached Message data. Safe to call when no reader is open.
func (c *Cache) CloseReader() {
	c.mu.Lock()
	c.open = nil
	c.openValid = false
	c.mu.Unlock()
}

// Clear discards every cached Message and closes the open reader, if any.
func (c *Cache) Clear() {
	c.CloseReader()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
	c.count = 0
}

// Len returns the number of messages currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}
