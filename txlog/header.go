// Copyright 2016 The Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package txlog

import (
	"encoding/binary"
	"time"

	"golang.org/x/crypto/blake2b"

	"mailbox.dev/txlog/errors"
)

const (
	headerMagic   uint32 = 0x4d544c47 // "MTLG"
	headerVersion uint16 = 1

	checksumSize = 32 // blake2b-256

	// HeaderSize is the fixed on-disk size of a segment header, including
	// its trailing checksum. Segment offsets count from the start of the
	// file, so the first record begins at offset HeaderSize.
	HeaderSize = 4 /*magic*/ + 2 /*version*/ + 4 /*file_seq*/ + 4 /*prev_file_seq*/ +
		8 /*prev_file_offset*/ + 8 /*create_timestamp*/ + checksumSize
)

// header is the fixed preamble of every segment, on disk or in memory.
type header struct {
	fileSeq         uint32
	prevFileSeq     uint32
	prevFileOffset  uint64
	createTimestamp uint64
}

func newHeader(fileSeq, prevFileSeq uint32, prevFileOffset uint64, created time.Time) header {
	return header{
		fileSeq:         fileSeq,
		prevFileSeq:     prevFileSeq,
		prevFileOffset:  prevFileOffset,
		createTimestamp: uint64(created.Unix()),
	}
}

// marshal encodes h, including a blake2b-256 checksum over the preceding
// fields, into a HeaderSize-length buffer.
func (h header) marshal() []byte {
	b := make([]byte, HeaderSize-checksumSize, HeaderSize)
	binary.BigEndian.PutUint32(b[0:4], headerMagic)
	binary.BigEndian.PutUint16(b[4:6], headerVersion)
	binary.BigEndian.PutUint32(b[6:10], h.fileSeq)
	binary.BigEndian.PutUint32(b[10:14], h.prevFileSeq)
	binary.BigEndian.PutUint64(b[14:22], h.prevFileOffset)
	binary.BigEndian.PutUint64(b[22:30], h.createTimestamp)
	sum := blake2b.Sum256(b)
	return append(b, sum[:]...)
}

// unmarshalHeader validates and decodes a HeaderSize-length buffer. A
// magic/version/checksum mismatch, or a file_seq of zero, is reported as
// errors.Corrupt per the integrity-on-open rule: the header must be fully
// present and self-consistent or the segment is unusable.
func unmarshalHeader(buf []byte) (header, error) {
	const op = errors.Op("txlog.unmarshalHeader")
	if len(buf) < HeaderSize {
		return header{}, errors.E(op, errors.Corrupt, errors.Str("short header"))
	}
	body, gotSum := buf[:HeaderSize-checksumSize], buf[HeaderSize-checksumSize:HeaderSize]
	wantSum := blake2b.Sum256(body)
	for i, b := range wantSum {
		if gotSum[i] != b {
			return header{}, errors.E(op, errors.Corrupt, errors.Str("header checksum mismatch"))
		}
	}
	if magic := binary.BigEndian.Uint32(body[0:4]); magic != headerMagic {
		return header{}, errors.E(op, errors.Corrupt, errors.Str("bad magic"))
	}
	if version := binary.BigEndian.Uint16(body[4:6]); version != headerVersion {
		return header{}, errors.E(op, errors.Corrupt, errors.Errorf("unsupported header version %d", version))
	}
	h := header{
		fileSeq:        binary.BigEndian.Uint32(body[6:10]),
		prevFileSeq:    binary.BigEndian.Uint32(body[10:14]),
		prevFileOffset: binary.BigEndian.Uint64(body[14:22]),
	}
	h.createTimestamp = binary.BigEndian.Uint64(body[22:30])
	if h.fileSeq == 0 {
		return header{}, errors.E(op, errors.Corrupt, errors.Str("file_seq is zero"))
	}
	return h, nil
}

func (h header) created() time.Time {
	return time.Unix(int64(h.createTimestamp), 0)
}
