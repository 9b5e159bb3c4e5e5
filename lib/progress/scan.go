// Copyright (C) The Farmout Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package progress extracts task progress markers from output files
// and aggregates per-task and cluster-wide completion state.
//
// The wire format is bit-exact: byte 0x02 (STX), ASCII digits for
// current, '/', ASCII digits for total, byte 0x03 (ETX), written to a
// task's stdout at any point, any number of times. Only the most
// recent complete marker per poll matters.
package progress

import (
	"io"
	"os"
	"strconv"
)

const (
	// STX and ETX bracket every progress marker.
	STX = 0x02
	ETX = 0x03

	// DefaultMaxReadBytes bounds how much a single Scan call reads.
	// A marker split at this boundary is re-read on the next poll.
	DefaultMaxReadBytes = 1 << 20

	// Refuse absurdly long digit runs instead of overflowing.
	maxDigits = 18
)

// A Scanner reads progress markers from task output files, advancing a
// caller-held byte offset. The zero Scanner is usable and reads at
// most DefaultMaxReadBytes per call.
type Scanner struct {
	MaxReadBytes int64
}

// Scan reads new bytes from path starting at fromOffset and returns
// the last complete progress marker found, along with the new offset.
//
// The offset advances past all consumed bytes but never past the
// start of a trailing partial marker, so a marker split at a read
// boundary is re-read (whole) on the next poll. Malformed marker
// candidates are consumed and ignored. If the file does not exist yet
// -- the remote process may not have started writing -- Scan reports
// no progress and leaves the offset unchanged.
//
// Scan with no new bytes is idempotent: progress unchanged, offset
// unchanged.
func (sc Scanner) Scan(path string, fromOffset int64) (current, total, newOffset int64, found bool, err error) {
	newOffset = fromOffset
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, 0, fromOffset, false, nil
	} else if err != nil {
		return 0, 0, fromOffset, false, err
	}
	defer f.Close()

	limit := sc.MaxReadBytes
	if limit <= 0 {
		limit = DefaultMaxReadBytes
	}
	buf := make([]byte, limit)
	n, err := io.ReadFull(io.NewSectionReader(f, fromOffset, limit), buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = nil
	}
	if err != nil {
		return 0, 0, fromOffset, false, err
	}
	current, total, consumed, found := ScanBytes(buf[:n])
	return current, total, fromOffset + int64(consumed), found, nil
}

// ScanBytes scans buf for progress markers and returns the last
// complete one, plus the number of leading bytes consumed. Bytes
// belonging to a valid-prefix marker candidate at the end of buf are
// not consumed.
func ScanBytes(buf []byte) (current, total int64, consumed int, found bool) {
	consumed = len(buf)
	for i := 0; i < len(buf); {
		if buf[i] != STX {
			i++
			continue
		}
		cur, tot, end, state := parseMarker(buf, i)
		switch state {
		case markerComplete:
			current, total, found = cur, tot, true
			i = end
		case markerPrefix:
			// Incomplete at end of buffer; leave it for the
			// next poll.
			consumed = i
			return
		default:
			// Malformed; the byte after STX might itself
			// start a marker.
			i++
		}
	}
	return
}

const (
	markerComplete = iota
	markerPrefix
	markerInvalid
)

// parseMarker parses one marker candidate starting at the STX byte at
// buf[start]. It returns the parsed pair and the index just past the
// ETX byte (for markerComplete), or reports that the candidate is a
// valid prefix truncated by the end of buf, or invalid.
func parseMarker(buf []byte, start int) (current, total int64, end int, state int) {
	i := start + 1
	scanInt := func(stop byte) (int64, bool) {
		digits := 0
		from := i
		for ; i < len(buf) && buf[i] >= '0' && buf[i] <= '9'; i++ {
			digits++
		}
		if digits == 0 || digits > maxDigits {
			if i == len(buf) && digits <= maxDigits {
				state = markerPrefix
			} else {
				state = markerInvalid
			}
			return 0, false
		}
		if i == len(buf) {
			state = markerPrefix
			return 0, false
		}
		if buf[i] != stop {
			state = markerInvalid
			return 0, false
		}
		i++
		v, err := strconv.ParseInt(string(buf[from:i-1]), 10, 64)
		if err != nil {
			state = markerInvalid
			return 0, false
		}
		return v, true
	}
	cur, ok := scanInt('/')
	if !ok {
		return 0, 0, 0, state
	}
	tot, ok := scanInt(ETX)
	if !ok {
		return 0, 0, 0, state
	}
	return cur, tot, i, markerComplete
}
