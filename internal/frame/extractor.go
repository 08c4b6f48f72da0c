// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package frame reassembles Modbus-RTU response frames out of a raw byte
// stream buffered in a ring. It knows nothing about function codes beyond
// the shape every RTU response shares: slave(1) | fc(1) | byte_count(1) |
// data(byte_count) | crc(2). CRC is not checked here; that is left to the
// caller (see modbus/crc).
package frame

import "encoding/hex"

// Source is anything the extractor can pull bytes from in FIFO order. It
// is satisfied by *ring.Ring; the extractor depends on this narrower
// interface instead of the ring package directly so it stays testable with
// a plain slice-backed stub.
type Source interface {
	Length() int
	Dequeue() (byte, bool)
}

const headerSize = 3 // slave, function code, byte_count

// Extract drains up to n complete Modbus-RTU response frames from src,
// left to right, and returns each as raw bytes.
//
// Algorithm: peel the 3-byte header, compute the total frame size from
// byte_count, and peel the rest. If the ring doesn't yet hold the rest of
// the frame, the 3 header bytes already peeled are lost — this mirrors the
// original implementation's behavior and is not accidental; see
// SPEC_FULL.md §9 Open Question 1. maxRetries bounds how many times a
// malformed read (the ring draining out from under us) is tolerated
// before giving up on this call.
func Extract(src Source, n, maxRetries int) [][]byte {
	var frames [][]byte
	if src.Length() < headerSize {
		return frames
	}

	retries := 0
	for len(frames) < n {
		if src.Length() < headerSize {
			break
		}

		header, ok := peel(src, headerSize)
		if !ok {
			if bumpRetry(&retries, maxRetries) {
				break
			}
			continue
		}

		byteCount := int(header[2])
		frameSize := headerSize + byteCount + 2
		remaining := frameSize - headerSize

		if src.Length() < remaining {
			// The rest of the frame hasn't arrived yet. The header bytes
			// just peeled are gone; stop here with whatever we already
			// collected.
			break
		}

		body, ok := peel(src, remaining)
		if !ok {
			if bumpRetry(&retries, maxRetries) {
				break
			}
			continue
		}

		frames = append(frames, append(header, body...))
	}

	return frames
}

// ExtractHex is Extract with each frame lowercase-hex-encoded, the shape
// the TCP dispatcher's "receive" action returns to clients.
func ExtractHex(src Source, n, maxRetries int) []string {
	raw := Extract(src, n, maxRetries)
	out := make([]string, len(raw))
	for i, f := range raw {
		out[i] = hex.EncodeToString(f)
	}
	return out
}

func peel(src Source, count int) ([]byte, bool) {
	buf := make([]byte, 0, count)
	for i := 0; i < count; i++ {
		b, ok := src.Dequeue()
		if !ok {
			return nil, false
		}
		buf = append(buf, b)
	}
	return buf, true
}

// bumpRetry increments *retries and reports whether the retry budget has
// been exhausted (maxRetries <= 0 means unbounded retries).
func bumpRetry(retries *int, maxRetries int) bool {
	*retries++
	return maxRetries > 0 && *retries >= maxRetries
}
