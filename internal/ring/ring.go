// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package ring implements the bounded byte queue that sits between a
// serial port's receiver goroutine and the frame extractor reading out of
// it. It pauses rather than overwrites on overflow, because the frame
// boundary lives in the byte stream: silently dropping the oldest bytes
// would slice a frame in half and permanently desynchronize the extractor.
package ring

import (
	"io"
	"log/slog"
	"sync"
)

// Ring is a fixed-capacity FIFO byte queue with a single writer and
// potentially many readers, all serialized by one mutex.
type Ring struct {
	mu       sync.Mutex
	buf      []byte
	capacity int
	head     int // index of the oldest byte
	size     int // number of valid bytes currently stored

	paused        bool
	overflowCount int

	logger *slog.Logger
}

// New creates a Ring that admits at most capacity bytes before pausing.
// Overflow warnings are discarded; use NewWithLogger to observe them.
func New(capacity int) *Ring {
	return NewWithLogger(capacity, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// NewWithLogger creates a Ring that logs a warning, via logger, the
// moment it transitions from accepting writes to paused-on-overflow.
func NewWithLogger(capacity int, logger *slog.Logger) *Ring {
	return &Ring{
		buf:      make([]byte, capacity),
		capacity: capacity,
		logger:   logger,
	}
}

// Enqueue appends b to the ring and returns true. If the ring is already
// paused it returns false and changes nothing; if the ring is full it
// pauses the ring, bumps the overflow counter and returns false.
func (r *Ring) Enqueue(b byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.paused {
		return false
	}
	if r.size >= r.capacity {
		r.paused = true
		r.overflowCount++
		r.logger.Warn("ring full, pausing until drained", "capacity", r.capacity, "overflow_count", r.overflowCount)
		return false
	}

	idx := (r.head + r.size) % r.capacity
	r.buf[idx] = b
	r.size++
	return true
}

// Dequeue removes and returns the oldest byte. ok is false if the ring is
// empty.
func (r *Ring) Dequeue() (b byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return 0, false
	}
	b = r.buf[r.head]
	r.head = (r.head + 1) % r.capacity
	r.size--
	return b, true
}

// Length returns the current number of bytes held in the ring.
func (r *Ring) Length() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Clear empties the ring and lifts any pause.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head = 0
	r.size = 0
	r.paused = false
}

// Unpause lifts the pause flag without touching the ring's contents.
// Unlike Clear, bytes already admitted stay queued; this is what drain
// recovery uses to resume the ring once it has drained what it can.
func (r *Ring) Unpause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = false
}

// IsPaused reports whether the ring is currently refusing writes.
func (r *Ring) IsPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// OverflowCount returns the number of times an Enqueue found the ring
// full and paused it. Rejections while the ring is already paused are
// not counted, and Clear does not reset the count.
func (r *Ring) OverflowCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overflowCount
}

// Capacity returns the ring's fixed capacity.
func (r *Ring) Capacity() int {
	return r.capacity
}
