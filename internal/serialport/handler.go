// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package serialport owns the per-port serial device, its receiver and
// sender goroutines, and the startup resolution that matches configured
// ports against the OS-visible device list.
package serialport

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/serialgw/modbus-gateway/internal/config"
	"github.com/serialgw/modbus-gateway/internal/frame"
	"github.com/serialgw/modbus-gateway/internal/ring"
	"github.com/serialgw/modbus-gateway/modbus/crc"
)

// maxDrainFrames bounds the drain-recovery pass so an unstick attempt
// can't itself run forever against a wedged port.
const maxDrainFrames = 50

// device is the minimal serial-port surface Handler depends on: plain
// read/write/close plus the per-read timeout, narrower than
// go.bug.st/serial.Port's full control-line API. serial.Port satisfies
// it, and tests can fake it without implementing DTR/RTS/etc. Grounded
// on the teacher's own serialPort, which likewise stores an
// io.ReadWriteCloser rather than the concrete library type.
type device interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// RequestRecord is one outbound Modbus-RTU read request waiting to be
// written to the wire.
type RequestRecord struct {
	Slave    byte
	FuncCode byte
	Start    uint16
	Quantity uint16
}

// encode serializes r as slave | fc | start_hi | start_lo | qty_hi |
// qty_lo | crc_lo | crc_hi, the 8-byte wire shape from spec.md §6.
func (r RequestRecord) encode() []byte {
	buf := []byte{
		r.Slave,
		r.FuncCode,
		byte(r.Start >> 8),
		byte(r.Start),
		byte(r.Quantity >> 8),
		byte(r.Quantity),
	}
	trailer := crc.Trailer(buf)
	return append(buf, trailer[0], trailer[1])
}

// Handler owns one serial device: the device itself, the receive ring,
// a transient buffer for bytes that arrived while the ring was paused,
// and the outbound request queue. One receiveLoop and one sendLoop run
// for as long as the handler is connected.
type Handler struct {
	name    string
	logger  *slog.Logger
	timing  config.SerialTimingConfig
	retries int

	mu        sync.Mutex
	port      device
	connected bool
	buffer    []byte

	ring     *ring.Ring
	outbound chan RequestRecord

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHandler creates a disconnected Handler. Connect must be called
// before the handler is usable.
func NewHandler(name string, logger *slog.Logger, ringCapacity int, timing config.SerialTimingConfig, retries int) *Handler {
	return &Handler{
		name:     name,
		logger:   logger,
		timing:   timing,
		retries:  retries,
		ring:     ring.NewWithLogger(ringCapacity, logger),
		outbound: make(chan RequestRecord, 4096),
	}
}

// Connect opens device with 8N1 framing at the given baud rate and the
// configured per-read timeout, then spawns the receiver and sender
// goroutines. On failure it logs and returns false; it never panics on
// a bad device path.
func (h *Handler) Connect(ctx context.Context, device string, baud int, timeout time.Duration) bool {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		h.logger.Error("failed to open serial device", "device", device, "err", err)
		return false
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		h.logger.Error("failed to set read timeout", "device", device, "err", err)
		port.Close()
		return false
	}

	h.mu.Lock()
	h.port = port
	h.connected = true
	h.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	h.wg.Add(2)
	go h.receiveLoop(loopCtx)
	go h.sendLoop(loopCtx)

	h.logger.Info("serial port connected", "device", device, "baud", baud)
	return true
}

// Close cancels the receiver/sender goroutines and closes the device.
func (h *Handler) Close() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.port != nil {
		h.port.Close()
		h.port = nil
	}
	h.connected = false
}

// receiveLoop implements spec.md §4.4's receiver task: drain recovery
// when paused, flush the transient buffer, read whatever the device has
// to offer, and sleep between polls.
func (h *Handler) receiveLoop(ctx context.Context) {
	defer h.wg.Done()
	buf := make([]byte, 256)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if h.ring.IsPaused() {
			h.drainRecover()
		}
		h.flushBuffer()

		h.mu.Lock()
		port := h.port
		h.mu.Unlock()
		if port == nil {
			return
		}

		// go.bug.st/serial's configured read timeout stands in for the
		// original's in_waiting poll: a timed-out read returns n==0,
		// err==nil, which we treat as "nothing available right now".
		n, err := port.Read(buf)
		if err != nil {
			h.logger.Error("serial read failed", "port", h.name, "err", err)
			sleepCtx(ctx, h.timing.ReceiveErrorTime())
			continue
		}
		if n == 0 {
			sleepCtx(ctx, h.timing.ReceiveTime())
			continue
		}

		h.mu.Lock()
		h.buffer = append(h.buffer, buf[:n]...)
		h.mu.Unlock()
		h.flushBuffer()
	}
}

// drainRecover pulls and discards up to maxDrainFrames complete frames
// from the paused ring, logging each one, then lifts the pause without
// clearing the ring. The last extract call, the one that finds no whole
// frame, still consumes the 3 header bytes of a trailing partial frame
// when at least 3 bytes are left (see internal/frame); whatever remains
// after that stays queued. This is deliberately lossy on whole frames;
// see SPEC_FULL.md §9 Open Question 2.
func (h *Handler) drainRecover() {
	drained := 0
	for drained < maxDrainFrames {
		frames := frame.ExtractHex(h.ring, 1, h.retries)
		if len(frames) == 0 {
			break
		}
		h.logger.Warn("discarding frame during ring drain recovery", "port", h.name, "drained_frame", frames[0])
		drained++
	}
	h.ring.Unpause()
	h.logger.Info("ring drain recovery complete", "port", h.name, "drained", drained)
}

// flushBuffer pushes bytes from the transient buffer into the ring one
// at a time, stopping at the first rejection so the unflushed tail
// stays buffered in order.
func (h *Handler) flushBuffer() {
	h.mu.Lock()
	defer h.mu.Unlock()
	i := 0
	for i < len(h.buffer) {
		if !h.ring.Enqueue(h.buffer[i]) {
			break
		}
		i++
	}
	h.buffer = h.buffer[i:]
}

// sendLoop implements spec.md §4.4's sender task: dequeue one request
// with a 1-second wait, stamp its CRC, write it, then pace with
// send_time before the next write.
func (h *Handler) sendLoop(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-h.outbound:
			h.mu.Lock()
			port := h.port
			h.mu.Unlock()
			if port == nil {
				return
			}
			if _, err := port.Write(req.encode()); err != nil {
				h.logger.Error("serial write failed", "port", h.name, "err", err)
				sleepCtx(ctx, h.timing.SendErrorTime())
				continue
			}
			sleepCtx(ctx, h.timing.SendTime())
		case <-time.After(time.Second):
			// nothing queued within the wait; loop back to recheck ctx.
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// EnqueueRequest pushes a RequestRecord onto the outbound queue. It
// returns false, queuing nothing, if the handler is not connected or the
// outbound queue (4096 entries) is full; it returns true otherwise.
func (h *Handler) EnqueueRequest(slave, fc byte, start, qty uint16) bool {
	h.mu.Lock()
	connected := h.connected
	h.mu.Unlock()
	if !connected {
		return false
	}

	select {
	case h.outbound <- RequestRecord{Slave: slave, FuncCode: fc, Start: start, Quantity: qty}:
		return true
	default:
		h.logger.Warn("outbound queue full, dropping request", "port", h.name)
		return false
	}
}

// ExtractFrames delegates to the frame extractor over this handler's
// ring, returning each frame as lowercase hex.
func (h *Handler) ExtractFrames(n int) []string {
	return frame.ExtractHex(h.ring, n, h.retries)
}

// QueueLen returns the current byte occupancy of the receive ring.
func (h *Handler) QueueLen() int { return h.ring.Length() }

// ClearQueue empties the receive ring.
func (h *Handler) ClearQueue() { h.ring.Clear() }

// Status reports whether the device is connected and the ring's
// current occupancy.
func (h *Handler) Status() (connected bool, queueSize int) {
	h.mu.Lock()
	connected = h.connected
	h.mu.Unlock()
	return connected, h.ring.Length()
}
