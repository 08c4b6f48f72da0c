// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package dispatcher

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/serialgw/modbus-gateway/internal/config"
	"github.com/serialgw/modbus-gateway/internal/serialport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestDispatcher picks a free port (per the teacher's
// listen-then-close-then-rebind pattern) and starts a Dispatcher
// against a registry seeded with one handler, "P1", that is registered
// but never connected (status reports connected=false).
func newTestDispatcher(t *testing.T) (addr string, registry *serialport.Registry, cancel func()) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve a port: %v", err)
	}
	a := l.Addr().String()
	l.Close()

	host, portStr, _ := net.SplitHostPort(a)
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("failed to parse reserved port %q: %v", portStr, err)
	}

	registry = serialport.NewRegistry()
	registry.Register("P1", serialport.NewHandler("P1", discardLogger(), 256, config.SerialTimingConfig{}, 3))

	d := &Dispatcher{
		Host:               host,
		Port:               port,
		MaxConnections:     8,
		BufferSize:         4096,
		MaxBytesPerRequest: 65536,
		Registry:           registry,
		Logger:             discardLogger(),
	}

	ctx, cancelFn := context.WithCancel(context.Background())
	go d.Start(ctx)

	var conn net.Conn
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", a)
		if err == nil {
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if conn == nil && err != nil {
		t.Fatalf("dispatcher never came up on %s: %v", a, err)
	}

	return a, registry, cancelFn
}

func readReplies(t *testing.T, conn net.Conn, n int) []map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	dec := json.NewDecoder(conn)
	var out []map[string]any
	for i := 0; i < n; i++ {
		var m map[string]any
		if err := dec.Decode(&m); err != nil {
			t.Fatalf("decoding reply %d: %v", i, err)
		}
		out = append(out, m)
	}
	return out
}

func TestStatusAction(t *testing.T) {
	addr, _, cancel := newTestDispatcher(t)
	defer cancel()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte(`{"action":"status"}`))
	replies := readReplies(t, conn, 1)
	if replies[0]["status"] != "success" {
		t.Fatalf("status reply = %v, want status=success", replies[0])
	}
	if _, ok := replies[0]["server_running"]; !ok {
		t.Fatalf("status reply missing server_running: %v", replies[0])
	}
}

// TestTwoRequestsInOneWrite is spec.md §8 scenario E.
func TestTwoRequestsInOneWrite(t *testing.T) {
	addr, _, cancel := newTestDispatcher(t)
	defer cancel()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	payload := `{"action":"status"}{"action":"queue_size","port":"P1"}`
	if _, err := conn.Write([]byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}

	replies := readReplies(t, conn, 2)
	for i, r := range replies {
		if r["status"] != "success" {
			t.Fatalf("reply %d = %v, want status=success", i, r)
		}
	}
}

func TestUnknownPortIsAnErrorNotADisconnect(t *testing.T) {
	addr, _, cancel := newTestDispatcher(t)
	defer cancel()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte(`{"action":"queue_size","port":"ghost"}`))
	replies := readReplies(t, conn, 1)
	if replies[0]["status"] != "error" {
		t.Fatalf("reply = %v, want status=error", replies[0])
	}

	// the connection must still be usable afterwards.
	conn.Write([]byte(`{"action":"status"}`))
	replies = readReplies(t, conn, 1)
	if replies[0]["status"] != "success" {
		t.Fatalf("connection should stay open after a protocol error, got %v", replies[0])
	}
}

// TestReceiveRequiresPositiveNum is spec.md §9 Open Question 3: missing
// or zero num is an error.
func TestReceiveRequiresPositiveNum(t *testing.T) {
	addr, _, cancel := newTestDispatcher(t)
	defer cancel()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte(`{"action":"receive","port":"P1","num":0}`))
	replies := readReplies(t, conn, 1)
	if replies[0]["status"] != "error" {
		t.Fatalf("receive with num=0 should error, got %v", replies[0])
	}
}

// TestOversizeRequestIsRejected relies on newTestDispatcher's
// MaxBytesPerRequest of 65536: a candidate well past that is rejected
// without closing the connection.
func TestOversizeRequestIsRejected(t *testing.T) {
	addr, _, cancel := newTestDispatcher(t)
	defer cancel()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	huge := `{"action":"status","padding":"` + strings.Repeat("x", 100000) + `"}`
	conn.Write([]byte(huge))
	replies := readReplies(t, conn, 1)
	if replies[0]["status"] != "error" {
		t.Fatalf("oversize request should be rejected, got %v", replies[0])
	}
}
