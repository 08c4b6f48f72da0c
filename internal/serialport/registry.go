// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package serialport

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"go.bug.st/serial/enumerator"

	"github.com/serialgw/modbus-gateway/internal/config"
)

// osDevice is the {device_id, description} pair the registry resolves
// configured ports against. It narrows enumerator.PortDetails down to
// what find_serial_ports needs.
type osDevice struct {
	Name        string
	Description string
}

// portLister abstracts OS device enumeration so tests can supply a
// fixed device list instead of depending on the machine's real ports.
type portLister func() ([]osDevice, error)

func listOSPorts() ([]osDevice, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	devices := make([]osDevice, len(ports))
	for i, p := range ports {
		// go.bug.st/serial's enumerator has no generic "description"
		// field the way pyserial's list_ports does; USB Product is the
		// closest analogue and is what most OS port descriptions boil
		// down to in practice.
		devices[i] = osDevice{Name: p.Name, Description: p.Product}
	}
	return devices, nil
}

// Registry is the name -> Handler map built once at startup. It is
// read-only for the process lifetime once Start returns, per spec.md
// §5 ("no mutex required once the dispatcher starts").
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]*Handler)}
}

// Lookup returns the handler registered under name, if any.
func (r *Registry) Lookup(name string) (*Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns every registered port name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Snapshot returns {connected, queue_size} for every registered port,
// the shape the dispatcher's "status" action reports.
func (r *Registry) Snapshot() map[string]struct {
	Connected bool
	QueueSize int
} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]struct {
		Connected bool
		QueueSize int
	}, len(r.handlers))
	for name, h := range r.handlers {
		connected, size := h.Status()
		out[name] = struct {
			Connected bool
			QueueSize int
		}{connected, size}
	}
	return out
}

// Register inserts h under name, replacing any existing entry. Exported
// for callers (and tests) that build a Registry outside of Start.
func (r *Registry) Register(name string, h *Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Start resolves and connects every configured port against the OS
// device list, in parallel, per spec.md §4.5 and §4.7. It returns the
// populated Registry and the number of handlers that connected
// successfully; callers should treat zero as startup failure.
func Start(ctx context.Context, logger *slog.Logger, cfg []config.SerialPortConfig, ringCapacity int, timing config.SerialTimingConfig, retries int) (*Registry, int) {
	return start(ctx, logger, cfg, ringCapacity, timing, retries, listOSPorts)
}

func start(ctx context.Context, logger *slog.Logger, cfg []config.SerialPortConfig, ringCapacity int, timing config.SerialTimingConfig, retries int, lister portLister) (*Registry, int) {
	registry := NewRegistry()
	osPorts, err := lister()
	if err != nil {
		logger.Warn("failed to enumerate OS serial devices; falling back to configured names verbatim", "err", err)
		osPorts = nil
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	connected := 0

	for _, pc := range cfg {
		pc := pc
		device, name := resolve(pc, osPorts, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			portLogger := logger.With("port", name)
			h := NewHandler(name, portLogger, ringCapacity, timing, retries)
			if h.Connect(ctx, device, pc.BaudRate, pc.Timeout()) {
				registry.Register(name, h)
				mu.Lock()
				connected++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return registry, connected
}

// resolve implements spec.md §4.5 / original_source's find_serial_ports:
// match the configured description (case-insensitive substring) against
// the first OS device whose description contains it; otherwise match by
// device name equality. If nothing matches, keep the configured name
// and warn — the subsequent Connect attempt will likely fail, which is
// the intended, observable failure mode.
func resolve(pc config.SerialPortConfig, osPorts []osDevice, logger *slog.Logger) (device, name string) {
	if pc.Description != "" {
		needle := strings.ToLower(pc.Description)
		for _, d := range osPorts {
			if strings.Contains(strings.ToLower(d.Description), needle) {
				return d.Name, d.Name
			}
		}
	}

	for _, d := range osPorts {
		if d.Name == pc.Name {
			return d.Name, d.Name
		}
	}

	logger.Warn("no OS serial device matched configured port; connection will likely fail",
		"configured_name", pc.Name, "configured_description", pc.Description)
	return pc.Name, pc.Name
}
