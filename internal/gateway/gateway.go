// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package gateway is the startup orchestrator: it brings every
// configured serial port up in parallel, tolerates partial failure,
// and starts the TCP dispatcher once at least one port connected.
package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/serialgw/modbus-gateway/internal/config"
	"github.com/serialgw/modbus-gateway/internal/dispatcher"
	"github.com/serialgw/modbus-gateway/internal/serialport"
)

// Gateway owns the process lifecycle: resolve and connect every
// configured serial port, then run the dispatcher until ctx is
// cancelled.
type Gateway struct {
	Config *config.Config
	Logger *slog.Logger

	Registry   *serialport.Registry
	Dispatcher *dispatcher.Dispatcher
}

// New builds a Gateway from a loaded Config.
func New(cfg *config.Config, logger *slog.Logger) *Gateway {
	return &Gateway{Config: cfg, Logger: logger}
}

// Start resolves and connects every configured port in parallel (see
// internal/serialport.Start), and tolerates partial failure: if at
// least one port connects, the dispatcher starts. If none connect,
// startup fails and the process should exit non-zero per spec.md §6.
func (g *Gateway) Start(ctx context.Context) error {
	registry, connected := serialport.Start(
		ctx,
		g.Logger,
		g.Config.SerialPorts,
		g.Config.TCPServer.BufferSize,
		g.Config.Serial,
		g.Config.Modbus.Retries,
	)
	g.Registry = registry

	if connected == 0 {
		return fmt.Errorf("no serial ports connected out of %d configured", len(g.Config.SerialPorts))
	}
	g.Logger.Info("serial ports connected", "connected", connected, "configured", len(g.Config.SerialPorts))

	g.Dispatcher = &dispatcher.Dispatcher{
		Host:               g.Config.TCPServer.Host,
		Port:               g.Config.TCPServer.Port,
		MaxConnections:     g.Config.TCPServer.MaxConnections,
		BufferSize:         g.Config.TCPServer.BufferSize,
		MaxBytesPerRequest: g.Config.TCPServer.MaxBytesPerRequest,
		Registry:           registry,
		Logger:             g.Logger,
	}

	return g.Dispatcher.Start(ctx)
}

// Close shuts down the dispatcher listener. Serial port handlers are
// torn down by their own context's cancellation, which the caller
// drives by cancelling the context passed to Start.
func (g *Gateway) Close() error {
	if g.Dispatcher != nil {
		return g.Dispatcher.Close()
	}
	return nil
}
