// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config defines the global configuration structure: the TCP dispatcher,
// the set of serial ports the gateway drives, the serial timing profile
// shared by every port, and logging.
type Config struct {
	TCPServer   TCPServerConfig    `mapstructure:"tcp_server"`
	SerialPorts []SerialPortConfig `mapstructure:"serial_ports"`
	Serial      SerialTimingConfig `mapstructure:"serial"`
	Modbus      ModbusConfig       `mapstructure:"modbus"`
	Log         LogConfig          `mapstructure:"log"`
}

// TCPServerConfig configures the JSON-over-TCP dispatcher.
type TCPServerConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	MaxConnections     int    `mapstructure:"max_connections"`
	BufferSize         int    `mapstructure:"buffer_size"` // also the per-port ring capacity
	MaxBytesPerRequest int    `mapstructure:"max_bytes_per_request"`
}

// SerialPortConfig identifies one configured serial port. Description is
// matched as a case-insensitive substring against the OS-reported port
// description at startup to resolve Name to a physical device; see
// internal/serialport's resolve.
type SerialPortConfig struct {
	Name        string  `mapstructure:"name"`
	Description string  `mapstructure:"description"`
	BaudRate    int     `mapstructure:"baudrate"`
	TimeoutSecs float64 `mapstructure:"timeout"`
}

// Timeout returns the configured per-read timeout, defaulting to 500ms
// when unset (mirrors the teacher's fixupSerial default).
func (s SerialPortConfig) Timeout() time.Duration {
	if s.TimeoutSecs <= 0 {
		return 500 * time.Millisecond
	}
	return seconds(s.TimeoutSecs)
}

// SerialTimingConfig holds the sleep intervals the receiver/sender loops
// use between polls and after I/O errors. The config file expresses
// these as fractional seconds.
type SerialTimingConfig struct {
	SendTimeSecs         float64 `mapstructure:"send_time"`
	ReceiveTimeSecs      float64 `mapstructure:"receive_time"`
	SendErrorTimeSecs    float64 `mapstructure:"send_error_time"`
	ReceiveErrorTimeSecs float64 `mapstructure:"receive_error_time"`
}

func (s SerialTimingConfig) SendTime() time.Duration {
	return durOrDefault(s.SendTimeSecs, 100*time.Millisecond)
}
func (s SerialTimingConfig) ReceiveTime() time.Duration {
	return durOrDefault(s.ReceiveTimeSecs, 50*time.Millisecond)
}
func (s SerialTimingConfig) SendErrorTime() time.Duration {
	return durOrDefault(s.SendErrorTimeSecs, 1*time.Second)
}
func (s SerialTimingConfig) ReceiveErrorTime() time.Duration {
	return durOrDefault(s.ReceiveErrorTimeSecs, 1*time.Second)
}

// ModbusConfig holds protocol-level tunables.
type ModbusConfig struct {
	Retries int `mapstructure:"retries"`
}

// LogConfig defines logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // log file path, "-" or empty for stdout
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

func durOrDefault(f float64, def time.Duration) time.Duration {
	if f <= 0 {
		return def
	}
	return seconds(f)
}

// LoadConfig loads configuration from file.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/modbusgw/")
		v.AddConfigPath("$HOME/.modbusgw")
		v.AddConfigPath(".")
	}

	// Set defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("tcp_server.host", "0.0.0.0")
	v.SetDefault("tcp_server.max_connections", 16)
	v.SetDefault("tcp_server.buffer_size", 4096)
	v.SetDefault("tcp_server.max_bytes_per_request", 65536)
	v.SetDefault("modbus.retries", 3)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil, fmt.Errorf("failed to find config file: %w", err)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate / fixups
	if len(cfg.SerialPorts) == 0 {
		return nil, fmt.Errorf("no serial_ports configured")
	}
	if cfg.Modbus.Retries <= 0 {
		cfg.Modbus.Retries = 3
	}

	return &cfg, nil
}
