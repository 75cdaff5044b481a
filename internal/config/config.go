/*
 *
 * Copyright 2025 the librpc authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package config carries the tunables of the bus. Values come from
// defaults, an optional TOML file, and LIBRPC_* environment overrides, in
// that order; everything is clamped into its documented range afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full parameter set for one process.
type Config struct {
	MaxInboundQueues  int    `toml:"max_inbound_queues"`
	QueueCapacity     int    `toml:"queue_capacity"` // in max-size frames
	ProcessingThreads int    `toml:"num_processing_threads"`
	MaxQueueSize      int    `toml:"max_queue_size"` // worker items
	HeartbeatInterval int    `toml:"heartbeat_interval_ms"`
	NodeTimeout       int    `toml:"node_timeout_ms"`
	LargeDataBuffer   int64  `toml:"large_data_buffer_size"`
	LargeDataMaxBlock int64  `toml:"large_data_max_block_size"`
	LogLevel          string `toml:"log_level"`

	EnableUDP bool `toml:"enable_udp"`
	UDPPort   int  `toml:"udp_port"` // 0 picks an ephemeral port

	SweepInterval int `toml:"sweep_interval_ms"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		MaxInboundQueues:  32,
		QueueCapacity:     1024,
		ProcessingThreads: 4,
		MaxQueueSize:      25000,
		HeartbeatInterval: 1000,
		NodeTimeout:       5000,
		LargeDataBuffer:   64 << 20,
		LargeDataMaxBlock: 8 << 20,
		LogLevel:          "info",
		SweepInterval:     3000,
	}
}

// Load reads a TOML file over the defaults, then applies environment
// overrides and clamps. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.Clamp()
	return cfg, nil
}

// FromEnv returns the defaults with environment overrides and clamps.
func FromEnv() Config {
	cfg := Default()
	cfg.applyEnv()
	cfg.Clamp()
	return cfg
}

func (c *Config) applyEnv() {
	envInt("LIBRPC_MAX_INBOUND_QUEUES", &c.MaxInboundQueues)
	envInt("LIBRPC_QUEUE_CAPACITY", &c.QueueCapacity)
	envInt("LIBRPC_NUM_PROCESSING_THREADS", &c.ProcessingThreads)
	envInt("LIBRPC_MAX_QUEUE_SIZE", &c.MaxQueueSize)
	envInt("LIBRPC_HEARTBEAT_INTERVAL_MS", &c.HeartbeatInterval)
	envInt("LIBRPC_NODE_TIMEOUT_MS", &c.NodeTimeout)
	envInt64("LIBRPC_LARGE_DATA_BUFFER_SIZE", &c.LargeDataBuffer)
	envInt64("LIBRPC_LARGE_DATA_MAX_BLOCK_SIZE", &c.LargeDataMaxBlock)
	envInt("LIBRPC_UDP_PORT", &c.UDPPort)
	envInt("LIBRPC_SWEEP_INTERVAL_MS", &c.SweepInterval)
	if v := os.Getenv("LIBRPC_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LIBRPC_ENABLE_UDP"); v != "" {
		c.EnableUDP = v == "1" || v == "true"
	}
}

// Clamp forces every parameter into its valid range.
func (c *Config) Clamp() {
	clampInt(&c.MaxInboundQueues, 8, 64)
	clampInt(&c.QueueCapacity, 64, 1024)
	clampInt(&c.ProcessingThreads, 1, 16)
	clampInt(&c.MaxQueueSize, 1, 1<<20)
	clampInt(&c.HeartbeatInterval, 100, 60_000)
	clampInt(&c.NodeTimeout, 500, 600_000)
	clampInt64(&c.LargeDataBuffer, 1<<20, 1<<32)
	clampInt64(&c.LargeDataMaxBlock, 4096, c.LargeDataBuffer/2)
	clampInt(&c.SweepInterval, 500, 60_000)
	if c.UDPPort < 0 || c.UDPPort > 65535 {
		c.UDPPort = 0
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// RingCapacity converts QueueCapacity (frames) into ring bytes. One frame
// is the 8-byte header plus the maximum payload, aligned to 8.
func (c *Config) RingCapacity() uint64 {
	return uint64(c.QueueCapacity) * 2048
}

// HeartbeatPeriod returns the heartbeat interval as a duration.
func (c *Config) HeartbeatPeriod() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Millisecond
}

// NodeTimeoutPeriod returns the liveness timeout as a duration.
func (c *Config) NodeTimeoutPeriod() time.Duration {
	return time.Duration(c.NodeTimeout) * time.Millisecond
}

// SweepPeriod returns the orphan-sweep interval as a duration.
func (c *Config) SweepPeriod() time.Duration {
	return time.Duration(c.SweepInterval) * time.Millisecond
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func clampInt(v *int, lo, hi int) {
	if *v < lo {
		*v = lo
	} else if *v > hi {
		*v = hi
	}
}

func clampInt64(v *int64, lo, hi int64) {
	if *v < lo {
		*v = lo
	} else if *v > hi {
		*v = hi
	}
}
