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

// Package librpc is a peer-to-peer, topic-oriented publish/subscribe bus.
// Endpoints are Nodes identified by a stable id; nodes advertise the
// (group, topic) subjects they consume and publishers deliver only to
// advertised consumers. Delivery within a process is a direct hand-off;
// delivery between processes goes through lock-free rings in POSIX shared
// memory, with an optional UDP fallback.
package librpc

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/hujiansuntec-arch/Linux-RPC-Node/internal/config"
	"github.com/hujiansuntec-arch/Linux-RPC-Node/internal/logging"
	"github.com/hujiansuntec-arch/Linux-RPC-Node/internal/registry"
	"github.com/hujiansuntec-arch/Linux-RPC-Node/internal/shm"
	"github.com/hujiansuntec-arch/Linux-RPC-Node/internal/sweeper"
)

// ServiceDescriptor describes one remote node's advertised consumption of
// a subject.
type ServiceDescriptor = registry.ServiceDescriptor

// Filter narrows DiscoverServices results.
type Filter = registry.Filter

// Config is the bus parameter set; see internal/config for defaults,
// clamping, and the TOML/environment loaders.
type Config = config.Config

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config { return config.Default() }

// LoadConfig reads a TOML file over the defaults and applies LIBRPC_*
// environment overrides.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// Bus holds the process-wide state shared by every Node: the in-process
// router, the service registry, and the orphan sweeper. Construct one at
// program start and inject it into nodes; the package-level helpers use a
// lazily built default instance.
type Bus struct {
	cfg      config.Config
	log      zerolog.Logger
	router   *registry.InProcessRouter
	services *registry.ServiceRegistry

	mu       sync.Mutex
	dir      *shm.Directory
	sweep    *sweeper.Sweeper
	nodeRefs int
	closed   bool
}

// NewBus builds a bus with the given configuration.
func NewBus(cfg config.Config, logger zerolog.Logger) *Bus {
	cfg.Clamp()
	return &Bus{
		cfg:      cfg,
		log:      logger,
		router:   registry.NewInProcessRouter(),
		services: registry.NewServiceRegistry(),
	}
}

// nodeStarted is called by each node after a successful start. The first
// node makes this process the cleanup master and starts the sweeper.
func (b *Bus) nodeStarted() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrNotInitialized
	}
	if b.nodeRefs == 0 {
		dir, err := shm.OpenDirectory()
		if err != nil {
			return err
		}
		b.dir = dir
		b.sweep = sweeper.New(b.cfg.SweepPeriod(), b.cfg.NodeTimeoutPeriod(), dir, b.log)
		b.sweep.Start()
	}
	b.nodeRefs++
	return nil
}

// nodeStopped reverses nodeStarted; the last departure stops the sweeper.
func (b *Bus) nodeStopped() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodeRefs--
	if b.nodeRefs > 0 {
		return
	}
	if b.sweep != nil {
		b.sweep.Stop()
		b.sweep = nil
	}
	if b.dir != nil {
		b.dir.Release()
		b.dir = nil
	}
}

// protectSegment shields a segment owned by a live local node from the
// sweeper.
func (b *Bus) protectSegment(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sweep != nil {
		b.sweep.Protect(name)
	}
}

func (b *Bus) unprotectSegment(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sweep != nil {
		b.sweep.Unprotect(name)
	}
}

// Close marks the bus unusable for new nodes. Existing nodes keep running
// until their own Close.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

var (
	defaultBusOnce sync.Once
	defaultBus     *Bus
)

// DefaultBus returns the process-wide bus, building it on first use from
// the environment configuration.
func DefaultBus() *Bus {
	defaultBusOnce.Do(func() {
		cfg := config.FromEnv()
		defaultBus = NewBus(cfg, logging.New("librpc", cfg.LogLevel))
	})
	return defaultBus
}

// CreateNode builds a node on the default bus. An empty id is replaced by
// a generated one.
func CreateNode(nodeID string, opts ...Option) (*Node, error) {
	return DefaultBus().NewNode(nodeID, opts...)
}

var (
	defaultNodeOnce sync.Once
	defaultNode     *Node
	defaultNodeErr  error
)

// DefaultNode returns the process's shared communication node, created on
// first use.
func DefaultNode() (*Node, error) {
	defaultNodeOnce.Do(func() {
		defaultNode, defaultNodeErr = CreateNode("")
	})
	return defaultNode, defaultNodeErr
}
