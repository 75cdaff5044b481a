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

// Package sweeper reclaims shared memory left behind by crashed
// processes: node segments and large-data channels whose owner is dead,
// whose reference count hit zero, or whose heartbeat went stale, plus
// stale node-directory entries. All evictions are idempotent.
package sweeper

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hujiansuntec-arch/Linux-RPC-Node/internal/shm"
)

// Sweeper is the background reclaim task. One node per process acts as
// cleanup master and runs it; the others skip.
type Sweeper struct {
	interval time.Duration
	timeout  time.Duration
	log      zerolog.Logger

	// alive is injectable for tests; nil means the real process check.
	alive func(pid int) bool

	// dir, when set, also gets stale-entry cleanup each tick.
	dir *shm.Directory

	// keep lists segment names never evicted (this process's own).
	keepMu sync.Mutex
	keep   map[string]bool

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	evicted atomic.Uint64
}

// New builds a sweeper. timeout is the heartbeat staleness threshold.
func New(interval, timeout time.Duration, dir *shm.Directory, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		interval: interval,
		timeout:  timeout,
		log:      logger.With().Str("component", "sweeper").Logger(),
		dir:      dir,
		keep:     make(map[string]bool),
		stopCh:   make(chan struct{}),
	}
}

// SetLivenessCheck overrides the process-liveness probe (tests only).
func (s *Sweeper) SetLivenessCheck(alive func(pid int) bool) { s.alive = alive }

// Protect exempts a segment name from eviction for this process's
// lifetime. Nodes protect their own segment and owned channels.
func (s *Sweeper) Protect(name string) {
	s.keepMu.Lock()
	defer s.keepMu.Unlock()
	s.keep[name] = true
}

// Unprotect removes an exemption.
func (s *Sweeper) Unprotect(name string) {
	s.keepMu.Lock()
	defer s.keepMu.Unlock()
	delete(s.keep, name)
}

// Start launches the background loop. Idempotent.
func (s *Sweeper) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go s.loop()
}

// Stop terminates the loop. Idempotent.
func (s *Sweeper) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
}

// Evicted returns the total number of segments reclaimed.
func (s *Sweeper) Evicted() uint64 { return s.evicted.Load() }

func (s *Sweeper) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.SweepOnce()
		}
	}
}

// SweepOnce runs one reclaim pass and returns the eviction count.
func (s *Sweeper) SweepOnce() int {
	alive := s.alive
	if alive == nil {
		alive = shm.ProcessAlive
	}
	evicted := 0

	names, err := shm.ListSegmentNames()
	if err != nil {
		s.log.Warn().Err(err).Msg("segment scan failed")
		return 0
	}
	now := uint64(time.Now().UnixMilli())
	staleMs := uint64(s.timeout.Milliseconds())

	for _, name := range names {
		if s.isProtected(name) {
			continue
		}
		meta, err := shm.PeekSegmentMeta(name)
		if err != nil {
			// Unreadable or half-created; leave it for the next pass.
			continue
		}
		dead := !alive(meta.OwnerPID)
		stale := meta.Heartbeat != 0 && now > meta.Heartbeat+staleMs
		if meta.RefCount > 0 && !dead && !stale {
			// Live channels still get dead-reader slot cleanup.
			s.sweepChannelReaders(name, alive)
			continue
		}
		if err := shm.RemoveSegmentFile(name); err != nil {
			s.log.Warn().Err(err).Str("segment", name).Msg("eviction failed")
			continue
		}
		evicted++
		s.evicted.Add(1)
		s.log.Info().Str("segment", name).Int("owner_pid", meta.OwnerPID).
			Bool("owner_dead", dead).Bool("stale", stale).
			Msg("orphan segment reclaimed")
	}

	if s.dir != nil {
		if n := s.dir.CleanupStale(s.timeout, alive); n > 0 {
			s.log.Info().Int("entries", n).Msg("stale directory entries evicted")
		}
	}
	return evicted
}

func (s *Sweeper) sweepChannelReaders(name string, alive func(pid int) bool) {
	if !shm.IsChannelSegmentName(name) {
		return
	}
	short, ok := shm.ChannelShortName(name)
	if !ok {
		return
	}
	ch, err := shm.OpenChannel(short, 1<<20)
	if err != nil {
		return
	}
	defer ch.Release()
	if n := ch.SweepDeadReaders(alive); n > 0 {
		s.log.Info().Str("channel", name).Int("slots", n).Msg("dead reader slots released")
	}
}

func (s *Sweeper) isProtected(name string) bool {
	s.keepMu.Lock()
	defer s.keepMu.Unlock()
	return s.keep[name]
}
