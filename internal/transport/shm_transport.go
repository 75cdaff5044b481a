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

// Package transport implements the inter-process channels of the bus: the
// shared-memory transport over per-receiver SPSC rings and the optional
// UDP fallback.
package transport

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hujiansuntec-arch/Linux-RPC-Node/internal/config"
	"github.com/hujiansuntec-arch/Linux-RPC-Node/internal/ring"
	"github.com/hujiansuntec-arch/Linux-RPC-Node/internal/shm"
	"github.com/hujiansuntec-arch/Linux-RPC-Node/internal/wire"
)

var (
	// ErrQueueFull reports backpressure on the destination ring. The
	// caller's overflow policy decides whether to retry or drop.
	ErrQueueFull = errors.New("transport: destination queue full")
	// ErrPeerUnreachable means the destination segment is gone or corrupt.
	ErrPeerUnreachable = errors.New("transport: peer unreachable")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: closed")
)

const (
	// drainBudget bounds messages taken from one queue per pass so a
	// chatty peer cannot starve the others.
	drainBudget = 32

	// refreshEvery forces a queue-cache rebuild after this many passes.
	refreshEvery = 100

	// corruptionStrikes poisons a queue after this many bad frames.
	corruptionStrikes = 3

	// Adaptive receive timeouts: consecutive empty wakeups beyond the
	// threshold stretch the wait.
	idleWakeupThreshold = 100
	shortWait           = 5 * time.Millisecond
	longWait            = 50 * time.Millisecond
)

// PacketHandler consumes decoded packets from the receive loop. The
// packet's payload aliases a per-loop scratch buffer; implementations
// retaining it past the call must copy.
type PacketHandler func(p *wire.Packet)

// Stats is a snapshot of transport counters.
type Stats struct {
	Sent      uint64 `json:"sent"`
	Received  uint64 `json:"received"`
	SendFull  uint64 `json:"send_full"`
	Corrupt   uint64 `json:"corrupt"`
	PeersLost uint64 `json:"peers_lost"`
	Peers     int    `json:"peers"`
}

type peerConn struct {
	nodeID string
	seg    *shm.Segment
	queue  *shm.Queue
	sent   uint64 // atomic
}

// SharedMemory owns this node's segment, claims queues in peer segments,
// and runs the single receive loop that feeds the node dispatcher.
type SharedMemory struct {
	nodeID  string
	cfg     config.Config
	log     zerolog.Logger
	handler PacketHandler

	// onPeerDown fires outside all transport locks when a peer is
	// declared dead or departed.
	onPeerDown func(nodeID string)

	dir   *shm.Directory
	local *shm.Segment

	peersMu sync.Mutex
	peers   map[string]*peerConn

	running atomic.Bool
	started atomic.Bool
	closed  atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	sent      atomic.Uint64
	received  atomic.Uint64
	sendFull  atomic.Uint64
	corrupt   atomic.Uint64
	peersLost atomic.Uint64
}

// NewSharedMemory maps the local segment and publishes it in the node
// directory. The transport is inert until Start.
func NewSharedMemory(nodeID string, cfg config.Config, logger zerolog.Logger) (*SharedMemory, error) {
	dir, err := shm.OpenDirectory()
	if err != nil {
		return nil, err
	}
	segName := shm.NodeSegmentName(os.Getpid(), nodeID)
	// A leftover file from a crashed run with the same pid+id is stale by
	// construction; clear it rather than failing startup.
	shm.RemoveSegmentFile(segName)
	local, err := shm.CreateNodeSegment(segName, cfg.MaxInboundQueues, cfg.RingCapacity())
	if err != nil {
		dir.Release()
		return nil, err
	}
	if err := dir.Register(nodeID, segName); err != nil {
		local.Release()
		dir.Release()
		return nil, err
	}
	return &SharedMemory{
		nodeID: nodeID,
		cfg:    cfg,
		log:    logger.With().Str("component", "shm-transport").Str("node", nodeID).Logger(),
		dir:    dir,
		local:  local,
		peers:  make(map[string]*peerConn),
		stopCh: make(chan struct{}),
	}, nil
}

// SetHandler installs the packet dispatcher. Must be called before Start.
func (t *SharedMemory) SetHandler(h PacketHandler) { t.handler = h }

// SetPeerDownHook installs the peer-death callback. Must precede Start.
func (t *SharedMemory) SetPeerDownHook(f func(nodeID string)) { t.onPeerDown = f }

// SegmentName returns the local segment's name.
func (t *SharedMemory) SegmentName() string { return t.local.Name }

// Directory exposes the node directory for discovery walks.
func (t *SharedMemory) Directory() *shm.Directory { return t.dir }

// Start launches the receive loop and the heartbeat ticker.
func (t *SharedMemory) Start() {
	if t.closed.Load() || !t.started.CompareAndSwap(false, true) {
		return
	}
	t.running.Store(true)
	t.wg.Add(2)
	go t.receiveLoop()
	go t.heartbeatLoop()
}

// Send writes one encoded packet into the queue claimed in the
// destination's segment, connecting on first use.
func (t *SharedMemory) Send(dest string, pkt []byte) error {
	if !t.running.Load() {
		return ErrClosed
	}
	p, err := t.peer(dest)
	if err != nil {
		return err
	}
	if err := p.queue.Ring().TryWrite(pkt); err != nil {
		if err == ring.ErrFull {
			t.sendFull.Add(1)
			p.queue.AddDropped()
			p.queue.SetCongestion(uint32(p.queue.Ring().Used() * 100 / p.queue.Ring().Capacity()))
			return ErrQueueFull
		}
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	atomic.AddUint64(&p.sent, 1)
	t.sent.Add(1)
	if p.queue.AddPending(1) == 0 {
		p.seg.RingDoorbell()
	}
	return nil
}

// peer returns the cached connection for dest, opening the peer segment
// and claiming a queue on a cache miss.
func (t *SharedMemory) peer(dest string) (*peerConn, error) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	if p, ok := t.peers[dest]; ok {
		return p, nil
	}
	info, ok := t.dir.Find(dest)
	if !ok {
		return nil, fmt.Errorf("%w: %s not in directory", ErrPeerUnreachable, dest)
	}
	seg, err := shm.OpenNodeSegment(info.SegmentName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	q, err := seg.ClaimQueue(t.nodeID)
	if err != nil {
		seg.Release()
		return nil, err
	}
	p := &peerConn{nodeID: dest, seg: seg, queue: q}
	t.peers[dest] = p
	t.log.Debug().Str("peer", dest).Int("queue", q.Index).Msg("claimed peer queue")
	return p, nil
}

// DropPeer releases the connection to dest, if any. Used on NODE_LEAVE.
func (t *SharedMemory) DropPeer(dest string) {
	t.peersMu.Lock()
	p, ok := t.peers[dest]
	if ok {
		delete(t.peers, dest)
	}
	t.peersMu.Unlock()
	if ok {
		p.queue.ReleaseWriter()
		p.seg.Release()
	}
}

func (t *SharedMemory) dropDeadPeer(p *peerConn) {
	t.peersMu.Lock()
	cur, ok := t.peers[p.nodeID]
	if ok && cur == p {
		delete(t.peers, p.nodeID)
	}
	t.peersMu.Unlock()
	if !ok || cur != p {
		return
	}
	// The owner is gone; nothing will drain the queue, so fully clear the
	// claim instead of the orderly ACTIVE-only release.
	p.queue.SetFlags(0)
	p.seg.Release()
	t.peersLost.Add(1)
	t.log.Warn().Str("peer", p.nodeID).Msg("peer lost")
	if t.onPeerDown != nil {
		t.onPeerDown(p.nodeID)
	}
}

// heartbeatLoop stamps the local segment and directory entry, and samples
// peer health at the same cadence.
func (t *SharedMemory) heartbeatLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.HeartbeatPeriod())
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
		}
		t.local.Header().Beat()
		t.dir.UpdateHeartbeat(t.nodeID)
		t.checkPeers()
	}
}

func (t *SharedMemory) checkPeers() {
	timeout := uint64(t.cfg.NodeTimeout)
	now := uint64(time.Now().UnixMilli())

	t.peersMu.Lock()
	snapshot := make([]*peerConn, 0, len(t.peers))
	for _, p := range t.peers {
		snapshot = append(snapshot, p)
	}
	t.peersMu.Unlock()

	for _, p := range snapshot {
		hdr := p.seg.Header()
		stale := now > hdr.WriterHeartbeat()+timeout
		if stale || !shm.ProcessAlive(hdr.OwnerPID()) {
			t.dropDeadPeer(p)
		}
	}
}

// receiveLoop is the single consumer of every queue in the local segment.
func (t *SharedMemory) receiveLoop() {
	defer t.wg.Done()

	maxQ := t.local.MaxQueues()
	cached := make([]*shm.Queue, 0, maxQ)
	strikes := make([]int, maxQ)
	scratch := make([]byte, ring.MaxMsgSize)

	lastNumQueues := uint32(0)
	emptyWakeups := 0
	pass := 0

	refresh := func() {
		cached = cached[:0]
		for i := 0; i < maxQ; i++ {
			q := t.local.Queue(i)
			if q.Flags()&shm.FlagValid != 0 {
				cached = append(cached, q)
			}
		}
		lastNumQueues = t.local.Header().NumQueues()
	}
	refresh()

	for t.running.Load() {
		pass++
		if n := t.local.Header().NumQueues(); n != lastNumQueues || pass%refreshEvery == 0 {
			refresh()
		}

		seen := t.local.Header().Doorbell()
		drained := 0
		stale := false

		for _, q := range cached {
			// Flags are re-validated every pass, independently of the
			// cached snapshot.
			f := q.Flags()
			if f&shm.FlagValid == 0 {
				stale = true
				continue
			}
			n := t.drainQueue(q, scratch, strikes)
			drained += n
			if n > 0 {
				q.SubPending(uint64(n))
			}
			if f&shm.FlagActive == 0 && q.Ring().Empty() {
				// Writer departed in orderly fashion and the backlog is
				// gone; recycle the slot for the next claimer.
				q.Recycle()
				stale = true
			}
		}
		if stale {
			refresh()
		}

		if drained > 0 {
			emptyWakeups = 0
			continue
		}
		emptyWakeups++
		wait := shortWait
		if emptyWakeups > idleWakeupThreshold {
			wait = longWait
		}
		t.local.WaitDoorbell(seen, wait)
	}
}

// drainQueue pulls at most drainBudget frames from q, dispatching each.
func (t *SharedMemory) drainQueue(q *shm.Queue, scratch []byte, strikes []int) int {
	drained := 0
	for drained < drainBudget {
		n, err := q.Ring().TryRead(scratch)
		if err == ring.ErrEmpty {
			break
		}
		if err != nil {
			t.corrupt.Add(1)
			strikes[q.Index]++
			t.log.Error().Err(err).Int("queue", q.Index).Str("sender", q.SenderID()).
				Msg("frame corruption")
			if strikes[q.Index] >= corruptionStrikes {
				t.log.Error().Int("queue", q.Index).Msg("poisoned queue recycled")
				q.Recycle()
				strikes[q.Index] = 0
			}
			break
		}
		drained++
		pkt, derr := wire.Decode(scratch[:n])
		if derr != nil {
			// Bad packets are dropped silently at the wire level; only
			// the counter and log record them.
			t.corrupt.Add(1)
			t.log.Debug().Err(derr).Int("queue", q.Index).Msg("dropped bad packet")
			continue
		}
		t.received.Add(1)
		if t.handler != nil {
			t.handler(pkt)
		}
	}
	return drained
}

// Close shuts the transport down: stops both loops, releases every claimed
// peer queue, and drops the segment and directory references. Idempotent,
// and valid on a transport that was never started.
func (t *SharedMemory) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.running.Store(false)
	if t.started.Load() {
		close(t.stopCh)
		t.local.RingDoorbell() // unblock the receive loop
		t.wg.Wait()
	}

	t.peersMu.Lock()
	peers := t.peers
	t.peers = make(map[string]*peerConn)
	t.peersMu.Unlock()
	for _, p := range peers {
		p.queue.ReleaseWriter()
		p.seg.Release()
	}

	t.dir.Unregister(t.nodeID)
	err := t.local.Release()
	if derr := t.dir.Release(); derr != nil && err == nil {
		err = derr
	}
	return err
}

// Snapshot returns the current transport counters.
func (t *SharedMemory) Snapshot() Stats {
	t.peersMu.Lock()
	peers := len(t.peers)
	t.peersMu.Unlock()
	return Stats{
		Sent:      t.sent.Load(),
		Received:  t.received.Load(),
		SendFull:  t.sendFull.Load(),
		Corrupt:   t.corrupt.Load(),
		PeersLost: t.peersLost.Load(),
		Peers:     peers,
	}
}
