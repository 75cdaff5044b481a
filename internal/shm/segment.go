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

// Package shm maps the shared-memory regions of the bus: per-node segments
// holding inbound queues, the global node directory, and the futex-based
// cross-process doorbell. All structures here are part of the on-disk ABI;
// every multi-word field is accessed through atomics.
package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/hujiansuntec-arch/Linux-RPC-Node/internal/ring"
)

const (
	// SegmentMagic identifies a node segment.
	SegmentMagic = "LRPCNODE"

	// SegmentVersion is the current segment layout version.
	SegmentVersion = uint32(1)

	// SegmentHeaderSize is the aligned size of the segment header.
	SegmentHeaderSize = 128

	// QueueHeaderSize is the aligned size of each inbound-queue header.
	QueueHeaderSize = 128

	// NodeIDSize is the fixed sender-id slot size in each queue.
	NodeIDSize = 64

	// Queue flag bits. A queue is addressable iff both are set.
	FlagValid  = uint32(0x1)
	FlagActive = uint32(0x2)

	nodeSegmentPrefix = "librpc_node_"
	channelPrefix     = "librpc_channel_"
)

var (
	// ErrQueueExhausted means a peer segment has no free inbound queue.
	ErrQueueExhausted = errors.New("shm: no free inbound queue")
	// ErrBadSegment means the mapped region fails header validation.
	ErrBadSegment = errors.New("shm: invalid segment")
)

// NodeSegmentName builds the canonical segment name for a node.
func NodeSegmentName(pid int, nodeID string) string {
	return fmt.Sprintf("%s%d_%s", nodeSegmentPrefix, pid, nodeID)
}

// ChannelSegmentName builds the canonical name for a large-data channel.
func ChannelSegmentName(channel string) string {
	return channelPrefix + channel
}

// IsNodeSegmentName reports whether name follows the node-segment scheme.
func IsNodeSegmentName(name string) bool {
	return strings.HasPrefix(name, nodeSegmentPrefix)
}

// IsChannelSegmentName reports whether name follows the channel scheme.
func IsChannelSegmentName(name string) bool {
	return strings.HasPrefix(name, channelPrefix)
}

// ChannelShortName strips the channel prefix from a segment name.
func ChannelShortName(segName string) (string, bool) {
	return strings.CutPrefix(segName, channelPrefix)
}

// NodeSegmentPID extracts the owner pid encoded in a node-segment name.
func NodeSegmentPID(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, nodeSegmentPrefix)
	if !ok {
		return 0, false
	}
	pidStr, _, ok := strings.Cut(rest, "_")
	if !ok {
		return 0, false
	}
	var pid int
	if _, err := fmt.Sscanf(pidStr, "%d", &pid); err != nil {
		return 0, false
	}
	return pid, true
}

// SegmentHeader is the node-segment header. Layout is fixed at 128 bytes.
type SegmentHeader struct {
	magic           [8]byte
	version         uint32
	numQueues       uint32
	maxQueues       uint32
	ready           uint32
	ownerPID        int32
	refCount        int32
	writerHeartbeat uint64 // unix milliseconds
	ringCapacity    uint64
	doorbell        uint32 // futex word shared by all queues
	_               [76]byte
}

// Version returns the layout version.
func (h *SegmentHeader) Version() uint32 { return atomic.LoadUint32(&h.version) }

// NumQueues returns the number of claimed queues.
func (h *SegmentHeader) NumQueues() uint32 { return atomic.LoadUint32(&h.numQueues) }

func (h *SegmentHeader) addNumQueues(d int32) uint32 {
	return atomic.AddUint32(&h.numQueues, uint32(d))
}

// MaxQueues returns the slot count.
func (h *SegmentHeader) MaxQueues() uint32 { return atomic.LoadUint32(&h.maxQueues) }

// Ready reports whether the owner finished initializing the segment.
func (h *SegmentHeader) Ready() bool { return atomic.LoadUint32(&h.ready) != 0 }

// SetReady publishes the segment to attachers.
func (h *SegmentHeader) SetReady(ready bool) {
	var v uint32
	if ready {
		v = 1
	}
	atomic.StoreUint32(&h.ready, v)
}

// OwnerPID returns the creating process id.
func (h *SegmentHeader) OwnerPID() int { return int(atomic.LoadInt32(&h.ownerPID)) }

// RefCount returns the current mapping count.
func (h *SegmentHeader) RefCount() int32 { return atomic.LoadInt32(&h.refCount) }

// AddRef increments the mapping count and returns the new value.
func (h *SegmentHeader) AddRef() int32 { return atomic.AddInt32(&h.refCount, 1) }

// DropRef decrements the mapping count and returns the new value.
func (h *SegmentHeader) DropRef() int32 { return atomic.AddInt32(&h.refCount, -1) }

// WriterHeartbeat returns the owner's last heartbeat in unix milliseconds.
func (h *SegmentHeader) WriterHeartbeat() uint64 {
	return atomic.LoadUint64(&h.writerHeartbeat)
}

// Beat stamps the owner heartbeat with the current time.
func (h *SegmentHeader) Beat() {
	atomic.StoreUint64(&h.writerHeartbeat, uint64(time.Now().UnixMilli()))
}

// RingCapacity returns the per-queue ring data size.
func (h *SegmentHeader) RingCapacity() uint64 { return atomic.LoadUint64(&h.ringCapacity) }

// Doorbell returns the current doorbell sequence.
func (h *SegmentHeader) Doorbell() uint32 { return atomic.LoadUint32(&h.doorbell) }

func (h *SegmentHeader) doorbellWord() *uint32 { return &h.doorbell }

// QueueHeader is the per-inbound-queue control block, fixed at 128 bytes,
// placed directly in front of the queue's ring control block and data area.
type QueueHeader struct {
	flags      uint32
	notifySeq  uint32
	senderID   [NodeIDSize]byte
	pending    uint64
	dropped    uint64
	congestion uint32
	_          [36]byte
}

// Queue is a typed view of one inbound queue inside a mapped segment.
type Queue struct {
	hdr  *QueueHeader
	ring *ring.Buffer

	// Index is the slot position inside the owning segment.
	Index int
}

// Ring returns the queue's SPSC ring.
func (q *Queue) Ring() *ring.Buffer { return q.ring }

// Flags returns the raw flag word.
func (q *Queue) Flags() uint32 { return atomic.LoadUint32(&q.hdr.flags) }

// SetFlags stores the raw flag word.
func (q *Queue) SetFlags(f uint32) { atomic.StoreUint32(&q.hdr.flags, f) }

// CASFlags publishes a flag transition.
func (q *Queue) CASFlags(old, new uint32) bool {
	return atomic.CompareAndSwapUint32(&q.hdr.flags, old, new)
}

// Addressable reports whether both VALID and ACTIVE are set.
func (q *Queue) Addressable() bool {
	return q.Flags()&(FlagValid|FlagActive) == FlagValid|FlagActive
}

// Released reports a queue whose writer cleared ACTIVE on orderly shutdown.
func (q *Queue) Released() bool {
	f := q.Flags()
	return f&FlagValid != 0 && f&FlagActive == 0
}

// SenderID returns the claiming node id.
func (q *Queue) SenderID() string {
	b := make([]byte, 0, NodeIDSize)
	for i := range q.hdr.senderID {
		c := q.hdr.senderID[i]
		if c == 0 {
			break
		}
		b = append(b, c)
	}
	return string(b)
}

func (q *Queue) setSenderID(id string) {
	var buf [NodeIDSize]byte
	copy(buf[:], id)
	q.hdr.senderID = buf
}

// AddPending increments the pending-message counter, returning the
// previous value. The 0 -> 1 transition is the signal condition.
func (q *Queue) AddPending(n uint64) uint64 {
	return atomic.AddUint64(&q.hdr.pending, n) - n
}

// SubPending decrements the pending-message counter by the number of
// frames actually drained, saturating at zero: a frame can be drained in
// the window between the writer's ring publish and its counter increment.
func (q *Queue) SubPending(n uint64) uint64 {
	for {
		cur := atomic.LoadUint64(&q.hdr.pending)
		next := uint64(0)
		if cur > n {
			next = cur - n
		}
		if atomic.CompareAndSwapUint64(&q.hdr.pending, cur, next) {
			return next
		}
	}
}

// Pending returns the pending-message counter.
func (q *Queue) Pending() uint64 { return atomic.LoadUint64(&q.hdr.pending) }

// AddDropped bumps the queue drop counter.
func (q *Queue) AddDropped() uint64 { return atomic.AddUint64(&q.hdr.dropped, 1) }

// Dropped returns the queue drop counter.
func (q *Queue) Dropped() uint64 { return atomic.LoadUint64(&q.hdr.dropped) }

// Congestion returns the congestion level last recorded by the writer.
func (q *Queue) Congestion() uint32 { return atomic.LoadUint32(&q.hdr.congestion) }

// SetCongestion records the writer-observed congestion level.
func (q *Queue) SetCongestion(v uint32) { atomic.StoreUint32(&q.hdr.congestion, v) }

// ReleaseWriter clears ACTIVE but leaves VALID set, marking an orderly
// writer departure. The receiver drains and then recycles the slot.
func (q *Queue) ReleaseWriter() {
	for {
		f := q.Flags()
		if f&FlagActive == 0 {
			return
		}
		if q.CASFlags(f, f&^FlagActive) {
			return
		}
	}
}

// Recycle zeroes the slot so a future writer can claim it.
func (q *Queue) Recycle() {
	q.setSenderID("")
	atomic.StoreUint64(&q.hdr.pending, 0)
	q.Ring().Header().Reset()
	q.SetFlags(0)
}

// Segment is a mapped node segment.
type Segment struct {
	File *os.File
	Mem  []byte
	Path string
	Name string

	hdr     *SegmentHeader
	queues  []Queue
	created bool
}

// QueueSlotSize returns the byte footprint of one queue slot for a ring
// capacity.
func QueueSlotSize(ringCapacity uint64) uint64 {
	return QueueHeaderSize + ring.HeaderSize + ringCapacity
}

// NodeSegmentSize returns the total byte size of a node segment.
func NodeSegmentSize(maxQueues int, ringCapacity uint64) uint64 {
	return SegmentHeaderSize + uint64(maxQueues)*QueueSlotSize(ringCapacity)
}

// CreateNodeSegment creates, maps, and initializes this node's own segment.
// The segment is created exclusively; a leftover file with the same name is
// an error the caller resolves through the orphan sweeper.
func CreateNodeSegment(name string, maxQueues int, ringCapacity uint64) (*Segment, error) {
	if ringCapacity%8 != 0 || ringCapacity < uint64(ring.MinCapacity) {
		return nil, fmt.Errorf("shm: bad ring capacity %d", ringCapacity)
	}
	path := segmentPath(name)
	totalSize := NodeSegmentSize(maxQueues, ringCapacity)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("shm: create segment %s: %w", path, err)
	}
	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(int64(totalSize)); err != nil {
		cleanup()
		return nil, fmt.Errorf("shm: resize segment: %w", err)
	}
	mem, err := mmapFile(file, int(totalSize))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("shm: mmap segment: %w", err)
	}

	s := &Segment{
		File:    file,
		Mem:     mem,
		Path:    path,
		Name:    name,
		hdr:     (*SegmentHeader)(unsafe.Pointer(&mem[0])),
		created: true,
	}
	copy(s.hdr.magic[:], SegmentMagic)
	atomic.StoreUint32(&s.hdr.version, SegmentVersion)
	atomic.StoreUint32(&s.hdr.maxQueues, uint32(maxQueues))
	atomic.StoreInt32(&s.hdr.ownerPID, int32(os.Getpid()))
	atomic.StoreInt32(&s.hdr.refCount, 1)
	atomic.StoreUint64(&s.hdr.ringCapacity, ringCapacity)
	s.hdr.Beat()
	s.buildQueueViews()
	s.hdr.SetReady(true)
	return s, nil
}

// OpenNodeSegment maps an existing peer segment and takes a reference.
func OpenNodeSegment(name string) (*Segment, error) {
	path := segmentPath(name)
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: open segment %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: stat segment: %w", err)
	}
	if info.Size() < SegmentHeaderSize {
		file.Close()
		return nil, fmt.Errorf("%w: segment %s too small (%d bytes)", ErrBadSegment, name, info.Size())
	}
	mem, err := mmapFile(file, int(info.Size()))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: mmap segment: %w", err)
	}
	s := &Segment{
		File: file,
		Mem:  mem,
		Path: path,
		Name: name,
		hdr:  (*SegmentHeader)(unsafe.Pointer(&mem[0])),
	}
	if err := s.validate(uint64(info.Size())); err != nil {
		munmap(mem)
		file.Close()
		return nil, err
	}
	s.buildQueueViews()
	s.hdr.AddRef()
	return s, nil
}

func (s *Segment) validate(mappedSize uint64) error {
	if string(s.hdr.magic[:]) != SegmentMagic {
		return fmt.Errorf("%w: bad magic in %s", ErrBadSegment, s.Name)
	}
	if v := s.hdr.Version(); v != SegmentVersion {
		return fmt.Errorf("%w: version %d, want %d", ErrBadSegment, v, SegmentVersion)
	}
	if !s.hdr.Ready() {
		return fmt.Errorf("%w: segment %s not ready", ErrBadSegment, s.Name)
	}
	if rc := s.hdr.RingCapacity(); rc%8 != 0 || rc < uint64(ring.MinCapacity) {
		return fmt.Errorf("%w: segment %s ring capacity %d", ErrBadSegment, s.Name, rc)
	}
	want := NodeSegmentSize(int(s.hdr.MaxQueues()), s.hdr.RingCapacity())
	if mappedSize < want {
		return fmt.Errorf("%w: segment %s truncated: %d < %d", ErrBadSegment, s.Name, mappedSize, want)
	}
	return nil
}

func (s *Segment) buildQueueViews() {
	maxQ := int(s.hdr.MaxQueues())
	ringCap := s.hdr.RingCapacity()
	slot := QueueSlotSize(ringCap)
	s.queues = make([]Queue, maxQ)
	base := unsafe.Pointer(&s.Mem[0])
	for i := 0; i < maxQ; i++ {
		off := uintptr(SegmentHeaderSize) + uintptr(i)*uintptr(slot)
		qh := (*QueueHeader)(unsafe.Pointer(uintptr(base) + off))
		rh := (*ring.Header)(unsafe.Pointer(uintptr(base) + off + QueueHeaderSize))
		dataOff := int(off) + QueueHeaderSize + ring.HeaderSize
		data := s.Mem[dataOff : dataOff+int(ringCap) : dataOff+int(ringCap)]
		s.queues[i] = Queue{hdr: qh, ring: ring.New(rh, data), Index: i}
	}
}

// Header returns the segment header view.
func (s *Segment) Header() *SegmentHeader { return s.hdr }

// MaxQueues returns the slot count.
func (s *Segment) MaxQueues() int { return len(s.queues) }

// Queue returns slot i.
func (s *Segment) Queue(i int) *Queue { return &s.queues[i] }

// ClaimQueue reserves an inbound queue in this (peer) segment for senderID.
// Reclaim is idempotent: a slot already carrying senderID is returned as-is.
func (s *Segment) ClaimQueue(senderID string) (*Queue, error) {
	// Idempotent reclaim first, so a reconnecting writer reuses its slot.
	for i := range s.queues {
		q := &s.queues[i]
		if q.Flags() != 0 && q.SenderID() == senderID {
			q.SetFlags(FlagValid | FlagActive)
			return q, nil
		}
	}
	for i := range s.queues {
		q := &s.queues[i]
		if q.CASFlags(0, FlagValid|FlagActive) {
			q.setSenderID(senderID)
			q.Ring().Header().Reset()
			atomic.StoreUint64(&q.hdr.pending, 0)
			s.hdr.addNumQueues(1)
			return q, nil
		}
	}
	return nil, ErrQueueExhausted
}

// RingDoorbell wakes the segment's receive loop. Callers invoke it only on
// a queue's 0 -> 1 pending transition.
func (s *Segment) RingDoorbell() {
	atomic.AddUint32(&s.hdr.doorbell, 1)
	futexWake(s.hdr.doorbellWord(), 1)
}

// WaitDoorbell blocks until the doorbell moves past seen or timeout
// elapses. Spurious returns are expected; callers re-check queue state.
func (s *Segment) WaitDoorbell(seen uint32, timeout time.Duration) {
	futexWaitTimeout(s.hdr.doorbellWord(), seen, timeout)
}

// Release drops one reference, unmaps, and unlinks the backing file when
// the reference count reaches zero. It is safe to call once per mapping.
func (s *Segment) Release() error {
	last := s.hdr.DropRef() <= 0
	path := s.Path
	err := s.Close()
	if last {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
			err = rmErr
		}
	}
	return err
}

// Close unmaps the segment without touching the reference count. Used on
// error paths; normal teardown goes through Release.
func (s *Segment) Close() error {
	var firstErr error
	if s.Mem != nil {
		if err := munmap(s.Mem); err != nil && firstErr == nil {
			firstErr = err
		}
		s.Mem = nil
		s.hdr = nil
		s.queues = nil
	}
	if s.File != nil {
		if err := s.File.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.File = nil
	}
	return firstErr
}

// RemoveSegmentFile unlinks a segment by name, ignoring absence.
func RemoveSegmentFile(name string) error {
	err := os.Remove(segmentPath(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ListSegmentNames returns the names of all librpc segments present in the
// shared-memory directory. Used by the orphan sweeper.
func ListSegmentNames() ([]string, error) {
	entries, err := os.ReadDir(shmDir())
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if n := e.Name(); IsNodeSegmentName(n) || IsChannelSegmentName(n) {
			names = append(names, n)
		}
	}
	return names, nil
}

func segmentPath(name string) string {
	return filepath.Join(shmDir(), name)
}

func shmDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}
