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

package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"
)

const (
	// DirectoryMagic spells "LRRG" read from its most significant byte;
	// stored little-endian, the bytes in memory are "GRRL".
	DirectoryMagic = uint32(0x4C525247)

	// DirectoryVersion is the current directory layout version.
	DirectoryVersion = uint32(1)

	// DirectoryCapacity bounds the number of nodes on one machine.
	DirectoryCapacity = 256

	// DirectoryName is the well-known shared-memory name of the directory.
	DirectoryName = "librpc_registry"

	directoryHeaderSize = 64

	// atomicStringSlots is the number of u64 words per string slot.
	atomicStringSlots = 8

	// AtomicStringSize is the byte capacity of an atomic string slot.
	AtomicStringSize = atomicStringSlots * 8

	// torn reads resolve within a couple of passes; bound the retries.
	atomicStringReadRetries = 4
)

// ErrDirectoryFull is returned when all directory entries are occupied.
var ErrDirectoryFull = errors.New("shm: node directory full")

// DirectoryHeader heads the directory region, fixed at 64 bytes.
type DirectoryHeader struct {
	magic      uint32
	version    uint32
	numEntries uint32
	capacity   uint32
	refCount   int32
	_          [44]byte
}

// DirectoryEntry is one node record. The id and segment-name slots are
// arrays of u64 written with release stores so any process can read them
// lock-free without ever observing interleaved bytes from two writers.
type DirectoryEntry struct {
	flags         uint32
	pid           uint32
	lastHeartbeat uint64
	nodeID        [atomicStringSlots]uint64
	segmentName   [atomicStringSlots]uint64
	_             [16]byte
}

// NodeInfo is a decoded directory entry.
type NodeInfo struct {
	NodeID      string
	SegmentName string
	PID         int
	Heartbeat   uint64 // unix milliseconds
}

// Directory is a mapped view of the global node directory.
type Directory struct {
	File *os.File
	Mem  []byte
	Path string

	hdr     *DirectoryHeader
	entries *[DirectoryCapacity]DirectoryEntry
}

func directorySize() int {
	return directoryHeaderSize + DirectoryCapacity*int(unsafe.Sizeof(DirectoryEntry{}))
}

// OpenDirectory creates or attaches the machine-global node directory.
// Creation is raced by design: the loser of the O_EXCL race attaches and
// spins briefly until the winner publishes the magic.
func OpenDirectory() (*Directory, error) {
	path := segmentPath(DirectoryName)
	size := directorySize()

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err == nil {
		if err := file.Truncate(int64(size)); err != nil {
			file.Close()
			os.Remove(path)
			return nil, fmt.Errorf("shm: resize directory: %w", err)
		}
		d, err := mapDirectory(file, path)
		if err != nil {
			os.Remove(path)
			return nil, err
		}
		atomic.StoreUint32(&d.hdr.version, DirectoryVersion)
		atomic.StoreUint32(&d.hdr.capacity, DirectoryCapacity)
		atomic.StoreInt32(&d.hdr.refCount, 1)
		atomic.StoreUint32(&d.hdr.magic, DirectoryMagic) // publishes the region
		return d, nil
	}
	if !os.IsExist(err) {
		return nil, fmt.Errorf("shm: create directory: %w", err)
	}

	file, err = os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: open directory: %w", err)
	}
	info, err := file.Stat()
	if err != nil || info.Size() < int64(size) {
		file.Close()
		return nil, fmt.Errorf("shm: directory file truncated")
	}
	d, err := mapDirectory(file, path)
	if err != nil {
		return nil, err
	}
	for i := 0; atomic.LoadUint32(&d.hdr.magic) != DirectoryMagic; i++ {
		if i > 1000 {
			d.unmapOnly()
			return nil, fmt.Errorf("shm: directory never became ready")
		}
		time.Sleep(time.Millisecond)
	}
	if v := atomic.LoadUint32(&d.hdr.version); v != DirectoryVersion {
		d.unmapOnly()
		return nil, fmt.Errorf("shm: directory version %d, want %d", v, DirectoryVersion)
	}
	atomic.AddInt32(&d.hdr.refCount, 1)
	return d, nil
}

func mapDirectory(file *os.File, path string) (*Directory, error) {
	mem, err := mmapFile(file, directorySize())
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: mmap directory: %w", err)
	}
	return &Directory{
		File:    file,
		Mem:     mem,
		Path:    path,
		hdr:     (*DirectoryHeader)(unsafe.Pointer(&mem[0])),
		entries: (*[DirectoryCapacity]DirectoryEntry)(unsafe.Pointer(&mem[directoryHeaderSize])),
	}, nil
}

// Register inserts a node into the first free entry.
func (d *Directory) Register(nodeID, segmentName string) error {
	if len(nodeID) >= AtomicStringSize || len(segmentName) >= AtomicStringSize {
		return fmt.Errorf("shm: name too long for directory entry")
	}
	// Re-registration updates the existing entry in place.
	if idx := d.findIndex(nodeID); idx >= 0 {
		e := &d.entries[idx]
		writeAtomicString(&e.segmentName, segmentName)
		atomic.StoreUint32(&e.pid, uint32(os.Getpid()))
		atomic.StoreUint64(&e.lastHeartbeat, uint64(time.Now().UnixMilli()))
		return nil
	}
	for i := range d.entries {
		e := &d.entries[i]
		if !atomic.CompareAndSwapUint32(&e.flags, 0, FlagValid|FlagActive) {
			continue
		}
		atomic.StoreUint32(&e.pid, uint32(os.Getpid()))
		atomic.StoreUint64(&e.lastHeartbeat, uint64(time.Now().UnixMilli()))
		writeAtomicString(&e.segmentName, segmentName)
		writeAtomicString(&e.nodeID, nodeID) // id last: readers key on it
		atomic.AddUint32(&d.hdr.numEntries, 1)
		return nil
	}
	return ErrDirectoryFull
}

// Unregister removes a node's entry.
func (d *Directory) Unregister(nodeID string) {
	if idx := d.findIndex(nodeID); idx >= 0 {
		d.evict(idx)
	}
}

// Find returns the entry for nodeID.
func (d *Directory) Find(nodeID string) (NodeInfo, bool) {
	idx := d.findIndex(nodeID)
	if idx < 0 {
		return NodeInfo{}, false
	}
	return d.decode(idx), true
}

// UpdateHeartbeat stamps the entry for nodeID with the current time.
func (d *Directory) UpdateHeartbeat(nodeID string) {
	if idx := d.findIndex(nodeID); idx >= 0 {
		atomic.StoreUint64(&d.entries[idx].lastHeartbeat, uint64(time.Now().UnixMilli()))
	}
}

// Snapshot returns all live entries.
func (d *Directory) Snapshot() []NodeInfo {
	var out []NodeInfo
	for i := range d.entries {
		e := &d.entries[i]
		if atomic.LoadUint32(&e.flags)&FlagValid == 0 {
			continue
		}
		info := d.decode(i)
		if info.NodeID == "" {
			continue // mid-registration
		}
		out = append(out, info)
	}
	return out
}

// CleanupStale evicts entries whose heartbeat is older than timeout AND
// whose process is gone, returning the eviction count. alive is injectable
// for tests; pass nil for the real process check.
func (d *Directory) CleanupStale(timeout time.Duration, alive func(pid int) bool) int {
	if alive == nil {
		alive = ProcessAlive
	}
	now := uint64(time.Now().UnixMilli())
	evicted := 0
	for i := range d.entries {
		e := &d.entries[i]
		if atomic.LoadUint32(&e.flags)&FlagValid == 0 {
			continue
		}
		hb := atomic.LoadUint64(&e.lastHeartbeat)
		if now < hb+uint64(timeout.Milliseconds()) {
			continue
		}
		if alive(int(atomic.LoadUint32(&e.pid))) {
			continue
		}
		d.evict(i)
		evicted++
	}
	return evicted
}

// NumEntries returns the registered-node count.
func (d *Directory) NumEntries() int {
	return int(atomic.LoadUint32(&d.hdr.numEntries))
}

// Release drops one reference and unlinks the directory file when the last
// holder detaches.
func (d *Directory) Release() error {
	last := atomic.AddInt32(&d.hdr.refCount, -1) <= 0
	path := d.Path
	err := d.unmapOnly()
	if last {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
			err = rmErr
		}
	}
	return err
}

func (d *Directory) unmapOnly() error {
	var firstErr error
	if d.Mem != nil {
		if err := munmap(d.Mem); err != nil {
			firstErr = err
		}
		d.Mem = nil
		d.hdr = nil
		d.entries = nil
	}
	if d.File != nil {
		if err := d.File.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		d.File = nil
	}
	return firstErr
}

func (d *Directory) findIndex(nodeID string) int {
	for i := range d.entries {
		e := &d.entries[i]
		if atomic.LoadUint32(&e.flags)&FlagValid == 0 {
			continue
		}
		if readAtomicString(&e.nodeID) == nodeID {
			return i
		}
	}
	return -1
}

func (d *Directory) decode(i int) NodeInfo {
	e := &d.entries[i]
	return NodeInfo{
		NodeID:      readAtomicString(&e.nodeID),
		SegmentName: readAtomicString(&e.segmentName),
		PID:         int(atomic.LoadUint32(&e.pid)),
		Heartbeat:   atomic.LoadUint64(&e.lastHeartbeat),
	}
}

func (d *Directory) evict(i int) {
	e := &d.entries[i]
	writeAtomicString(&e.nodeID, "")
	writeAtomicString(&e.segmentName, "")
	atomic.StoreUint32(&e.pid, 0)
	atomic.StoreUint64(&e.lastHeartbeat, 0)
	atomic.StoreUint32(&e.flags, 0)
	for {
		n := atomic.LoadUint32(&d.hdr.numEntries)
		if n == 0 || atomic.CompareAndSwapUint32(&d.hdr.numEntries, n, n-1) {
			return
		}
	}
}

// writeAtomicString zero-pads s to 64 bytes and stores it as eight u64
// words. A concurrent reader observes either the full string or a
// NUL-terminated prefix, never interleaved bytes.
func writeAtomicString(slot *[atomicStringSlots]uint64, s string) {
	var buf [AtomicStringSize]byte
	copy(buf[:], s)
	for i := 0; i < atomicStringSlots; i++ {
		atomic.StoreUint64(&slot[i], binary.LittleEndian.Uint64(buf[i*8:]))
	}
}

// readAtomicString loads the eight words and decodes up to the first NUL.
// An all-zero first word means "not yet written"; retry a bounded number
// of passes before reporting empty.
func readAtomicString(slot *[atomicStringSlots]uint64) string {
	for attempt := 0; attempt < atomicStringReadRetries; attempt++ {
		var buf [AtomicStringSize]byte
		for i := 0; i < atomicStringSlots; i++ {
			binary.LittleEndian.PutUint64(buf[i*8:], atomic.LoadUint64(&slot[i]))
		}
		if buf[0] == 0 {
			continue
		}
		for i := range buf {
			if buf[i] == 0 {
				return string(buf[:i])
			}
		}
		return string(buf[:])
	}
	return ""
}
