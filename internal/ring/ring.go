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

// Package ring implements the single-producer single-consumer framed byte
// ring that backs every inbound queue of the shared-memory transport.
//
// The ring stores variable-length messages as 8-byte-aligned frames. Each
// frame starts with an 8-byte header (uint32 length, uint32 magic). A frame
// never wraps the end of the buffer: when a message does not fit in the
// space remaining before the capacity boundary, the producer writes a
// PADDING frame covering the tail of the buffer and restarts at offset 0.
// Head and tail are byte offsets on separate cache lines; the producer only
// stores head, the consumer only stores tail, so both sides are wait-free.
package ring

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
)

const (
	// MaxMsgSize is the largest payload accepted by TryWrite. With the
	// 8-byte frame header the maximum frame is exactly 2048 bytes.
	MaxMsgSize = 2040

	// FrameHeaderSize is the size of the per-frame header.
	FrameHeaderSize = 8

	// MagicValid marks a frame carrying a payload of `length` bytes.
	MagicValid = uint32(0xCAFEBABE)
	// MagicPadding marks unused space spanning to the capacity boundary.
	MagicPadding = uint32(0xDEADBEEF)
)

var (
	// ErrMsgTooLarge is returned for payloads above MaxMsgSize.
	ErrMsgTooLarge = errors.New("ring: message exceeds max size")
	// ErrEmptyMsg is returned for zero-length payloads.
	ErrEmptyMsg = errors.New("ring: empty message")
	// ErrFull is returned when the ring has no room for the frame.
	ErrFull = errors.New("ring: full")
	// ErrEmpty is returned by TryRead when no frame is available.
	ErrEmpty = errors.New("ring: empty")
	// ErrCorrupt is returned when a frame header carries an unknown magic
	// or an impossible length. The caller treats the queue as poisoned.
	ErrCorrupt = errors.New("ring: corrupt frame")
	// ErrShortBuffer is returned when the destination cannot hold a frame.
	ErrShortBuffer = errors.New("ring: short read buffer")
)

// Header is the ring control block. It lives in shared memory directly in
// front of the data area, so its layout is part of the cross-process ABI:
// head and tail each own a cache line, statistics share a third.
type Header struct {
	head uint64 // next write offset, producer-owned
	_    [56]byte
	tail uint64 // next read offset, consumer-owned
	_    [56]byte
	written uint64
	read    uint64
	dropped uint64
	_       [40]byte
}

// HeaderSize is the byte size of the control block (three cache lines).
const HeaderSize = 192

// Head returns the producer offset.
func (h *Header) Head() uint64 { return atomic.LoadUint64(&h.head) }

// Tail returns the consumer offset.
func (h *Header) Tail() uint64 { return atomic.LoadUint64(&h.tail) }

func (h *Header) storeHead(v uint64) { atomic.StoreUint64(&h.head, v) }
func (h *Header) storeTail(v uint64) { atomic.StoreUint64(&h.tail, v) }

// Written returns the count of successfully written frames.
func (h *Header) Written() uint64 { return atomic.LoadUint64(&h.written) }

// Read returns the count of successfully read frames.
func (h *Header) Read() uint64 { return atomic.LoadUint64(&h.read) }

// Dropped returns the count of writes rejected because the ring was full.
func (h *Header) Dropped() uint64 { return atomic.LoadUint64(&h.dropped) }

// Reset zeroes offsets and counters. Only valid before the ring is shared.
func (h *Header) Reset() {
	atomic.StoreUint64(&h.head, 0)
	atomic.StoreUint64(&h.tail, 0)
	atomic.StoreUint64(&h.written, 0)
	atomic.StoreUint64(&h.read, 0)
	atomic.StoreUint64(&h.dropped, 0)
}

// Stats is a point-in-time snapshot of the ring counters.
type Stats struct {
	Written uint64 `json:"written"`
	Read    uint64 `json:"read"`
	Dropped uint64 `json:"dropped"`
	Used    uint64 `json:"used"`
}

// Buffer is an SPSC framed ring over caller-provided memory. The same code
// path serves shared-memory queues and in-heap rings in tests; Buffer holds
// no pointers into itself so any number of views may alias one region.
type Buffer struct {
	hdr      *Header
	data     []byte
	capacity uint64
}

// MinCapacity is the smallest usable data area: two maximum frames, so a
// full-size message can always wrap past a stale tail position.
const MinCapacity = 2 * (FrameHeaderSize + MaxMsgSize)

// New wraps a control block and data area. The data length must be a
// multiple of 8 and at least MinCapacity, so that head and tail stay
// 8-aligned and any message can eventually fit.
func New(hdr *Header, data []byte) *Buffer {
	if len(data)%8 != 0 || len(data) < MinCapacity {
		panic("ring: data area must be 8-aligned and hold at least two max frames")
	}
	return &Buffer{hdr: hdr, data: data, capacity: uint64(len(data))}
}

// Capacity returns the data area size in bytes.
func (b *Buffer) Capacity() uint64 { return b.capacity }

// Header exposes the control block for stats and diagnostics.
func (b *Buffer) Header() *Header { return b.hdr }

// alignedFrameSize returns the total frame footprint for a payload.
func alignedFrameSize(payload int) uint64 {
	return uint64(FrameHeaderSize+payload+7) &^ 7
}

func (b *Buffer) putFrame(off uint64, payload []byte) {
	binary.LittleEndian.PutUint32(b.data[off:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(b.data[off+4:], MagicValid)
	copy(b.data[off+FrameHeaderSize:], payload)
}

// TryWrite appends one message. It never blocks: when the frame does not
// fit it bumps the drop counter and returns ErrFull. Only the single
// producer may call it.
func (b *Buffer) TryWrite(p []byte) error {
	if len(p) == 0 {
		return ErrEmptyMsg
	}
	if len(p) > MaxMsgSize {
		return ErrMsgTooLarge
	}

	needed := alignedFrameSize(len(p))
	h := atomic.LoadUint64(&b.hdr.head)
	t := atomic.LoadUint64(&b.hdr.tail)

	if h >= t {
		// Free space is [h, C) plus [0, t).
		if h+needed <= b.capacity {
			b.putFrame(h, p)
			atomic.StoreUint64(&b.hdr.head, h+needed)
			atomic.AddUint64(&b.hdr.written, 1)
			return nil
		}
		// Wrap: pad out the tail of the buffer, restart at offset 0.
		// Strict inequality keeps head != tail, which means empty.
		if needed < t {
			if pad := b.capacity - h; pad >= FrameHeaderSize {
				binary.LittleEndian.PutUint32(b.data[h:], uint32(pad))
				binary.LittleEndian.PutUint32(b.data[h+4:], MagicPadding)
			}
			b.putFrame(0, p)
			atomic.StoreUint64(&b.hdr.head, needed)
			atomic.AddUint64(&b.hdr.written, 1)
			return nil
		}
	} else if h+needed < t {
		// Free space is [h, t).
		b.putFrame(h, p)
		atomic.StoreUint64(&b.hdr.head, h+needed)
		atomic.AddUint64(&b.hdr.written, 1)
		return nil
	}

	atomic.AddUint64(&b.hdr.dropped, 1)
	return ErrFull
}

// TryRead copies the next message into out and returns its length. It
// returns ErrEmpty when the ring has no frame, ErrShortBuffer when out is
// smaller than the frame payload, and ErrCorrupt when the frame header is
// not one the producer could have written. Only the single consumer may
// call it.
func (b *Buffer) TryRead(out []byte) (int, error) {
	t := atomic.LoadUint64(&b.hdr.tail)
	h := atomic.LoadUint64(&b.hdr.head)
	for {
		if t == h {
			return 0, ErrEmpty
		}

		// Less than a header remaining before the boundary means the
		// producer wrapped without room for an explicit padding frame.
		if b.capacity-t < FrameHeaderSize {
			atomic.StoreUint64(&b.hdr.tail, 0)
			t = 0
			continue
		}

		length := binary.LittleEndian.Uint32(b.data[t:])
		magic := binary.LittleEndian.Uint32(b.data[t+4:])

		if magic == MagicPadding {
			atomic.StoreUint64(&b.hdr.tail, 0)
			t = 0
			continue
		}
		if magic != MagicValid || length > MaxMsgSize {
			return 0, ErrCorrupt
		}
		if int(length) > len(out) {
			return 0, ErrShortBuffer
		}

		copy(out[:length], b.data[t+FrameHeaderSize:])
		atomic.StoreUint64(&b.hdr.tail, t+alignedFrameSize(int(length)))
		atomic.AddUint64(&b.hdr.read, 1)
		return int(length), nil
	}
}

// Empty reports whether the ring currently holds no frames.
func (b *Buffer) Empty() bool {
	return atomic.LoadUint64(&b.hdr.head) == atomic.LoadUint64(&b.hdr.tail)
}

// Used returns the approximate number of bytes occupied by frames.
func (b *Buffer) Used() uint64 {
	h := atomic.LoadUint64(&b.hdr.head)
	t := atomic.LoadUint64(&b.hdr.tail)
	if h >= t {
		return h - t
	}
	return b.capacity - (t - h)
}

// Snapshot returns the current counters.
func (b *Buffer) Snapshot() Stats {
	return Stats{
		Written: b.hdr.Written(),
		Read:    b.hdr.Read(),
		Dropped: b.hdr.Dropped(),
		Used:    b.Used(),
	}
}
