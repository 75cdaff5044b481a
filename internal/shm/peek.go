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
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"
)

// SegmentMeta is the liveness-relevant slice of a segment or channel
// header, read without mapping the whole region.
type SegmentMeta struct {
	Name      string
	OwnerPID  int
	RefCount  int32
	Heartbeat uint64 // unix milliseconds
}

// PeekSegmentMeta maps only the first page of a named segment and decodes
// the owner pid, reference count, and heartbeat. Works for node segments
// and large-data channels; anything else is an error.
func PeekSegmentMeta(name string) (SegmentMeta, error) {
	file, err := os.OpenFile(segmentPath(name), os.O_RDWR, 0)
	if err != nil {
		return SegmentMeta{}, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return SegmentMeta{}, err
	}
	if info.Size() < SegmentHeaderSize {
		return SegmentMeta{}, fmt.Errorf("%w: %s too small", ErrBadSegment, name)
	}
	pageLen := int(os.Getpagesize())
	if int64(pageLen) > info.Size() {
		pageLen = int(info.Size())
	}
	mem, err := mmapFile(file, pageLen)
	if err != nil {
		return SegmentMeta{}, err
	}
	defer munmap(mem)

	switch {
	case IsNodeSegmentName(name):
		hdr := (*SegmentHeader)(unsafe.Pointer(&mem[0]))
		if string(hdr.magic[:]) != SegmentMagic {
			return SegmentMeta{}, fmt.Errorf("%w: %s bad magic", ErrBadSegment, name)
		}
		return SegmentMeta{
			Name:      name,
			OwnerPID:  hdr.OwnerPID(),
			RefCount:  hdr.RefCount(),
			Heartbeat: hdr.WriterHeartbeat(),
		}, nil
	case IsChannelSegmentName(name):
		hdr := (*channelHeader)(unsafe.Pointer(&mem[0]))
		if string(hdr.magic[:]) != ChannelMagic {
			return SegmentMeta{}, fmt.Errorf("%w: %s bad magic", ErrBadSegment, name)
		}
		return SegmentMeta{
			Name:      name,
			OwnerPID:  int(atomic.LoadInt32(&hdr.ownerPID)),
			RefCount:  atomic.LoadInt32(&hdr.refCount),
			Heartbeat: atomic.LoadUint64(&hdr.heartbeat),
		}, nil
	}
	return SegmentMeta{}, fmt.Errorf("%w: %s unknown naming", ErrBadSegment, name)
}
