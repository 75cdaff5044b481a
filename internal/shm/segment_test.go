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
	"bytes"
	"os"
	"testing"
	"time"
)

func TestSegmentCreateOpenRoundTrip(t *testing.T) {
	seg := createTestSegment(t, 8)

	if got := seg.Header().MaxQueues(); got != 8 {
		t.Fatalf("MaxQueues: got %d, want 8", got)
	}
	if got := seg.Header().OwnerPID(); got != os.Getpid() {
		t.Fatalf("OwnerPID: got %d, want %d", got, os.Getpid())
	}
	if !seg.Header().Ready() {
		t.Fatal("segment should be ready after create")
	}
	if got := seg.Header().RefCount(); got != 1 {
		t.Fatalf("RefCount after create: got %d, want 1", got)
	}

	peer, err := OpenNodeSegment(seg.Name)
	if err != nil {
		t.Fatalf("OpenNodeSegment failed: %v", err)
	}
	if got := seg.Header().RefCount(); got != 2 {
		t.Fatalf("RefCount after open: got %d, want 2", got)
	}
	if got := peer.Header().RingCapacity(); got != testRingCapacity {
		t.Fatalf("RingCapacity: got %d, want %d", got, testRingCapacity)
	}
	if err := peer.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if got := seg.Header().RefCount(); got != 1 {
		t.Fatalf("RefCount after release: got %d, want 1", got)
	}
}

func TestSegmentUnlinkOnLastRelease(t *testing.T) {
	seg := createTestSegment(t, 8)
	path := seg.Path
	if err := seg.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("segment file should be unlinked, stat err=%v", err)
	}
}

func TestClaimQueue(t *testing.T) {
	seg := createTestSegment(t, 8)
	writer, err := OpenNodeSegment(seg.Name)
	if err != nil {
		t.Fatalf("OpenNodeSegment failed: %v", err)
	}
	defer writer.Release()

	q, err := writer.ClaimQueue("sender-A")
	if err != nil {
		t.Fatalf("ClaimQueue failed: %v", err)
	}
	if !q.Addressable() {
		t.Fatal("claimed queue should be addressable")
	}
	if got := q.SenderID(); got != "sender-A" {
		t.Fatalf("SenderID: got %q", got)
	}
	if got := seg.Header().NumQueues(); got != 1 {
		t.Fatalf("NumQueues: got %d, want 1", got)
	}

	// Idempotent reclaim returns the same slot.
	q2, err := writer.ClaimQueue("sender-A")
	if err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if q2.Index != q.Index {
		t.Fatalf("reclaim chose a different slot: %d != %d", q2.Index, q.Index)
	}

	// A second sender takes a different slot.
	q3, err := writer.ClaimQueue("sender-B")
	if err != nil {
		t.Fatalf("second claim failed: %v", err)
	}
	if q3.Index == q.Index {
		t.Fatal("distinct senders must not share a slot")
	}
}

func TestClaimQueueExhausted(t *testing.T) {
	seg := createTestSegment(t, 8)
	for i := 0; i < seg.MaxQueues(); i++ {
		if _, err := seg.ClaimQueue(string(rune('a' + i))); err != nil {
			t.Fatalf("claim %d failed: %v", i, err)
		}
	}
	if _, err := seg.ClaimQueue("overflow"); err != ErrQueueExhausted {
		t.Fatalf("got %v, want ErrQueueExhausted", err)
	}
}

func TestQueueWriteReadThroughSegment(t *testing.T) {
	seg := createTestSegment(t, 8)
	writer, err := OpenNodeSegment(seg.Name)
	if err != nil {
		t.Fatalf("OpenNodeSegment failed: %v", err)
	}
	defer writer.Release()

	wq, err := writer.ClaimQueue("w")
	if err != nil {
		t.Fatalf("ClaimQueue failed: %v", err)
	}

	payload := []byte("cross-mapping message")
	if err := wq.Ring().TryWrite(payload); err != nil {
		t.Fatalf("TryWrite failed: %v", err)
	}
	if prev := wq.AddPending(1); prev != 0 {
		t.Fatalf("pending before first message: got %d, want 0", prev)
	}

	// The reader sees the frame through its own mapping of the same slot.
	rq := seg.Queue(wq.Index)
	out := make([]byte, 4096)
	n, err := rq.Ring().TryRead(out)
	if err != nil {
		t.Fatalf("TryRead failed: %v", err)
	}
	if !bytes.Equal(out[:n], payload) {
		t.Fatalf("payload mismatch: %q", out[:n])
	}
	if got := rq.SubPending(1); got != 0 {
		t.Fatalf("pending after drain: got %d, want 0", got)
	}
}

func TestReleaseWriterAndRecycle(t *testing.T) {
	seg := createTestSegment(t, 8)
	q, err := seg.ClaimQueue("departing")
	if err != nil {
		t.Fatalf("ClaimQueue failed: %v", err)
	}

	q.ReleaseWriter()
	if q.Addressable() {
		t.Fatal("released queue must not be addressable")
	}
	if !q.Released() {
		t.Fatal("queue should report released state")
	}

	q.Recycle()
	if q.Flags() != 0 {
		t.Fatalf("recycled queue flags: got %#x, want 0", q.Flags())
	}
	if q.SenderID() != "" {
		t.Fatalf("recycled queue sender: got %q, want empty", q.SenderID())
	}
}

func TestDoorbellWakesWaiter(t *testing.T) {
	seg := createTestSegment(t, 8)

	seen := seg.Header().Doorbell()
	done := make(chan struct{})
	go func() {
		defer close(done)
		seg.WaitDoorbell(seen, 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	seg.RingDoorbell()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("doorbell did not wake the waiter")
	}
	if got := seg.Header().Doorbell(); got != seen+1 {
		t.Fatalf("doorbell value: got %d, want %d", got, seen+1)
	}
}

func TestSegmentNaming(t *testing.T) {
	name := NodeSegmentName(1234, "my-node")
	if name != "librpc_node_1234_my-node" {
		t.Fatalf("unexpected segment name %q", name)
	}
	if !IsNodeSegmentName(name) {
		t.Fatal("IsNodeSegmentName should accept the canonical name")
	}
	pid, ok := NodeSegmentPID(name)
	if !ok || pid != 1234 {
		t.Fatalf("NodeSegmentPID: got %d, %v", pid, ok)
	}
	chName := ChannelSegmentName("bulk")
	if chName != "librpc_channel_bulk" || !IsChannelSegmentName(chName) {
		t.Fatalf("unexpected channel name %q", chName)
	}
	if short, ok := ChannelShortName(chName); !ok || short != "bulk" {
		t.Fatalf("ChannelShortName: got %q, %v", short, ok)
	}
}

func TestPeekSegmentMeta(t *testing.T) {
	seg := createTestSegment(t, 8)
	meta, err := PeekSegmentMeta(seg.Name)
	if err != nil {
		t.Fatalf("PeekSegmentMeta failed: %v", err)
	}
	if meta.OwnerPID != os.Getpid() || meta.RefCount != 1 {
		t.Fatalf("meta mismatch: %+v", meta)
	}
	if meta.Heartbeat == 0 {
		t.Fatal("heartbeat should be stamped at creation")
	}
}
