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
	"testing"
)

func TestChannelBlockRoundTrip(t *testing.T) {
	ch := createTestChannel(t, 1<<20, 64<<10)

	payload := make([]byte, 32<<10)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	seq, err := ch.WriteBlock("bulk-topic", payload)
	if err != nil {
		t.Fatalf("WriteBlock failed: %v", err)
	}
	if seq != 1 {
		t.Fatalf("first sequence: got %d, want 1", seq)
	}

	reader, err := ch.AttachReader()
	if err != nil {
		t.Fatalf("AttachReader failed: %v", err)
	}
	defer reader.Close()

	topic, got, err := reader.ReadBlock(seq)
	if err != nil {
		t.Fatalf("ReadBlock failed: %v", err)
	}
	if topic != "bulk-topic" {
		t.Fatalf("topic: got %q", topic)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("payload mismatch after channel round trip")
	}
}

func TestChannelReaderSeesBlockWrittenBeforeAttach(t *testing.T) {
	ch := createTestChannel(t, 1<<20, 64<<10)
	seq, err := ch.WriteBlock("t", []byte("early block"))
	if err != nil {
		t.Fatalf("WriteBlock failed: %v", err)
	}

	// The consumer opens the channel only after the notification, so the
	// reader must land on the newest block, not the write position.
	reader, err := ch.AttachReader()
	if err != nil {
		t.Fatalf("AttachReader failed: %v", err)
	}
	defer reader.Close()
	_, got, err := reader.ReadBlock(seq)
	if err != nil {
		t.Fatalf("ReadBlock failed: %v", err)
	}
	if string(got) != "early block" {
		t.Fatalf("payload: got %q", got)
	}
}

func TestChannelSequentialBlocksInOrder(t *testing.T) {
	ch := createTestChannel(t, 1<<20, 4096)
	reader, err := ch.AttachReader()
	if err != nil {
		t.Fatalf("AttachReader failed: %v", err)
	}
	defer reader.Close()

	var seqs []uint32
	for i := 0; i < 50; i++ {
		payload := bytes.Repeat([]byte{byte(i)}, 1024+i)
		seq, err := ch.WriteBlock("seq", payload)
		if err != nil {
			t.Fatalf("WriteBlock %d failed: %v", i, err)
		}
		seqs = append(seqs, seq)
	}
	for i, seq := range seqs {
		_, got, err := reader.ReadBlock(seq)
		if err != nil {
			t.Fatalf("ReadBlock %d failed: %v", i, err)
		}
		if len(got) != 1024+i || got[0] != byte(i) {
			t.Fatalf("block %d content mismatch", i)
		}
	}
}

func TestChannelWrapAround(t *testing.T) {
	// Small capacity so the ring wraps many times.
	ch := createTestChannel(t, 64<<10, 8<<10)
	reader, err := ch.AttachReader()
	if err != nil {
		t.Fatalf("AttachReader failed: %v", err)
	}
	defer reader.Close()

	for i := 0; i < 100; i++ {
		payload := bytes.Repeat([]byte{byte(i)}, 6<<10)
		seq, err := ch.WriteBlock("wrap", payload)
		if err != nil {
			t.Fatalf("WriteBlock %d failed: %v", i, err)
		}
		_, got, err := reader.ReadBlock(seq)
		if err != nil {
			t.Fatalf("ReadBlock %d failed: %v", i, err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("block %d corrupted across wrap", i)
		}
	}
}

func TestChannelReaderOverrun(t *testing.T) {
	ch := createTestChannel(t, 64<<10, 8<<10)
	reader, err := ch.AttachReader()
	if err != nil {
		t.Fatalf("AttachReader failed: %v", err)
	}
	defer reader.Close()

	first, err := ch.WriteBlock("lap", bytes.Repeat([]byte{1}, 6<<10))
	if err != nil {
		t.Fatalf("WriteBlock failed: %v", err)
	}
	// Lap the reader completely.
	for i := 0; i < 20; i++ {
		if _, err := ch.WriteBlock("lap", bytes.Repeat([]byte{2}, 6<<10)); err != nil {
			t.Fatalf("WriteBlock %d failed: %v", i, err)
		}
	}
	if _, _, err := reader.ReadBlock(first); err != ErrReaderOverrun {
		t.Fatalf("got %v, want ErrReaderOverrun", err)
	}
}

func TestChannelRejectsOversizeBlock(t *testing.T) {
	ch := createTestChannel(t, 1<<20, 4096)
	if _, err := ch.WriteBlock("t", make([]byte, 4097)); err != ErrBlockTooLarge {
		t.Fatalf("got %v, want ErrBlockTooLarge", err)
	}
}

func TestChannelSweepDeadReaders(t *testing.T) {
	ch := createTestChannel(t, 1<<20, 4096)
	r1, err := ch.AttachReader()
	if err != nil {
		t.Fatalf("AttachReader failed: %v", err)
	}
	if _, err := ch.AttachReader(); err != nil {
		t.Fatalf("second AttachReader failed: %v", err)
	}

	// Everybody alive: nothing released.
	if n := ch.SweepDeadReaders(func(int) bool { return true }); n != 0 {
		t.Fatalf("live readers released: %d", n)
	}
	// Everybody dead: both slots reclaimed.
	if n := ch.SweepDeadReaders(func(int) bool { return false }); n != 2 {
		t.Fatalf("SweepDeadReaders: got %d, want 2", n)
	}
	// Idempotent.
	if n := ch.SweepDeadReaders(func(int) bool { return false }); n != 0 {
		t.Fatalf("second sweep released %d", n)
	}
	_ = r1
}

func TestChannelOpenValidates(t *testing.T) {
	if _, err := OpenChannel("definitely-missing-channel", 4096); err == nil {
		t.Fatal("expected error opening a missing channel")
	}
}
