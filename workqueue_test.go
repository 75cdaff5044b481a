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

package librpc

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func item(i int) workItem {
	return workItem{group: "g", topic: "t", payload: []byte(fmt.Sprintf("%d", i))}
}

func TestWorkQueueFIFO(t *testing.T) {
	q := newWorkQueue(16, nil)
	for i := 0; i < 5; i++ {
		q.enqueue(item(i), DropOldest, false)
	}
	for i := 0; i < 5; i++ {
		it, ok := q.dequeue()
		if !ok {
			t.Fatalf("dequeue %d failed", i)
		}
		if string(it.payload) != fmt.Sprintf("%d", i) {
			t.Fatalf("order break at %d: got %q", i, it.payload)
		}
	}
}

func TestWorkQueueDropOldest(t *testing.T) {
	var drops atomic.Uint64
	q := newWorkQueue(3, func(group, topic string, dropped uint64) {
		drops.Store(dropped)
	})
	for i := 0; i < 5; i++ {
		q.enqueue(item(i), DropOldest, false)
	}
	depth, dropped := q.stats()
	if depth != 3 || dropped != 2 {
		t.Fatalf("depth=%d dropped=%d, want 3/2", depth, dropped)
	}
	if drops.Load() != 2 {
		t.Fatalf("overflow callback saw %d drops, want 2", drops.Load())
	}
	// The survivors are the newest suffix, still in order.
	for i := 2; i < 5; i++ {
		it, _ := q.dequeue()
		if string(it.payload) != fmt.Sprintf("%d", i) {
			t.Fatalf("survivor order: got %q, want %d", it.payload, i)
		}
	}
}

func TestWorkQueueDropNewest(t *testing.T) {
	q := newWorkQueue(3, nil)
	for i := 0; i < 5; i++ {
		q.enqueue(item(i), DropNewest, false)
	}
	depth, dropped := q.stats()
	if depth != 3 || dropped != 2 {
		t.Fatalf("depth=%d dropped=%d, want 3/2", depth, dropped)
	}
	for i := 0; i < 3; i++ {
		it, _ := q.dequeue()
		if string(it.payload) != fmt.Sprintf("%d", i) {
			t.Fatalf("kept items wrong: got %q, want %d", it.payload, i)
		}
	}
}

func TestWorkQueueBlockDegradesWithoutBlocking(t *testing.T) {
	q := newWorkQueue(2, nil)
	q.enqueue(item(0), Block, false)
	q.enqueue(item(1), Block, false)
	// mayBlock=false must not hang: it degrades to DropOldest.
	done := make(chan struct{})
	go func() {
		q.enqueue(item(2), Block, false)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("non-blocking enqueue blocked")
	}
	it, _ := q.dequeue()
	if string(it.payload) != "1" {
		t.Fatalf("expected oldest dropped, head is %q", it.payload)
	}
}

func TestWorkQueueBlockWaitsForSpace(t *testing.T) {
	q := newWorkQueue(1, nil)
	q.enqueue(item(0), Block, true)

	released := make(chan struct{})
	go func() {
		q.enqueue(item(1), Block, true) // blocks until a dequeue
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("enqueue should have blocked on a full queue")
	case <-time.After(50 * time.Millisecond):
	}

	if it, _ := q.dequeue(); string(it.payload) != "0" {
		t.Fatal("dequeue returned wrong item")
	}
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("blocked enqueue never released")
	}
}

func TestWorkQueueCloseUnblocks(t *testing.T) {
	q := newWorkQueue(4, nil)
	done := make(chan struct{})
	go func() {
		_, ok := q.dequeue()
		if ok {
			t.Error("dequeue on closed empty queue should report !ok")
		}
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	q.close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("close did not unblock dequeue")
	}
}

func TestSubjectWorkerStable(t *testing.T) {
	a := subjectWorker("g", "t", 4)
	for i := 0; i < 100; i++ {
		if subjectWorker("g", "t", 4) != a {
			t.Fatal("subject hash must be stable")
		}
	}
	if a < 0 || a >= 4 {
		t.Fatalf("worker index out of range: %d", a)
	}
}
