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

package sweeper

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/hujiansuntec-arch/Linux-RPC-Node/internal/logging"
	"github.com/hujiansuntec-arch/Linux-RPC-Node/internal/shm"
)

func newTestSweeper(t *testing.T) *Sweeper {
	t.Helper()
	return New(time.Second, time.Hour, nil, logging.Nop())
}

func createOrphanSegment(t *testing.T) *shm.Segment {
	t.Helper()
	name := fmt.Sprintf("librpc_node_1_orphan-%d", time.Now().UnixNano())
	seg, err := shm.CreateNodeSegment(name, 8, 64*2048)
	if err != nil {
		t.Fatalf("CreateNodeSegment failed: %v", err)
	}
	t.Cleanup(func() {
		seg.Close()
		shm.RemoveSegmentFile(name)
	})
	return seg
}

func TestSweepEvictsDeadOwner(t *testing.T) {
	seg := createOrphanSegment(t)
	path := seg.Path

	sw := newTestSweeper(t)
	// Everything except our segment is "alive" so concurrent tests'
	// segments survive this pass.
	sw.SetLivenessCheck(func(pid int) bool { return pid != os.Getpid() })

	// Protect every pre-existing segment so the pass touches ours only.
	names, err := shm.ListSegmentNames()
	if err != nil {
		t.Fatalf("ListSegmentNames failed: %v", err)
	}
	for _, n := range names {
		if n != seg.Name {
			sw.Protect(n)
		}
	}

	if n := sw.SweepOnce(); n != 1 {
		t.Fatalf("SweepOnce evicted %d, want 1", n)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("orphan segment file still present")
	}
	// Idempotent: the next pass finds nothing.
	if n := sw.SweepOnce(); n != 0 {
		t.Fatalf("second sweep evicted %d", n)
	}
}

func TestSweepKeepsLiveSegments(t *testing.T) {
	seg := createOrphanSegment(t)

	sw := newTestSweeper(t)
	sw.SetLivenessCheck(func(int) bool { return true })

	sw.SweepOnce()
	if _, err := os.Stat(seg.Path); err != nil {
		t.Fatalf("live segment evicted: %v", err)
	}
}

func TestSweepHonorsProtection(t *testing.T) {
	seg := createOrphanSegment(t)

	sw := newTestSweeper(t)
	sw.SetLivenessCheck(func(int) bool { return false })
	sw.Protect(seg.Name)

	sw.SweepOnce()
	if _, err := os.Stat(seg.Path); err != nil {
		t.Fatalf("protected segment evicted: %v", err)
	}

	sw.Unprotect(seg.Name)
}

func TestSweepEvictsStaleHeartbeat(t *testing.T) {
	seg := createOrphanSegment(t)

	// A one-nanosecond threshold makes the fresh heartbeat stale; every
	// owner is reported alive, so the stale heartbeat alone evicts.
	sw := New(time.Second, time.Nanosecond, nil, logging.Nop())
	sw.SetLivenessCheck(func(int) bool { return true })
	names, _ := shm.ListSegmentNames()
	for _, n := range names {
		if n != seg.Name {
			sw.Protect(n)
		}
	}
	time.Sleep(5 * time.Millisecond)
	if n := sw.SweepOnce(); n != 1 {
		t.Fatalf("stale segment not evicted: %d", n)
	}
}

func TestSweeperStartStopIdempotent(t *testing.T) {
	sw := New(10*time.Millisecond, time.Hour, nil, logging.Nop())
	sw.SetLivenessCheck(func(int) bool { return true })
	sw.Start()
	sw.Start()
	time.Sleep(30 * time.Millisecond)
	sw.Stop()
	sw.Stop()
}
