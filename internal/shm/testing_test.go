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
	"strings"
	"testing"
	"time"
)

const testRingCapacity = 64 * 2048

func testName(t *testing.T) string {
	return strings.ReplaceAll(t.Name(), "/", "-")
}

// createTestSegment creates a node segment with a unique name and
// registers cleanup so the file is removed even when the test fails.
func createTestSegment(t *testing.T, maxQueues int) *Segment {
	t.Helper()
	name := fmt.Sprintf("librpc_node_0_%s-%d", testName(t), time.Now().UnixNano())
	RemoveSegmentFile(name)
	seg, err := CreateNodeSegment(name, maxQueues, testRingCapacity)
	if err != nil {
		t.Fatalf("failed to create test segment: %v", err)
	}
	t.Cleanup(func() {
		seg.Close()
		RemoveSegmentFile(name)
	})
	return seg
}

// createTestChannel creates a large-data channel with a unique name and
// cleanup.
func createTestChannel(t *testing.T, capacity, maxBlock int64) *LargeDataChannel {
	t.Helper()
	name := fmt.Sprintf("%s-%d", testName(t), time.Now().UnixNano())
	ch, err := CreateChannel(name, capacity, maxBlock)
	if err != nil {
		t.Fatalf("failed to create test channel: %v", err)
	}
	t.Cleanup(func() {
		ch.unmapOnly()
		RemoveSegmentFile(ChannelSegmentName(name))
	})
	return ch
}
