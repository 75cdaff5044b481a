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

package registry

import (
	"testing"

	"github.com/hujiansuntec-arch/Linux-RPC-Node/internal/wire"
)

type fakeSibling struct {
	id string
}

func (f *fakeSibling) NodeID() string                        { return f.id }
func (f *fakeSibling) Subscribed(group, topic string) bool   { return false }
func (f *fakeSibling) EnqueueLocal(_, _, _ string, _ []byte) {}

func TestRouterAddRemoveContains(t *testing.T) {
	r := NewInProcessRouter()
	a := &fakeSibling{id: "A"}
	b := &fakeSibling{id: "B"}

	r.Add(a)
	r.Add(b)
	if !r.Contains("A") || !r.Contains("B") {
		t.Fatal("router should contain A and B")
	}
	if r.Len() != 2 {
		t.Fatalf("Len: got %d, want 2", r.Len())
	}

	r.Remove(a)
	if r.Contains("A") {
		t.Fatal("A should be gone after Remove")
	}
	if !r.Contains("B") {
		t.Fatal("B should survive A's removal")
	}
}

func TestRouterRemoveIgnoresReplacedEntry(t *testing.T) {
	r := NewInProcessRouter()
	old := &fakeSibling{id: "A"}
	r.Add(old)
	neu := &fakeSibling{id: "A"}
	r.Add(neu)

	// The stale handle must not evict the node that reused the id.
	r.Remove(old)
	if !r.Contains("A") {
		t.Fatal("replacement node evicted by stale Remove")
	}
	r.Remove(neu)
	if r.Contains("A") {
		t.Fatal("node not removed")
	}
}

func desc(node, group, topic string, tr wire.TransportKind) ServiceDescriptor {
	return ServiceDescriptor{
		NodeID: node, Group: group, Topic: topic,
		Service: wire.ServiceNormal, Transport: tr,
	}
}

func TestServiceRegistryPriorityRules(t *testing.T) {
	s := NewServiceRegistry()

	if !s.Register(desc("n1", "g", "t", wire.TransportUDP)) {
		t.Fatal("first registration should change the registry")
	}
	// Same priority is a no-op.
	if s.Register(desc("n1", "g", "t", wire.TransportUDP)) {
		t.Fatal("duplicate registration should be a no-op")
	}
	// Lower priority is ignored.
	if s.Register(desc("n1", "g", "t", wire.TransportInProcess)) {
		t.Fatal("lower-priority registration should be ignored")
	}
	got := s.Consumers("g", "t")
	if len(got) != 1 || got[0].Transport != wire.TransportUDP {
		t.Fatalf("expected one UDP descriptor, got %+v", got)
	}
	// Higher priority replaces.
	if !s.Register(desc("n1", "g", "t", wire.TransportSharedMemory)) {
		t.Fatal("higher-priority registration should replace")
	}
	got = s.Consumers("g", "t")
	if len(got) != 1 || got[0].Transport != wire.TransportSharedMemory {
		t.Fatalf("expected shared-memory descriptor, got %+v", got)
	}
	// And the now-lower UDP arrival is ignored again.
	if s.Register(desc("n1", "g", "t", wire.TransportUDP)) {
		t.Fatal("udp after shared-memory should be ignored")
	}
}

func TestServiceRegistryDistinctCapabilities(t *testing.T) {
	s := NewServiceRegistry()
	s.Register(desc("n1", "g", "t1", wire.TransportSharedMemory))
	s.Register(desc("n1", "g", "t2", wire.TransportSharedMemory))
	s.Register(desc("n2", "g", "t1", wire.TransportUDP))

	if s.Len() != 3 {
		t.Fatalf("Len: got %d, want 3", s.Len())
	}
	if got := s.Consumers("g", "t1"); len(got) != 2 {
		t.Fatalf("consumers of (g,t1): got %d, want 2", len(got))
	}
}

func TestServiceRegistryUnregisterAndRemoveNode(t *testing.T) {
	s := NewServiceRegistry()
	s.Register(desc("n1", "g", "t1", wire.TransportSharedMemory))
	s.Register(desc("n1", "g", "t2", wire.TransportSharedMemory))
	s.Register(desc("n2", "g", "t1", wire.TransportSharedMemory))

	if !s.Unregister("n1", "g", "t1") {
		t.Fatal("Unregister should report removal")
	}
	if s.Unregister("n1", "g", "t1") {
		t.Fatal("second Unregister should be a no-op")
	}
	if got := s.RemoveNode("n1"); got != 1 {
		t.Fatalf("RemoveNode: got %d, want 1", got)
	}
	if s.Len() != 1 {
		t.Fatalf("Len after removals: got %d, want 1", s.Len())
	}
	if got := s.Consumers("g", "t1"); len(got) != 1 || got[0].NodeID != "n2" {
		t.Fatalf("survivor mismatch: %+v", got)
	}
}

func TestServiceRegistryFindFilter(t *testing.T) {
	s := NewServiceRegistry()
	large := wire.ServiceLargeData
	s.Register(desc("n1", "g", "t", wire.TransportSharedMemory))
	s.Register(ServiceDescriptor{
		NodeID: "n2", Group: "g", Topic: "t",
		Service: large, Transport: wire.TransportSharedMemory, Channel: "ch",
	})

	if got := s.Find("g", nil); len(got) != 2 {
		t.Fatalf("unfiltered find: got %d, want 2", len(got))
	}
	got := s.Find("g", &Filter{Service: &large})
	if len(got) != 1 || got[0].Channel != "ch" {
		t.Fatalf("filtered find: %+v", got)
	}
	if got := s.Find("missing", nil); got != nil {
		t.Fatalf("unknown group should return nil, got %+v", got)
	}
}
