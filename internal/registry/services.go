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
	"sync"

	"github.com/hujiansuntec-arch/Linux-RPC-Node/internal/wire"
)

// ServiceDescriptor records one remote node's advertised intent to consume
// a (group, topic) over a given transport.
type ServiceDescriptor struct {
	NodeID    string
	Group     string
	Topic     string
	Service   wire.ServiceType
	Transport wire.TransportKind
	Channel   string // large-data channel name, when Service is large-data
	Endpoint  string // udp host:port, when Transport is UDP
}

// Filter narrows DiscoverServices results. Zero values match everything.
type Filter struct {
	Topic     string
	NodeID    string
	Service   *wire.ServiceType
	Transport *wire.TransportKind
}

func (f *Filter) match(d *ServiceDescriptor) bool {
	if f == nil {
		return true
	}
	if f.Topic != "" && f.Topic != d.Topic {
		return false
	}
	if f.NodeID != "" && f.NodeID != d.NodeID {
		return false
	}
	if f.Service != nil && *f.Service != d.Service {
		return false
	}
	if f.Transport != nil && *f.Transport != d.Transport {
		return false
	}
	return true
}

// ServiceRegistry indexes remote service descriptors by group. It is
// refreshed entirely by system messages; the priority rule keeps exactly
// one descriptor per (node, group, topic, service type): shared-memory
// beats UDP beats in-process, lower priority is ignored, an identical
// descriptor is a no-op, and equal priority with a different channel or
// endpoint replaces the entry.
type ServiceRegistry struct {
	mu     sync.Mutex
	groups map[string][]ServiceDescriptor
}

// NewServiceRegistry returns an empty registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{groups: make(map[string][]ServiceDescriptor)}
}

// Register inserts or upgrades a descriptor, returning true when the
// registry changed.
func (s *ServiceRegistry) Register(d ServiceDescriptor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	vec := s.groups[d.Group]
	for i := range vec {
		e := &vec[i]
		if e.NodeID != d.NodeID || e.Topic != d.Topic || e.Service != d.Service {
			continue
		}
		if d.Transport < e.Transport {
			return false // lower priority arrival, keep existing
		}
		if d.Transport == e.Transport && d.Channel == e.Channel && d.Endpoint == e.Endpoint {
			return false // duplicate
		}
		*e = d
		return true
	}
	s.groups[d.Group] = append(vec, d)
	return true
}

// Unregister removes the descriptor matching (node, group, topic),
// regardless of transport.
func (s *ServiceRegistry) Unregister(nodeID, group, topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	vec, ok := s.groups[group]
	if !ok {
		return false
	}
	kept := vec[:0]
	removed := false
	for _, e := range vec {
		if e.NodeID == nodeID && e.Topic == topic {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) == 0 {
		delete(s.groups, group)
	} else {
		s.groups[group] = kept
	}
	return removed
}

// RemoveNode drops every descriptor advertised by nodeID, returning the
// number removed. Used on NODE_LEAVE and peer death.
func (s *ServiceRegistry) RemoveNode(nodeID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for group, vec := range s.groups {
		kept := vec[:0]
		for _, e := range vec {
			if e.NodeID == nodeID {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(s.groups, group)
		} else {
			s.groups[group] = kept
		}
	}
	return removed
}

// Find returns the descriptors for group that pass the filter.
func (s *ServiceRegistry) Find(group string, f *Filter) []ServiceDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ServiceDescriptor
	for _, e := range s.groups[group] {
		if f.match(&e) {
			out = append(out, e)
		}
	}
	return out
}

// Consumers returns the descriptors matching (group, topic) with normal
// service type: the publish-time routing set.
func (s *ServiceRegistry) Consumers(group, topic string) []ServiceDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ServiceDescriptor
	for _, e := range s.groups[group] {
		if e.Topic == topic && e.Service == wire.ServiceNormal {
			out = append(out, e)
		}
	}
	return out
}

// All returns every descriptor across all groups.
func (s *ServiceRegistry) All() []ServiceDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ServiceDescriptor
	for _, vec := range s.groups {
		out = append(out, vec...)
	}
	return out
}

// Len returns the total descriptor count.
func (s *ServiceRegistry) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, vec := range s.groups {
		n += len(vec)
	}
	return n
}
