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

// Package registry holds the two process-local indexes of the bus: the
// in-process router of live nodes and the service registry of advertised
// remote consumers.
package registry

import (
	"sync"
)

// Sibling is the router's non-owning view of a live node. Entries are
// purged when the node closes; a lookup after that returns not-found
// rather than a dangling handle.
type Sibling interface {
	NodeID() string
	// Subscribed reports whether the node currently consumes (group, topic).
	Subscribed(group, topic string) bool
	// EnqueueLocal hands a message to the node's worker queues, so the
	// receiver's ordering and overflow policies apply to local traffic too.
	EnqueueLocal(source, group, topic string, payload []byte)
}

// InProcessRouter indexes every live node in this process by node id.
type InProcessRouter struct {
	mu    sync.Mutex
	nodes map[string]Sibling
}

// NewInProcessRouter returns an empty router.
func NewInProcessRouter() *InProcessRouter {
	return &InProcessRouter{nodes: make(map[string]Sibling)}
}

// Add registers a node. The previous holder of the id, if any, is
// replaced.
func (r *InProcessRouter) Add(n Sibling) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[n.NodeID()] = n
}

// Remove purges a node by id, but only if it still maps to n; a newer
// node that reused the id is left alone.
func (r *InProcessRouter) Remove(n Sibling) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.nodes[n.NodeID()]; ok && cur == n {
		delete(r.nodes, n.NodeID())
	}
}

// Contains reports whether nodeID is a live local node. Publishers use
// this to skip remote transports for local siblings.
func (r *InProcessRouter) Contains(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.nodes[nodeID]
	return ok
}

// Snapshot returns the current membership. The slice is private to the
// caller; the Sibling handles stay shared.
func (r *InProcessRouter) Snapshot() []Sibling {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sibling, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out
}

// Len returns the number of live local nodes.
func (r *InProcessRouter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}
