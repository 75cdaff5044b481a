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
	"github.com/sugawarayuuta/sonnet"

	"github.com/hujiansuntec-arch/Linux-RPC-Node/internal/transport"
)

// WorkerStats is one worker queue's snapshot.
type WorkerStats struct {
	Depth   int    `json:"depth"`
	Dropped uint64 `json:"dropped"`
}

// NodeStats is a point-in-time snapshot of a node's counters.
type NodeStats struct {
	NodeID       string          `json:"node_id"`
	Published    uint64          `json:"published"`
	Delivered    uint64          `json:"delivered"`
	Workers      []WorkerStats   `json:"workers"`
	SharedMemory transport.Stats `json:"shared_memory"`
	UDPSent      uint64          `json:"udp_sent,omitempty"`
	UDPReceived  uint64          `json:"udp_received,omitempty"`
	Services     int             `json:"services"`
	LocalNodes   int             `json:"local_nodes"`
}

// Stats returns the node's current counters.
func (n *Node) Stats() NodeStats {
	s := NodeStats{
		NodeID:       n.id,
		Published:    n.published.Load(),
		Delivered:    n.delivered.Load(),
		SharedMemory: n.shmT.Snapshot(),
		Services:     n.bus.services.Len(),
		LocalNodes:   n.bus.router.Len(),
	}
	for _, q := range n.workers {
		depth, dropped := q.stats()
		s.Workers = append(s.Workers, WorkerStats{Depth: depth, Dropped: dropped})
	}
	if n.udp != nil {
		s.UDPSent, s.UDPReceived = n.udp.Counters()
	}
	return s
}

// StatsJSON serializes the snapshot for tooling.
func (n *Node) StatsJSON() ([]byte, error) {
	return sonnet.Marshal(n.Stats())
}
