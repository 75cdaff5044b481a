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

package transport

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/hujiansuntec-arch/Linux-RPC-Node/internal/wire"
)

// maxUDPPacket bounds a datagram read; large payloads travel over the
// large-data channel, not UDP.
const maxUDPPacket = 64 * 1024

// UDP is the fallback transport for peers without a reachable segment.
// It carries the same packet format as shared memory over a unicast
// socket; endpoints come from ServiceDescriptors, never from scanning.
type UDP struct {
	log     zerolog.Logger
	handler PacketHandler

	conn    *net.UDPConn
	port    uint16
	running atomic.Bool
	wg      sync.WaitGroup

	sent     atomic.Uint64
	received atomic.Uint64
}

// NewUDP binds a local socket. Port 0 picks an ephemeral port.
func NewUDP(port int, logger zerolog.Logger) (*UDP, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, err
	}
	local := conn.LocalAddr().(*net.UDPAddr)
	return &UDP{
		log:  logger.With().Str("component", "udp-transport").Int("port", local.Port).Logger(),
		conn: conn,
		port: uint16(local.Port),
	}, nil
}

// SetHandler installs the packet dispatcher. Must be called before Start.
func (u *UDP) SetHandler(h PacketHandler) { u.handler = h }

// Port returns the bound local port, advertised in packet headers.
func (u *UDP) Port() uint16 { return u.port }

// Start launches the datagram receive loop.
func (u *UDP) Start() {
	if !u.running.CompareAndSwap(false, true) {
		return
	}
	u.wg.Add(1)
	go u.receiveLoop()
}

// Send transmits one encoded packet to an endpoint ("host:port").
func (u *UDP) Send(endpoint string, pkt []byte) error {
	if !u.running.Load() {
		return ErrClosed
	}
	addr, err := net.ResolveUDPAddr("udp4", endpoint)
	if err != nil {
		return err
	}
	if _, err := u.conn.WriteToUDP(pkt, addr); err != nil {
		return err
	}
	u.sent.Add(1)
	return nil
}

func (u *UDP) receiveLoop() {
	defer u.wg.Done()
	buf := make([]byte, maxUDPPacket)
	for u.running.Load() {
		n, _, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if u.running.Load() && !errors.Is(err, net.ErrClosed) {
				u.log.Warn().Err(err).Msg("udp read failed")
			}
			continue
		}
		pkt, derr := wire.Decode(buf[:n])
		if derr != nil {
			continue // dropped silently, per the wire contract
		}
		u.received.Add(1)
		if u.handler != nil {
			u.handler(pkt)
		}
	}
}

// Close stops the receive loop and releases the socket. Idempotent.
func (u *UDP) Close() error {
	if !u.running.CompareAndSwap(true, false) {
		return nil
	}
	err := u.conn.Close()
	u.wg.Wait()
	return err
}

// Counters returns (sent, received) datagram counts.
func (u *UDP) Counters() (uint64, uint64) {
	return u.sent.Load(), u.received.Load()
}
