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
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hujiansuntec-arch/Linux-RPC-Node/internal/config"
	"github.com/hujiansuntec-arch/Linux-RPC-Node/internal/ring"
	"github.com/hujiansuntec-arch/Linux-RPC-Node/internal/shm"
	"github.com/hujiansuntec-arch/Linux-RPC-Node/internal/transport"
	"github.com/hujiansuntec-arch/Linux-RPC-Node/internal/wire"
)

// Callback receives messages for a subscribed group. One callback serves
// the whole group; the topic identifies the subject within it.
type Callback func(group, topic string, payload []byte)

// LargeDataNotice announces a block on a large-data channel; it arrives
// as the payload of a normal message on the subject it was sent to.
type LargeDataNotice = wire.LargeDataNotice

// GroupTopics pairs a group with its subscribed topics.
type GroupTopics struct {
	Group  string
	Topics []string
}

type subscription struct {
	topics map[string]struct{}
	cb     Callback
	policy OverflowPolicy
}

type consumerChannel struct {
	ch     *shm.LargeDataChannel
	reader *shm.ChannelReader
}

// Option tunes node construction.
type Option func(*nodeOptions)

type nodeOptions struct {
	cfg        *config.Config
	logger     *zerolog.Logger
	policy     OverflowPolicy
	overflowCb OverflowCallback
}

// WithConfig overrides the bus configuration for this node.
func WithConfig(cfg Config) Option {
	return func(o *nodeOptions) {
		c := cfg
		o.cfg = &c
	}
}

// WithLogger overrides the bus logger for this node.
func WithLogger(l zerolog.Logger) Option {
	return func(o *nodeOptions) { o.logger = &l }
}

// WithOverflowPolicy sets the default worker-queue overflow policy.
func WithOverflowPolicy(p OverflowPolicy) Option {
	return func(o *nodeOptions) { o.policy = p }
}

// WithOverflowCallback installs the drop observer.
func WithOverflowCallback(cb OverflowCallback) Option {
	return func(o *nodeOptions) { o.overflowCb = cb }
}

// Node is one endpoint of the bus.
type Node struct {
	id  string
	bus *Bus
	cfg config.Config
	log zerolog.Logger

	running atomic.Bool
	closing atomic.Bool

	subsMu sync.Mutex
	subs   map[string]*subscription
	policy OverflowPolicy

	workers  []*workQueue
	workerWg sync.WaitGroup

	shmT *transport.SharedMemory
	udp  *transport.UDP

	hbStop chan struct{}
	hbWg   sync.WaitGroup

	chanMu    sync.Mutex
	ownChans  map[string]*shm.LargeDataChannel
	openChans map[string]*consumerChannel

	published atomic.Uint64
	delivered atomic.Uint64
}

var nodeSeq atomic.Uint64

// NewNode creates and starts a node on this bus. An empty id is replaced
// by a generated one; ids longer than 63 bytes are rejected.
func (b *Bus) NewNode(nodeID string, opts ...Option) (*Node, error) {
	o := nodeOptions{policy: DropOldest}
	for _, opt := range opts {
		opt(&o)
	}
	cfg := b.cfg
	if o.cfg != nil {
		cfg = *o.cfg
		cfg.Clamp()
	}
	logger := b.log
	if o.logger != nil {
		logger = *o.logger
	}

	if nodeID == "" {
		nodeID = fmt.Sprintf("node_%d_%d", os.Getpid(), nodeSeq.Add(1))
	}
	if len(nodeID) > wire.MaxNodeIDLen {
		return nil, ErrInvalidArg
	}
	if b.router.Contains(nodeID) {
		return nil, ErrAlreadyExists
	}

	if err := b.nodeStarted(); err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			b.nodeStopped()
		}
	}()

	// A directory entry with a live owner means the id is taken machine-
	// wide, not just in this process.
	if info, found := b.dirFind(nodeID); found && shm.ProcessAlive(info.PID) {
		return nil, ErrAlreadyExists
	}

	n := &Node{
		id:        nodeID,
		bus:       b,
		cfg:       cfg,
		log:       logger.With().Str("node", nodeID).Logger(),
		subs:      make(map[string]*subscription),
		policy:    o.policy,
		hbStop:    make(chan struct{}),
		ownChans:  make(map[string]*shm.LargeDataChannel),
		openChans: make(map[string]*consumerChannel),
	}

	shmT, err := transport.NewSharedMemory(nodeID, cfg, n.log)
	if err != nil {
		return nil, err
	}
	n.shmT = shmT
	shmT.SetHandler(n.dispatchPacket)
	shmT.SetPeerDownHook(n.peerDown)

	if cfg.EnableUDP {
		u, err := transport.NewUDP(cfg.UDPPort, n.log)
		if err != nil {
			shmT.Close()
			return nil, err
		}
		n.udp = u
		u.SetHandler(n.dispatchPacket)
	}

	n.workers = make([]*workQueue, cfg.ProcessingThreads)
	for i := range n.workers {
		n.workers[i] = newWorkQueue(cfg.MaxQueueSize, o.overflowCb)
	}

	n.running.Store(true)
	for _, q := range n.workers {
		n.workerWg.Add(1)
		go n.workerLoop(q)
	}
	shmT.Start()
	if n.udp != nil {
		n.udp.Start()
		n.hbWg.Add(1)
		go n.udpHeartbeatLoop()
	}

	b.protectSegment(shmT.SegmentName())
	b.router.Add(n)
	n.broadcastSystem(wire.MsgTypeNodeJoin, "", "", nil)

	ok = true
	n.log.Info().Msg("node started")
	return n, nil
}

func (b *Bus) dirFind(nodeID string) (shm.NodeInfo, bool) {
	b.mu.Lock()
	dir := b.dir
	b.mu.Unlock()
	if dir == nil {
		return shm.NodeInfo{}, false
	}
	return dir.Find(nodeID)
}

// NodeID returns this node's identifier.
func (n *Node) NodeID() string { return n.id }

// Subscribed reports whether this node currently consumes (group, topic).
func (n *Node) Subscribed(group, topic string) bool {
	n.subsMu.Lock()
	defer n.subsMu.Unlock()
	sub, ok := n.subs[group]
	if !ok {
		return false
	}
	_, ok = sub.topics[topic]
	return ok
}

// IsSubscribed is the public alias of Subscribed.
func (n *Node) IsSubscribed(group, topic string) bool {
	return n.Subscribed(group, topic)
}

// EnqueueLocal admits a message from an in-process sibling. The payload
// is handed over by reference; this is the zero-copy fast path.
func (n *Node) EnqueueLocal(source, group, topic string, payload []byte) {
	n.enqueue(source, group, topic, payload, true)
}

func (n *Node) enqueue(source, group, topic string, payload []byte, mayBlock bool) {
	if !n.running.Load() {
		return
	}
	n.subsMu.Lock()
	sub, ok := n.subs[group]
	var policy OverflowPolicy
	if ok {
		_, ok = sub.topics[topic]
		policy = sub.policy
	}
	n.subsMu.Unlock()
	if !ok {
		return
	}
	w := n.workers[subjectWorker(group, topic, len(n.workers))]
	w.enqueue(workItem{
		source:   source,
		group:    group,
		topic:    topic,
		payload:  payload,
		enqueued: time.Now(),
	}, policy, mayBlock)
}

func (n *Node) workerLoop(q *workQueue) {
	defer n.workerWg.Done()
	for {
		it, ok := q.dequeue()
		if !ok {
			return
		}
		n.subsMu.Lock()
		sub, found := n.subs[it.group]
		var cb Callback
		if found {
			if _, found = sub.topics[it.topic]; found {
				cb = sub.cb
			}
		}
		n.subsMu.Unlock()
		if cb == nil {
			continue // unsubscribed while queued
		}
		n.delivered.Add(1)
		cb(it.group, it.topic, it.payload)
	}
}

// Publish delivers payload to every advertised consumer of (group,
// topic). In-process siblings get a direct hand-off; remote consumers go
// through shared memory, or UDP when that is all they advertise. A node
// never receives its own messages, and a destination reachable in-process
// is never targeted remotely as well.
func (n *Node) Publish(group, topic string, payload []byte) error {
	if group == "" || topic == "" {
		return ErrInvalidArg
	}
	if !n.running.Load() {
		return ErrNotInitialized
	}
	pkt := &wire.Packet{
		Type:    wire.MsgTypeData,
		NodeID:  n.id,
		Group:   group,
		Topic:   topic,
		Payload: payload,
	}
	if n.udp != nil {
		pkt.Port = n.udp.Port()
	}
	if pkt.EncodedSize() > ring.MaxMsgSize {
		return ErrInvalidArg // beyond the small-message cap: use SendLargeData
	}
	n.published.Add(1)

	// In-process fan-out, self excluded.
	for _, sib := range n.bus.router.Snapshot() {
		if sib.NodeID() == n.id {
			continue
		}
		if sib.Subscribed(group, topic) {
			sib.EnqueueLocal(n.id, group, topic, payload)
		}
	}

	// Remote fan-out over the advertised transports. Destinations that
	// are local siblings were already covered above and must be skipped.
	var firstErr error
	encoded, err := wire.Encode(pkt)
	if err != nil {
		return ErrUnexpected
	}
	for _, d := range n.bus.services.Consumers(group, topic) {
		if d.NodeID == n.id || n.bus.router.Contains(d.NodeID) {
			continue
		}
		switch d.Transport {
		case wire.TransportSharedMemory:
			err = n.shmT.Send(d.NodeID, encoded)
		case wire.TransportUDP:
			if n.udp == nil || d.Endpoint == "" {
				continue
			}
			err = n.udp.Send(d.Endpoint, encoded)
		default:
			continue
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return n.mapSendErr(firstErr)
}

func (n *Node) mapSendErr(err error) error {
	switch err {
	case nil:
		return nil
	case transport.ErrQueueFull:
		return ErrTimeout
	case transport.ErrClosed:
		return ErrNotInitialized
	default:
		n.log.Debug().Err(err).Msg("delivery failure")
		return ErrNetwork
	}
}

// SubscribeOption tunes one subscription.
type SubscribeOption func(*subscription)

// WithSubscriptionPolicy overrides the overflow policy for this group.
func WithSubscriptionPolicy(p OverflowPolicy) SubscribeOption {
	return func(s *subscription) { s.policy = p }
}

// Subscribe unions topics into the group's subscription, installs (or
// replaces) the group callback, and advertises each (group, topic) to
// every known node. Repeated calls with the same arguments are no-ops on
// the wire beyond a redundant advertisement.
func (n *Node) Subscribe(group string, topics []string, cb Callback, opts ...SubscribeOption) error {
	if group == "" || len(topics) == 0 || cb == nil {
		return ErrInvalidArg
	}
	for _, t := range topics {
		if t == "" {
			return ErrInvalidArg
		}
	}
	if !n.running.Load() {
		return ErrNotInitialized
	}

	n.subsMu.Lock()
	sub, ok := n.subs[group]
	if !ok {
		sub = &subscription{topics: make(map[string]struct{}), policy: n.policy}
		n.subs[group] = sub
	}
	sub.cb = cb
	for _, opt := range opts {
		opt(sub)
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}
	n.subsMu.Unlock()

	for _, t := range topics {
		n.broadcastRegister(wire.MsgTypeServiceRegister, group, t, wire.ServiceNormal, "")
	}
	return nil
}

// Unsubscribe removes topics from the group (all of them when the list is
// empty), advertises the removal, and drops the group once no topic is
// left.
func (n *Node) Unsubscribe(group string, topics []string) error {
	if group == "" {
		return ErrInvalidArg
	}
	if !n.running.Load() {
		return ErrNotInitialized
	}

	n.subsMu.Lock()
	sub, ok := n.subs[group]
	if !ok {
		n.subsMu.Unlock()
		return ErrNotFound
	}
	var removed []string
	if len(topics) == 0 {
		for t := range sub.topics {
			removed = append(removed, t)
		}
		sub.topics = make(map[string]struct{})
	} else {
		for _, t := range topics {
			if _, ok := sub.topics[t]; ok {
				delete(sub.topics, t)
				removed = append(removed, t)
			}
		}
	}
	if len(sub.topics) == 0 {
		delete(n.subs, group)
	}
	n.subsMu.Unlock()

	for _, t := range removed {
		n.broadcastRegister(wire.MsgTypeServiceUnregister, group, t, wire.ServiceNormal, "")
	}
	return nil
}

// GetSubscriptions returns the node's current subscriptions.
func (n *Node) GetSubscriptions() []GroupTopics {
	n.subsMu.Lock()
	defer n.subsMu.Unlock()
	out := make([]GroupTopics, 0, len(n.subs))
	for group, sub := range n.subs {
		gt := GroupTopics{Group: group}
		for t := range sub.topics {
			gt.Topics = append(gt.Topics, t)
		}
		out = append(out, gt)
	}
	return out
}

// DiscoverServices queries the service registry for a group.
func (n *Node) DiscoverServices(group string, f *Filter) []ServiceDescriptor {
	return n.bus.services.Find(group, f)
}

// SendLargeData writes payload into the named large-data channel and
// publishes a fixed-size notification on (group, topic). The channel is
// created on first use and owned by this node.
func (n *Node) SendLargeData(group, channel, topic string, payload []byte) error {
	if group == "" || topic == "" || channel == "" || len(channel) >= 64 {
		return ErrInvalidArg
	}
	if len(payload) == 0 || int64(len(payload)) > n.cfg.LargeDataMaxBlock {
		return ErrInvalidArg
	}
	if !n.running.Load() {
		return ErrNotInitialized
	}

	ch, err := n.ownChannel(channel)
	if err != nil {
		return ErrUnexpected
	}
	seq, err := ch.WriteBlock(topic, payload)
	if err != nil {
		n.log.Error().Err(err).Str("channel", channel).Msg("large-data write failed")
		return ErrUnexpected
	}
	notice := wire.EncodeLargeDataNotice(&wire.LargeDataNotice{
		Channel:  channel,
		Sequence: seq,
		Size:     uint64(len(payload)),
	})
	return n.Publish(group, topic, notice)
}

func (n *Node) ownChannel(channel string) (*shm.LargeDataChannel, error) {
	n.chanMu.Lock()
	defer n.chanMu.Unlock()
	if ch, ok := n.ownChans[channel]; ok {
		return ch, nil
	}
	ch, err := shm.CreateChannel(channel, n.cfg.LargeDataBuffer, n.cfg.LargeDataMaxBlock)
	if err != nil {
		return nil, err
	}
	n.ownChans[channel] = ch
	n.bus.protectSegment(ch.Name)
	return ch, nil
}

// DecodeLargeDataNotice parses a notification payload received through a
// subscription callback.
func DecodeLargeDataNotice(payload []byte) (*LargeDataNotice, error) {
	notice, err := wire.DecodeLargeDataNotice(payload)
	if err != nil {
		return nil, ErrInvalidArg
	}
	return notice, nil
}

// FetchLargeData opens the channel named in the notification (lazily, the
// first time) and reads the announced block, returning its topic and
// payload.
func (n *Node) FetchLargeData(notice *LargeDataNotice) (string, []byte, error) {
	if notice == nil || notice.Channel == "" {
		return "", nil, ErrInvalidArg
	}
	if !n.running.Load() {
		return "", nil, ErrNotInitialized
	}
	n.chanMu.Lock()
	cc, ok := n.openChans[notice.Channel]
	if !ok {
		ch, err := shm.OpenChannel(notice.Channel, n.cfg.LargeDataMaxBlock)
		if err != nil {
			n.chanMu.Unlock()
			return "", nil, ErrNotFound
		}
		reader, err := ch.AttachReader()
		if err != nil {
			ch.Release()
			n.chanMu.Unlock()
			return "", nil, ErrUnexpected
		}
		cc = &consumerChannel{ch: ch, reader: reader}
		n.openChans[notice.Channel] = cc
	}
	n.chanMu.Unlock()

	topic, data, err := cc.reader.ReadBlock(notice.Sequence)
	switch err {
	case nil:
		return topic, data, nil
	case shm.ErrBlockNotFound, shm.ErrReaderOverrun:
		return "", nil, ErrNotFound
	default:
		return "", nil, ErrUnexpected
	}
}

// dispatchPacket is the entry point for both transports' receive paths.
// System messages from self are filtered; data payloads are copied before
// they cross into the worker queues because the transport scratch buffer
// is reused.
func (n *Node) dispatchPacket(p *wire.Packet) {
	if p.NodeID == n.id {
		return
	}
	switch p.Type {
	case wire.MsgTypeData:
		payload := append([]byte(nil), p.Payload...)
		n.enqueue(p.NodeID, p.Group, p.Topic, payload, false)

	case wire.MsgTypeServiceRegister, wire.MsgTypeSubscribe:
		rp, err := wire.DecodeRegister(p.Payload)
		if err != nil {
			n.log.Debug().Err(err).Msg("bad register payload")
			return
		}
		n.bus.services.Register(ServiceDescriptor{
			NodeID:    p.NodeID,
			Group:     p.Group,
			Topic:     p.Topic,
			Service:   rp.Service,
			Transport: rp.Transport,
			Channel:   rp.Channel,
			Endpoint:  rp.Endpoint,
		})

	case wire.MsgTypeServiceUnregister, wire.MsgTypeUnsubscribe:
		n.bus.services.Unregister(p.NodeID, p.Group, p.Topic)

	case wire.MsgTypeNodeJoin, wire.MsgTypeQuerySubscriptions:
		// A joiner learns existing services from everyone re-advertising
		// directly to it.
		n.sendRegistersTo(p.NodeID)

	case wire.MsgTypeNodeLeave:
		n.bus.services.RemoveNode(p.NodeID)
		n.shmT.DropPeer(p.NodeID)

	case wire.MsgTypeHeartbeat, wire.MsgTypeSubscriptionReply:
		// Liveness bookkeeping only; nothing to dispatch.

	default:
		n.log.Debug().Uint8("type", uint8(p.Type)).Msg("unknown message type dropped")
	}
}

// peerDown is invoked by the transport when a peer's process dies or its
// heartbeat goes stale.
func (n *Node) peerDown(nodeID string) {
	removed := n.bus.services.RemoveNode(nodeID)
	n.log.Info().Str("peer", nodeID).Int("services", removed).Msg("peer services removed")
}

// broadcastRegister advertises one (group, topic) capability change to
// every node in the directory, over every transport this node runs.
func (n *Node) broadcastRegister(t wire.MessageType, group, topic string, svc wire.ServiceType, channel string) {
	rp := &wire.RegisterPayload{Service: svc, Transport: wire.TransportSharedMemory, Channel: channel}
	n.broadcastSystem(t, group, topic, wire.EncodeRegister(rp))

	if n.udp != nil {
		// Peers that can only reach us over UDP learn the endpoint form;
		// priority on the receiving side keeps shared memory preferred.
		rpu := &wire.RegisterPayload{
			Service:   svc,
			Transport: wire.TransportUDP,
			Channel:   channel,
			Endpoint:  fmt.Sprintf("127.0.0.1:%d", n.udp.Port()),
		}
		n.broadcastUDP(t, group, topic, wire.EncodeRegister(rpu))
	}
}

// broadcastSystem sends a system packet to every directory node but self.
func (n *Node) broadcastSystem(t wire.MessageType, group, topic string, payload []byte) {
	pkt := n.systemPacket(t, group, topic, payload)
	encoded, err := wire.Encode(pkt)
	if err != nil {
		return
	}
	for _, info := range n.shmT.Directory().Snapshot() {
		if info.NodeID == n.id {
			continue
		}
		if err := n.shmT.Send(info.NodeID, encoded); err != nil {
			n.log.Debug().Err(err).Str("peer", info.NodeID).
				Str("type", t.String()).Msg("system broadcast skipped peer")
		}
	}
}

// broadcastUDP sends a system packet to every endpoint learned from
// descriptors; UDP peers are only addressable once they advertised one.
func (n *Node) broadcastUDP(t wire.MessageType, group, topic string, payload []byte) {
	pkt := n.systemPacket(t, group, topic, payload)
	encoded, err := wire.Encode(pkt)
	if err != nil {
		return
	}
	for _, ep := range n.udpPeers() {
		if err := n.udp.Send(ep, encoded); err != nil {
			n.log.Debug().Err(err).Str("endpoint", ep).Msg("udp broadcast failed")
		}
	}
}

// sendRegistersTo re-advertises every local subscription directly to one
// node, so late joiners learn existing services.
func (n *Node) sendRegistersTo(nodeID string) {
	for _, gt := range n.GetSubscriptions() {
		for _, topic := range gt.Topics {
			rp := &wire.RegisterPayload{Service: wire.ServiceNormal, Transport: wire.TransportSharedMemory}
			pkt := n.systemPacket(wire.MsgTypeServiceRegister, gt.Group, topic, wire.EncodeRegister(rp))
			encoded, err := wire.Encode(pkt)
			if err != nil {
				continue
			}
			if err := n.shmT.Send(nodeID, encoded); err != nil {
				n.log.Debug().Err(err).Str("peer", nodeID).Msg("register replay failed")
				return
			}
		}
	}
}

func (n *Node) systemPacket(t wire.MessageType, group, topic string, payload []byte) *wire.Packet {
	pkt := &wire.Packet{Type: t, NodeID: n.id, Group: group, Topic: topic, Payload: payload}
	if n.udp != nil {
		pkt.Port = n.udp.Port()
	}
	return pkt
}

// udpHeartbeatLoop keeps UDP-only peers' liveness bookkeeping fresh; the
// shared-memory side heartbeats through the segment and directory.
func (n *Node) udpHeartbeatLoop() {
	defer n.hbWg.Done()
	ticker := time.NewTicker(n.cfg.HeartbeatPeriod())
	defer ticker.Stop()
	for {
		select {
		case <-n.hbStop:
			return
		case <-ticker.C:
		}
		pkt := n.systemPacket(wire.MsgTypeHeartbeat, "sys", "hb", nil)
		encoded, err := wire.Encode(pkt)
		if err != nil {
			continue
		}
		for _, ep := range n.udpPeers() {
			n.udp.Send(ep, encoded)
		}
	}
}

// udpPeers returns the distinct UDP endpoints known from descriptors.
func (n *Node) udpPeers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range n.bus.services.All() {
		if d.Endpoint == "" || seen[d.Endpoint] {
			continue
		}
		seen[d.Endpoint] = true
		out = append(out, d.Endpoint)
	}
	return out
}

// Close shuts the node down: announces departure, stops the transports
// and workers, releases channels, and leaves the router. Idempotent.
func (n *Node) Close() error {
	if !n.closing.CompareAndSwap(false, true) {
		return nil
	}
	// The leave broadcast needs the transports still running.
	n.broadcastSystem(wire.MsgTypeNodeLeave, "", "", nil)
	n.running.Store(false)

	n.bus.router.Remove(n)
	n.bus.services.RemoveNode(n.id)

	close(n.hbStop)
	n.hbWg.Wait()
	if n.udp != nil {
		n.udp.Close()
	}
	n.bus.unprotectSegment(n.shmT.SegmentName())
	err := n.shmT.Close()

	for _, q := range n.workers {
		q.close()
	}
	n.workerWg.Wait()

	n.chanMu.Lock()
	for _, ch := range n.ownChans {
		n.bus.unprotectSegment(ch.Name)
		ch.Release()
	}
	n.ownChans = make(map[string]*shm.LargeDataChannel)
	for _, cc := range n.openChans {
		cc.reader.Close()
		cc.ch.Release()
	}
	n.openChans = make(map[string]*consumerChannel)
	n.chanMu.Unlock()

	n.bus.nodeStopped()
	n.log.Info().Msg("node stopped")
	return err
}
