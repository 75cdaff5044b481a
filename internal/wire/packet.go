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

// Package wire defines the packet format shared by the shared-memory and
// UDP transports. All multi-byte fields are little-endian; a packet with a
// wrong magic, version, or checksum is dropped silently by receivers.
package wire

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

//go:generate stringer -type=MessageType -trimprefix=MsgType

// MessageType tags a packet in the fixed header.
type MessageType uint8

const (
	MsgTypeData MessageType = iota
	MsgTypeSubscribe
	MsgTypeUnsubscribe
	MsgTypeQuerySubscriptions
	MsgTypeSubscriptionReply
	MsgTypeServiceRegister
	MsgTypeServiceUnregister
	MsgTypeNodeJoin
	MsgTypeNodeLeave
	MsgTypeHeartbeat
)

//go:generate stringer -type=TransportKind -trimprefix=Transport

// TransportKind identifies how a service is reachable. Ordering matters:
// higher values win when descriptors for the same capability collide.
type TransportKind uint8

const (
	TransportInProcess TransportKind = iota
	TransportUDP
	TransportSharedMemory
)

// ServiceType distinguishes normal messages from large-data channels.
type ServiceType uint8

const (
	ServiceNormal ServiceType = iota
	ServiceLargeData
)

const (
	// PacketMagic spells "LRPC" read from its most significant byte; on
	// the wire (little-endian) the bytes are "CPRL".
	PacketMagic = uint32(0x4C525043)

	// PacketVersion is the current wire version.
	PacketVersion = uint16(1)

	// HeaderSize is the fixed packet header length.
	HeaderSize = 86

	// MaxNodeIDLen bounds node identifiers (NUL-padded 64-byte field,
	// printable, always shorter than the field).
	MaxNodeIDLen = 63

	nodeIDFieldSize = 64
	checksumOffset  = 16
)

var (
	// ErrShortPacket means the buffer cannot hold a full header.
	ErrShortPacket = errors.New("wire: short packet")
	// ErrBadPacket covers wrong magic, version, checksum, or lengths.
	ErrBadPacket = errors.New("wire: bad packet")
	// ErrFieldTooLong means a group/topic/node id exceeds its field.
	ErrFieldTooLong = errors.New("wire: field too long")
)

// Packet is a decoded bus packet.
type Packet struct {
	Type    MessageType
	NodeID  string // source node
	Group   string
	Topic   string
	Payload []byte
	Port    uint16 // discovery aid; 0 when absent
}

// EncodedSize returns the full wire size of the packet.
func (p *Packet) EncodedSize() int {
	return HeaderSize + len(p.Group) + len(p.Topic) + len(p.Payload)
}

// Encode serializes the packet. The checksum covers everything after the
// checksum field itself.
func Encode(p *Packet) ([]byte, error) {
	if len(p.NodeID) > MaxNodeIDLen {
		return nil, ErrFieldTooLong
	}
	if len(p.Group) > 0xFFFF || len(p.Topic) > 0xFFFF {
		return nil, ErrFieldTooLong
	}
	buf := make([]byte, p.EncodedSize())
	binary.LittleEndian.PutUint32(buf[0:], PacketMagic)
	binary.LittleEndian.PutUint16(buf[4:], PacketVersion)
	buf[6] = byte(p.Type)
	buf[7] = 0 // reserved
	binary.LittleEndian.PutUint16(buf[8:], uint16(len(p.Group)))
	binary.LittleEndian.PutUint16(buf[10:], uint16(len(p.Topic)))
	binary.LittleEndian.PutUint32(buf[12:], uint32(len(p.Payload)))
	// checksum at 16, filled below
	copy(buf[20:20+nodeIDFieldSize], p.NodeID)
	binary.LittleEndian.PutUint16(buf[84:], p.Port)
	off := HeaderSize
	off += copy(buf[off:], p.Group)
	off += copy(buf[off:], p.Topic)
	copy(buf[off:], p.Payload)

	sum := crc32.ChecksumIEEE(buf[checksumOffset+4:])
	binary.LittleEndian.PutUint32(buf[checksumOffset:], sum)
	return buf, nil
}

// Decode parses and validates a packet. The returned Packet aliases buf's
// payload bytes; callers that retain the payload must copy it.
func Decode(buf []byte) (*Packet, error) {
	if len(buf) < HeaderSize {
		return nil, ErrShortPacket
	}
	if binary.LittleEndian.Uint32(buf[0:]) != PacketMagic {
		return nil, ErrBadPacket
	}
	if binary.LittleEndian.Uint16(buf[4:]) != PacketVersion {
		return nil, ErrBadPacket
	}
	groupLen := int(binary.LittleEndian.Uint16(buf[8:]))
	topicLen := int(binary.LittleEndian.Uint16(buf[10:]))
	payloadLen := int(binary.LittleEndian.Uint32(buf[12:]))
	if len(buf) != HeaderSize+groupLen+topicLen+payloadLen {
		return nil, ErrBadPacket
	}
	want := binary.LittleEndian.Uint32(buf[checksumOffset:])
	if crc32.ChecksumIEEE(buf[checksumOffset+4:]) != want {
		return nil, ErrBadPacket
	}

	idEnd := 20
	for idEnd < 20+nodeIDFieldSize && buf[idEnd] != 0 {
		idEnd++
	}
	p := &Packet{
		Type:   MessageType(buf[6]),
		NodeID: string(buf[20:idEnd]),
		Port:   binary.LittleEndian.Uint16(buf[84:]),
	}
	off := HeaderSize
	p.Group = string(buf[off : off+groupLen])
	off += groupLen
	p.Topic = string(buf[off : off+topicLen])
	off += topicLen
	p.Payload = buf[off : off+payloadLen]
	return p, nil
}
