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

package wire

import (
	"encoding/binary"
)

// RegisterPayload is the body of SERVICE_REGISTER / SERVICE_UNREGISTER
// packets; the advertised (group, topic) travel in the packet header
// fields.
type RegisterPayload struct {
	Service   ServiceType
	Transport TransportKind
	Channel   string // large-data channel name, empty otherwise
	Endpoint  string // udp host:port, empty otherwise
}

// EncodeRegister serializes a register payload.
func EncodeRegister(rp *RegisterPayload) []byte {
	buf := make([]byte, 2+2+len(rp.Channel)+2+len(rp.Endpoint))
	buf[0] = byte(rp.Service)
	buf[1] = byte(rp.Transport)
	off := 2
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(rp.Channel)))
	off += 2
	off += copy(buf[off:], rp.Channel)
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(rp.Endpoint)))
	off += 2
	copy(buf[off:], rp.Endpoint)
	return buf
}

// DecodeRegister parses a register payload.
func DecodeRegister(buf []byte) (*RegisterPayload, error) {
	if len(buf) < 4 {
		return nil, ErrBadPacket
	}
	rp := &RegisterPayload{
		Service:   ServiceType(buf[0]),
		Transport: TransportKind(buf[1]),
	}
	off := 2
	chLen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	if len(buf) < off+chLen+2 {
		return nil, ErrBadPacket
	}
	rp.Channel = string(buf[off : off+chLen])
	off += chLen
	epLen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	if len(buf) < off+epLen {
		return nil, ErrBadPacket
	}
	rp.Endpoint = string(buf[off : off+epLen])
	return rp, nil
}

// LargeDataNoticeSize is the fixed size of a large-data notification
// record published as a normal message.
const LargeDataNoticeSize = 64 + 4 + 8

// LargeDataNotice announces a block written to a large-data channel.
type LargeDataNotice struct {
	Channel  string
	Sequence uint32
	Size     uint64
}

// EncodeLargeDataNotice serializes the fixed-size notification record.
func EncodeLargeDataNotice(n *LargeDataNotice) []byte {
	buf := make([]byte, LargeDataNoticeSize)
	copy(buf[:64], n.Channel)
	binary.LittleEndian.PutUint32(buf[64:], n.Sequence)
	binary.LittleEndian.PutUint64(buf[68:], n.Size)
	return buf
}

// DecodeLargeDataNotice parses a notification record.
func DecodeLargeDataNotice(buf []byte) (*LargeDataNotice, error) {
	if len(buf) != LargeDataNoticeSize {
		return nil, ErrBadPacket
	}
	end := 0
	for end < 64 && buf[end] != 0 {
		end++
	}
	return &LargeDataNotice{
		Channel:  string(buf[:end]),
		Sequence: binary.LittleEndian.Uint32(buf[64:]),
		Size:     binary.LittleEndian.Uint64(buf[68:]),
	}, nil
}
