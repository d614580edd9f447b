// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fec

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/klauspost/reedsolomon"
	"github.com/pkg/errors"
	"github.com/rs/xid"
)

const (
	// HeaderSize prefixes every packet:
	// msgID [12]byte | index u16 | total u16 | dataShards u16 | payloadLen u32.
	HeaderSize = 12 + 2 + 2 + 2 + 4
	// MaxShards is the largest code length of the GF(2^8) Reed-Solomon code.
	MaxShards = 256
	// MaxShardSize keeps a packet within one UDP datagram.
	MaxShardSize = 65507 - HeaderSize
)

var (
	// ErrNotEnoughShards is returned when fewer than dataShards distinct
	// packets of a message are available.
	ErrNotEnoughShards = errors.New("not enough shards to reconstruct message")
	// ErrPayloadTooLarge is returned when a payload cannot be coded within
	// MaxShards packets of at most MaxShardSize bytes.
	ErrPayloadTooLarge = errors.New("payload too large for forward error correction")
	// ErrBadPacket is returned for packets with an inconsistent header.
	ErrBadPacket = errors.New("malformed fec packet")
)

// Shape returns the number of data shards k, total shards n and shard size
// used for a payload of size bytes. n is ceil(k*(1+redundancy/100)) and at
// least k+1 when redundancy is positive. The shard size grows beyond
// shardSize when that is needed to keep n within MaxShards.
func Shape(size, shardSize, redundancy int) (k, n, per int, err error) {
	if shardSize <= 0 || shardSize > MaxShardSize {
		return 0, 0, 0, errors.Errorf("shard size %d out of range (0, %d]", shardSize, MaxShardSize)
	}
	if redundancy < 0 {
		return 0, 0, 0, errors.Errorf("negative redundancy %d", redundancy)
	}
	total := func(k int) int {
		n := (k*(100+redundancy) + 99) / 100
		if redundancy > 0 && n < k+1 {
			n = k + 1
		}
		return n
	}

	if size == 0 {
		size = 1
	}
	per = shardSize
	k = (size + per - 1) / per
	if n = total(k); n > MaxShards {
		maxK := MaxShards
		for maxK > 0 && total(maxK) > MaxShards {
			maxK--
		}
		if maxK == 0 {
			return 0, 0, 0, ErrPayloadTooLarge
		}
		per = (size + maxK - 1) / maxK
		if per > MaxShardSize {
			return 0, 0, 0, ErrPayloadTooLarge
		}
		k = (size + per - 1) / per
		n = total(k)
	}
	return k, n, per, nil
}

// Encode splits payload into n packets tagged with id, any k of which
// reconstruct it.
func Encode(id xid.ID, payload []byte, shardSize, redundancy int) ([][]byte, error) {
	k, n, _, err := Shape(len(payload), shardSize, redundancy)
	if err != nil {
		return nil, err
	}
	data := payload
	if len(data) == 0 {
		data = []byte{0}
	}

	var shards [][]byte
	if n == k {
		shards, err = splitData(data, k)
	} else {
		var enc reedsolomon.Encoder
		enc, err = reedsolomon.New(k, n-k)
		if err == nil {
			shards, err = enc.Split(append([]byte(nil), data...))
		}
		if err == nil {
			err = enc.Encode(shards)
		}
	}
	if err != nil {
		return nil, errors.Wrap(err, "cannot encode shards")
	}

	packets := make([][]byte, n)
	for i, shard := range shards {
		p := make([]byte, HeaderSize+len(shard))
		copy(p, id[:])
		binary.BigEndian.PutUint16(p[12:], uint16(i))
		binary.BigEndian.PutUint16(p[14:], uint16(n))
		binary.BigEndian.PutUint16(p[16:], uint16(k))
		binary.BigEndian.PutUint32(p[18:], uint32(len(payload)))
		copy(p[HeaderSize:], shard)
		packets[i] = p
	}
	return packets, nil
}

func splitData(data []byte, k int) ([][]byte, error) {
	per := (len(data) + k - 1) / k
	padded := make([]byte, per*k)
	copy(padded, data)
	shards := make([][]byte, k)
	for i := range shards {
		shards[i] = padded[i*per : (i+1)*per]
	}
	return shards, nil
}

type header struct {
	id         xid.ID
	index      int
	total      int
	dataShards int
	payloadLen int
}

func parseHeader(p []byte) (header, error) {
	var h header
	if len(p) <= HeaderSize {
		return h, errors.Wrapf(ErrBadPacket, "packet of %d bytes", len(p))
	}
	copy(h.id[:], p[:12])
	h.index = int(binary.BigEndian.Uint16(p[12:]))
	h.total = int(binary.BigEndian.Uint16(p[14:]))
	h.dataShards = int(binary.BigEndian.Uint16(p[16:]))
	h.payloadLen = int(binary.BigEndian.Uint32(p[18:]))
	switch {
	case h.dataShards == 0, h.total < h.dataShards, h.total > MaxShards:
		return h, errors.Wrapf(ErrBadPacket, "%d of %d shards", h.dataShards, h.total)
	case h.index >= h.total:
		return h, errors.Wrapf(ErrBadPacket, "index %d of %d", h.index, h.total)
	case h.payloadLen > h.dataShards*(len(p)-HeaderSize):
		return h, errors.Wrapf(ErrBadPacket, "payload length %d exceeds shard capacity", h.payloadLen)
	}
	return h, nil
}

type partial struct {
	header
	shardSize int
	shards    [][]byte
	have      int
	started   time.Time
}

// Assembler collects packets of many messages and reconstructs each one
// once k distinct shards have arrived. It is not safe for concurrent use.
type Assembler struct {
	partials map[xid.ID]*partial
	// done remembers completed messages so their surplus packets are dropped.
	done map[xid.ID]time.Time
	now  func() time.Time
}

// NewAssembler returns an empty Assembler.
func NewAssembler() *Assembler {
	return &Assembler{
		partials: map[xid.ID]*partial{},
		done:     map[xid.ID]time.Time{},
		now:      time.Now,
	}
}

// Add records one packet. When the packet completes its message, the
// reconstructed payload is returned with ok set. Duplicate indices and
// packets of already completed messages are ignored.
func (a *Assembler) Add(packet []byte) (id xid.ID, payload []byte, ok bool, err error) {
	h, err := parseHeader(packet)
	if err != nil {
		return id, nil, false, err
	}
	if _, finished := a.done[h.id]; finished {
		return h.id, nil, false, nil
	}
	shard := packet[HeaderSize:]
	p, found := a.partials[h.id]
	if !found {
		p = &partial{header: h, shardSize: len(shard), shards: make([][]byte, h.total), started: a.now()}
		a.partials[h.id] = p
	}
	if h.total != p.total || h.dataShards != p.dataShards || h.payloadLen != p.payloadLen || len(shard) != p.shardSize {
		return h.id, nil, false, errors.Wrapf(ErrBadPacket, "packet %d disagrees with message %s", h.index, h.id)
	}
	if p.shards[h.index] != nil {
		return h.id, nil, false, nil
	}
	p.shards[h.index] = append([]byte(nil), shard...)
	p.have++
	if p.have < p.dataShards {
		return h.id, nil, false, nil
	}

	delete(a.partials, h.id)
	a.done[h.id] = a.now()
	payload, err = p.reconstruct()
	if err != nil {
		return h.id, nil, false, err
	}
	return h.id, payload, true, nil
}

// Pending returns the number of incomplete messages.
func (a *Assembler) Pending() int {
	return len(a.partials)
}

// Expire forgets incomplete and completed messages first seen more than
// maxAge ago and returns how many incomplete ones were dropped.
func (a *Assembler) Expire(maxAge time.Duration) int {
	cutoff := a.now().Add(-maxAge)
	dropped := 0
	for id, p := range a.partials {
		if p.started.Before(cutoff) {
			delete(a.partials, id)
			dropped++
		}
	}
	for id, t := range a.done {
		if t.Before(cutoff) {
			delete(a.done, id)
		}
	}
	return dropped
}

func (p *partial) reconstruct() ([]byte, error) {
	k := p.dataShards
	if p.total > k {
		missing := false
		for _, s := range p.shards[:k] {
			if s == nil {
				missing = true
				break
			}
		}
		if missing {
			enc, err := reedsolomon.New(k, p.total-k)
			if err != nil {
				return nil, errors.Wrap(err, "cannot create decoder")
			}
			if err := enc.ReconstructData(p.shards); err != nil {
				return nil, errors.Wrap(err, "cannot reconstruct shards")
			}
			recordRecovered()
		}
	}
	var buf bytes.Buffer
	buf.Grow(p.payloadLen)
	for _, s := range p.shards[:k] {
		buf.Write(s)
	}
	return buf.Bytes()[:p.payloadLen], nil
}

// Decode reconstructs a single message from its packets.
func Decode(packets [][]byte) ([]byte, error) {
	a := NewAssembler()
	for _, p := range packets {
		_, payload, ok, err := a.Add(p)
		if err != nil {
			return nil, err
		}
		if ok {
			return payload, nil
		}
	}
	return nil, ErrNotEnoughShards
}
