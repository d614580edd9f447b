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

package wire

import (
	"encoding/binary"
	"math"
	"net/netip"
	"strings"

	"github.com/pkg/errors"
)

// Version is the header layout version written by Encode.
//
// Version 1 header, all integers big-endian:
//
//	offset size field
//	0      1    version
//	1      8    opcode, ASCII, NUL padded
//	9      4    genome length (number of float64 values)
//	13     4    template length (bytes)
//	17     4    run id
//	21     16   sender IP (IPv4 is stored mapped into IPv6)
//	37     2    sender port
//	39     16   content hash, 4 x uint32
//	55     8    score, IEEE 754 bits
//
// The header is followed by the genome values and then the template bytes.
const Version = 1

const (
	opcodeSize = 8
	// HeaderSize is the encoded size of a message without payload.
	HeaderSize = 1 + opcodeSize + 4 + 4 + 4 + 16 + 2 + 16 + 8
)

var (
	// ErrIncompleteMessage is returned when a buffer ends before the message
	// it describes.
	ErrIncompleteMessage = errors.New("incomplete message")
	// ErrMalformedMessage is returned for buffers that are long enough but do
	// not hold a valid message.
	ErrMalformedMessage = errors.New("malformed message")
)

// Encode serializes m into a newly allocated buffer.
func Encode(m *Message) []byte {
	b := make([]byte, HeaderSize+8*len(m.Genome)+len(m.Template))
	b[0] = Version
	copy(b[1:1+opcodeSize], opcodes[m.Kind])
	off := 1 + opcodeSize
	binary.BigEndian.PutUint32(b[off:], uint32(len(m.Genome)))
	binary.BigEndian.PutUint32(b[off+4:], uint32(len(m.Template)))
	binary.BigEndian.PutUint32(b[off+8:], m.RunID)
	off += 12

	ip := m.Sender.Addr().As16()
	copy(b[off:], ip[:])
	binary.BigEndian.PutUint16(b[off+16:], m.Sender.Port())
	off += 18

	for _, w := range m.Hash {
		binary.BigEndian.PutUint32(b[off:], w)
		off += 4
	}
	binary.BigEndian.PutUint64(b[off:], math.Float64bits(m.Score))
	off += 8

	for _, v := range m.Genome {
		binary.BigEndian.PutUint64(b[off:], math.Float64bits(v))
		off += 8
	}
	copy(b[off:], m.Template)
	return b
}

// Decode parses a message produced by Encode. It never reads past the end of
// b: a short buffer yields ErrIncompleteMessage.
func Decode(b []byte) (*Message, error) {
	if len(b) < HeaderSize {
		return nil, ErrIncompleteMessage
	}
	if b[0] != Version {
		return nil, errors.Wrapf(ErrMalformedMessage, "unsupported version %d", b[0])
	}
	kind, err := parseOpcode(b[1 : 1+opcodeSize])
	if err != nil {
		return nil, err
	}

	off := 1 + opcodeSize
	genomeLen := binary.BigEndian.Uint32(b[off:])
	templateLen := binary.BigEndian.Uint32(b[off+4:])
	m := &Message{
		Kind:  kind,
		RunID: binary.BigEndian.Uint32(b[off+8:]),
	}
	off += 12

	need := uint64(HeaderSize) + 8*uint64(genomeLen) + uint64(templateLen)
	if uint64(len(b)) < need {
		return nil, ErrIncompleteMessage
	}
	if uint64(len(b)) > need {
		return nil, errors.Wrapf(ErrMalformedMessage, "%d trailing bytes", uint64(len(b))-need)
	}

	var ip [16]byte
	copy(ip[:], b[off:off+16])
	port := binary.BigEndian.Uint16(b[off+16:])
	if addr := netip.AddrFrom16(ip).Unmap(); ip != [16]byte{} || port != 0 {
		m.Sender = netip.AddrPortFrom(addr, port)
	}
	off += 18

	for i := range m.Hash {
		m.Hash[i] = binary.BigEndian.Uint32(b[off:])
		off += 4
	}
	m.Score = math.Float64frombits(binary.BigEndian.Uint64(b[off:]))
	off += 8

	if genomeLen > 0 {
		m.Genome = make([]float64, genomeLen)
		for i := range m.Genome {
			m.Genome[i] = math.Float64frombits(binary.BigEndian.Uint64(b[off:]))
			off += 8
		}
	}
	if templateLen > 0 {
		m.Template = make([]byte, templateLen)
		copy(m.Template, b[off:])
	}
	return m, nil
}

func parseOpcode(b []byte) (Kind, error) {
	op := strings.TrimRight(string(b), "\x00")
	for k, name := range opcodes {
		if name == op {
			return k, nil
		}
	}
	return 0, errors.Wrapf(ErrMalformedMessage, "unknown opcode %q", op)
}
