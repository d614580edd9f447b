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

// Package wire defines the messages exchanged between evaluation workers and
// servers, and their binary encoding.
package wire

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/netip"

	"github.com/pkg/errors"
)

// Kind identifies the purpose of a message. A reply carries the same kind as
// the request it answers.
type Kind uint8

const (
	// KindRequestGenome asks a server for a genome assignment. The reply
	// carries the run id, the template hash and the genome.
	KindRequestGenome Kind = iota + 1
	// KindRequestTemplate asks for the template document matching a hash.
	KindRequestTemplate
	// KindReportScore carries the fitness score of a finished run.
	KindReportScore
)

var opcodes = map[Kind]string{
	KindRequestGenome:   "GENOME",
	KindRequestTemplate: "TEMPLATE",
	KindReportScore:     "SCORE",
}

func (k Kind) String() string {
	if op, ok := opcodes[k]; ok {
		return op
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Hash is the 128 bit content hash of a template document. It is only used
// to decide whether a cached template is current.
type Hash [4]uint32

// HashOf returns the content hash of a template document.
func HashOf(template []byte) Hash {
	sum := md5.Sum(template)
	var h Hash
	for i := range h {
		h[i] = binary.BigEndian.Uint32(sum[i*4:])
	}
	return h
}

// IsZero reports whether h is the zero hash, which no server ever assigns.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) String() string {
	var b [16]byte
	for i, w := range h {
		binary.BigEndian.PutUint32(b[i*4:], w)
	}
	return hex.EncodeToString(b[:])
}

// Message is a single protocol message. Messages are treated as immutable
// once decoded.
type Message struct {
	Kind   Kind
	RunID  uint32
	Sender netip.AddrPort
	Hash   Hash
	Score  float64

	// Genome is set on genome replies.
	Genome []float64
	// Template is set on template replies.
	Template []byte
}

// HasJob reports whether a genome reply actually assigns work. Servers with
// an empty job queue answer with run id 0 and no genome.
func (m *Message) HasJob() bool {
	return m.RunID != 0 && len(m.Genome) > 0
}

// ParseHash parses the hexadecimal form produced by Hash.String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 16 {
		return h, errors.Errorf("invalid content hash %q", s)
	}
	for i := range h {
		h[i] = binary.BigEndian.Uint32(b[i*4:])
	}
	return h, nil
}
