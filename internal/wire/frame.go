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
	"bufio"
	"io"

	"github.com/pkg/errors"
)

// Terminator ends every frame on terminator-framed channels. Stuff
// guarantees it never occurs inside a frame.
const Terminator = 0x00

const (
	escape    = 0xFF
	escNul    = 0x01
	escEscape = 0x02
)

var (
	// ErrBadEscape is returned by Unstuff for input that Stuff cannot have
	// produced.
	ErrBadEscape = errors.New("invalid escape sequence")
	// ErrFrameTooLarge is returned by ReadFrame when no terminator is found
	// within the size limit.
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
)

// Stuff escapes every 0x00 as (0xFF,0x01) and every 0xFF as (0xFF,0x02).
func Stuff(p []byte) []byte {
	n := len(p)
	for _, c := range p {
		if c == Terminator || c == escape {
			n++
		}
	}
	out := make([]byte, 0, n)
	for _, c := range p {
		switch c {
		case Terminator:
			out = append(out, escape, escNul)
		case escape:
			out = append(out, escape, escEscape)
		default:
			out = append(out, c)
		}
	}
	return out
}

// Unstuff reverses Stuff.
func Unstuff(p []byte) ([]byte, error) {
	out := make([]byte, 0, len(p))
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == Terminator {
			return nil, errors.Wrapf(ErrBadEscape, "raw terminator at offset %d", i)
		}
		if c != escape {
			out = append(out, c)
			continue
		}
		if i+1 == len(p) {
			return nil, errors.Wrap(ErrBadEscape, "dangling escape byte")
		}
		i++
		switch p[i] {
		case escNul:
			out = append(out, Terminator)
		case escEscape:
			out = append(out, escape)
		default:
			return nil, errors.Wrapf(ErrBadEscape, "unknown escape 0x%02x at offset %d", p[i], i)
		}
	}
	return out, nil
}

// WriteFrame writes payload stuffed and terminated as a single write, so
// that a short write is reported as such by the underlying writer.
func WriteFrame(w io.Writer, payload []byte) error {
	frame := append(Stuff(payload), Terminator)
	n, err := w.Write(frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return io.ErrShortWrite
	}
	return nil
}

// ReadFrame reads up to the next terminator and returns the unstuffed
// payload. maxSize bounds the stuffed frame length. A stream that ends in
// the middle of a frame yields io.ErrUnexpectedEOF.
func ReadFrame(r *bufio.Reader, maxSize int) ([]byte, error) {
	var frame []byte
	for {
		chunk, err := r.ReadSlice(Terminator)
		frame = append(frame, chunk...)
		if len(frame) > maxSize+1 {
			return nil, ErrFrameTooLarge
		}
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF && len(frame) > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return Unstuff(frame[:len(frame)-1])
}

// EncodeFrame returns the stuffed, terminated encoding of m.
func EncodeFrame(m *Message) []byte {
	return append(Stuff(Encode(m)), Terminator)
}
