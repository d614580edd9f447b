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

package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"syscall"

	"evalfarm.dev/evalfarm/internal/wire"
	"github.com/pkg/errors"
)

// ErrorKind classifies transport failures.
type ErrorKind int

const (
	// ConnectFailed means no connection to the host could be established.
	ConnectFailed ErrorKind = iota + 1
	// Timeout means the call deadline fired before the reply arrived.
	Timeout
	// ShortRead means the peer closed before a complete reply was read.
	ShortRead
	// ShortWrite means the request could not be written completely.
	ShortWrite
	// Protocol means the peer replied with something that is not a valid
	// answer to the request.
	Protocol
)

func (k ErrorKind) String() string {
	switch k {
	case ConnectFailed:
		return "connect failed"
	case Timeout:
		return "timeout"
	case ShortRead:
		return "short read"
	case ShortWrite:
		return "short write"
	case Protocol:
		return "protocol error"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// ErrNoJob is returned by RequestGenome when the server has nothing to
// evaluate. It is not a host failure.
var ErrNoJob = errors.New("no job available")

// Error is the single error type surfaced by transports.
type Error struct {
	Kind ErrorKind
	Op   string
	Host string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Host, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Cause returns the underlying error for github.com/pkg/errors.Cause.
func (e *Error) Cause() error { return e.Err }

// NewError returns an Error of the given kind.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf returns an Error of the given kind with a formatted message.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: errors.Errorf(format, args...)}
}

// KindOf returns the kind of the transport error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}

// IsTimeout reports whether err is a transport timeout.
func IsTimeout(err error) bool {
	k, ok := KindOf(err)
	return ok && k == Timeout
}

// Classify converts err into an *Error. Errors that already carry a kind
// are returned as is; otherwise fallback is used when the cause cannot be
// recognised.
func Classify(err error, fallback ErrorKind) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return NewError(Timeout, err)
	case errors.As(err, &ne) && ne.Timeout():
		return NewError(Timeout, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return NewError(ConnectFailed, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return NewError(ShortRead, err)
	case errors.Is(err, io.ErrShortWrite):
		return NewError(ShortWrite, err)
	case errors.Is(err, wire.ErrIncompleteMessage),
		errors.Is(err, wire.ErrMalformedMessage),
		errors.Is(err, wire.ErrBadEscape),
		errors.Is(err, wire.ErrFrameTooLarge):
		return NewError(Protocol, err)
	}
	return NewError(fallback, err)
}
