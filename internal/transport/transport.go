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

// Package transport defines the request/response contract between workers
// and evaluation servers, and the pieces shared by its implementations in
// the stream, fec and kcp subpackages.
package transport

import (
	"context"
	"net"
	"time"

	"evalfarm.dev/evalfarm/internal/config"
	"evalfarm.dev/evalfarm/internal/consts"
	"evalfarm.dev/evalfarm/internal/wire"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultTimeout bounds a whole request when transport.timeout is unset.
	DefaultTimeout = 5 * time.Second
	// DefaultMaxFrameBytes bounds replies when transport.maxFrameBytes is unset.
	DefaultMaxFrameBytes = 16 << 20
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "evalfarm",
		"component": "transport",
	})
)

// Transport is what a worker uses to talk to evaluation servers. All
// methods return *Error on failure, except RequestGenome which returns
// ErrNoJob when the server is idle.
type Transport interface {
	RequestGenome(ctx context.Context, host string) (*wire.Message, error)
	RequestTemplate(ctx context.Context, host string, genomeMsg *wire.Message) ([]byte, error)
	ReportScore(ctx context.Context, host string, genomeMsg *wire.Message, score float64) error
	Close() error
}

// Exchanger sends one request to host and waits for its reply. The deadline
// of ctx covers the whole exchange.
type Exchanger interface {
	Exchange(ctx context.Context, host string, req *wire.Message) (*wire.Message, error)
	Close() error
}

// Handler answers requests on the server side. A nil reply with a nil
// error closes the exchange without answering.
type Handler interface {
	Handle(ctx context.Context, req *wire.Message) (*wire.Message, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *wire.Message) (*wire.Message, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req *wire.Message) (*wire.Message, error) {
	return f(ctx, req)
}

// CallTimeout returns the configured per-request timeout. It is read on
// every call so a reloaded configuration applies to the next request.
func CallTimeout(cfg config.View) time.Duration {
	return config.DurationOr(cfg, consts.TransportTimeout, DefaultTimeout)
}

// MaxFrameBytes returns the configured bound on a single message.
func MaxFrameBytes(cfg config.View) int {
	return config.IntOr(cfg, consts.TransportMaxFrameBytes, DefaultMaxFrameBytes)
}

// WithCallTimeout derives the context for one exchange. The configured
// timeout only ever shortens a deadline already present on ctx.
func WithCallTimeout(ctx context.Context, cfg config.View) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, CallTimeout(cfg))
}

// Respond decodes one request, passes it to h and encodes the reply. A nil
// result with a nil error means there is nothing to send back.
func Respond(ctx context.Context, h Handler, payload []byte) ([]byte, error) {
	req, err := wire.Decode(payload)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	reply, err := h.Handle(ctx, req)
	recordServed(ctx, req.Kind, start, err)
	if err != nil || reply == nil {
		return nil, err
	}
	return wire.Encode(reply), nil
}

type peerKey struct{}

// WithPeer returns a context carrying the remote address of the request
// being served.
func WithPeer(ctx context.Context, addr net.Addr) context.Context {
	return context.WithValue(ctx, peerKey{}, addr)
}

// PeerFrom returns the remote address stored by WithPeer.
func PeerFrom(ctx context.Context) (net.Addr, bool) {
	addr, ok := ctx.Value(peerKey{}).(net.Addr)
	return addr, ok
}
