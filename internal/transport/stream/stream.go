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

// Package stream is the reliable-stream transport: one TCP connection per
// request carrying a single stuffed, NUL-terminated frame each way.
package stream

import (
	"bufio"
	"context"
	"net"
	"time"

	"evalfarm.dev/evalfarm/internal/config"
	"evalfarm.dev/evalfarm/internal/consts"
	"evalfarm.dev/evalfarm/internal/transport"
	"evalfarm.dev/evalfarm/internal/wire"
	"github.com/sirupsen/logrus"
)

// Name selects this transport in transport.kind.
const Name = "stream"

// DefaultLinger applies when transport.linger is unset.
const DefaultLinger = time.Second

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "evalfarm",
		"component": "transport.stream",
	})
)

// New returns a stream Transport configured by cfg.
func New(cfg config.View) *transport.Client {
	return transport.NewClient(Name, &Exchanger{cfg: cfg})
}

// Exchanger dials a fresh connection for every request.
type Exchanger struct {
	cfg config.View
}

// Exchange implements transport.Exchanger. The call deadline covers dial,
// write and read together, and cancelling ctx closes the connection.
func (e *Exchanger) Exchange(ctx context.Context, host string, req *wire.Message) (*wire.Message, error) {
	ctx, cancel := transport.WithCallTimeout(ctx, e.cfg)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, failure(ctx, err, transport.ConnectFailed)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := tune(conn, linger(e.cfg)); err != nil {
		logger.WithError(err).Debug("cannot set socket options")
	}
	if dl, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(dl); err != nil {
			return nil, failure(ctx, err, transport.ConnectFailed)
		}
	}

	if err := wire.WriteFrame(conn, wire.Encode(req)); err != nil {
		return nil, failure(ctx, err, transport.ShortWrite)
	}
	payload, err := wire.ReadFrame(bufio.NewReader(conn), transport.MaxFrameBytes(e.cfg))
	if err != nil {
		return nil, failure(ctx, err, transport.ShortRead)
	}
	reply, err := wire.Decode(payload)
	if err != nil {
		return nil, transport.NewError(transport.Protocol, err)
	}
	return reply, nil
}

// Close implements transport.Exchanger. Connections do not outlive a
// request, so there is nothing to release.
func (e *Exchanger) Close() error {
	return nil
}

// tune disables Nagle so small control messages leave immediately, and sets
// a positive linger so a close flushes instead of resetting.
func tune(conn net.Conn, linger time.Duration) error {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tcp.SetNoDelay(true); err != nil {
		return err
	}
	secs := int(linger / time.Second)
	if secs < 1 {
		secs = 1
	}
	return tcp.SetLinger(secs)
}

func linger(cfg config.View) time.Duration {
	return config.DurationOr(cfg, consts.TransportLinger, DefaultLinger)
}

// failure reports errors caused by the deadline or by cancellation as
// timeouts, whatever the socket call returned.
func failure(ctx context.Context, err error, fallback transport.ErrorKind) error {
	if ctx.Err() != nil {
		return transport.NewError(transport.Timeout, ctx.Err())
	}
	return transport.Classify(err, fallback)
}
