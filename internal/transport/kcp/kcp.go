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

// Package kcp is the reliable-datagram transport. Each request runs over its
// own KCP session, which acknowledges and orders segments on top of UDP, and
// carries one stuffed, NUL-terminated frame each way. The last byte of every
// frame before stuffing is a channel id.
package kcp

import (
	"bufio"
	"context"
	"io"
	"net"
	"time"

	"evalfarm.dev/evalfarm/internal/config"
	"evalfarm.dev/evalfarm/internal/consts"
	"evalfarm.dev/evalfarm/internal/transport"
	"evalfarm.dev/evalfarm/internal/wire"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	kcpgo "github.com/xtaci/kcp-go/v5"
)

// Name selects this transport in transport.kind.
const Name = "kcp"

// Channel ids.
const (
	ChannelControl  byte = 0
	ChannelTemplate byte = 1
)

// DefaultWindow is the send and receive window, in segments, when
// transport.kcp.window is unset.
const DefaultWindow = 256

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "evalfarm",
		"component": "transport.kcp",
	})

	// ErrWrongChannel is returned when a reply arrives on another channel
	// than its request.
	ErrWrongChannel = errors.New("reply on unexpected channel")
)

// ChannelFor returns the channel a message travels on. Template transfers
// use their own channel.
func ChannelFor(k wire.Kind) byte {
	if k == wire.KindRequestTemplate {
		return ChannelTemplate
	}
	return ChannelControl
}

// New returns a kcp Transport configured by cfg.
func New(cfg config.View) *transport.Client {
	return transport.NewClient(Name, &Exchanger{cfg: cfg})
}

// Exchanger opens a fresh session for every request.
type Exchanger struct {
	cfg config.View
}

// Exchange implements transport.Exchanger.
func (e *Exchanger) Exchange(ctx context.Context, host string, req *wire.Message) (*wire.Message, error) {
	ctx, cancel := transport.WithCallTimeout(ctx, e.cfg)
	defer cancel()

	if _, err := net.DefaultResolver.LookupHost(ctx, hostOnly(host)); err != nil {
		return nil, failure(ctx, err, transport.ConnectFailed)
	}
	sess, err := kcpgo.DialWithOptions(host, nil, 0, 0)
	if err != nil {
		return nil, failure(ctx, err, transport.ConnectFailed)
	}
	defer sess.Close()
	stop := context.AfterFunc(ctx, func() { sess.Close() })
	defer stop()
	tune(sess, e.cfg)
	if dl, ok := ctx.Deadline(); ok {
		_ = sess.SetDeadline(dl)
	}

	channel := ChannelFor(req.Kind)
	if err := writeFrame(sess, req, channel); err != nil {
		return nil, failure(ctx, err, transport.ShortWrite)
	}
	reply, got, err := readFrame(bufio.NewReader(sess), transport.MaxFrameBytes(e.cfg))
	if err != nil {
		return nil, failure(ctx, err, transport.ShortRead)
	}
	if got != channel {
		return nil, transport.NewError(transport.Protocol, errors.Wrapf(ErrWrongChannel, "got %d, want %d", got, channel))
	}
	return reply, nil
}

// Close implements transport.Exchanger.
func (e *Exchanger) Close() error {
	return nil
}

func hostOnly(hostport string) string {
	h, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return h
}

// tune switches the session to low-latency mode and stream framing, so
// messages larger than the window are not limited by KCP fragment counts.
func tune(sess *kcpgo.UDPSession, cfg config.View) {
	window := config.IntOr(cfg, consts.TransportKCPWindow, DefaultWindow)
	sess.SetStreamMode(true)
	sess.SetWindowSize(window, window)
	sess.SetNoDelay(1, 10, 2, 1)
	sess.SetACKNoDelay(true)
}

func writeFrame(w io.Writer, m *wire.Message, channel byte) error {
	return wire.WriteFrame(w, append(wire.Encode(m), channel))
}

func readFrame(r *bufio.Reader, maxSize int) (*wire.Message, byte, error) {
	payload, err := wire.ReadFrame(r, maxSize+1)
	if err != nil {
		return nil, 0, err
	}
	if len(payload) == 0 {
		return nil, 0, errors.Wrap(wire.ErrIncompleteMessage, "empty frame")
	}
	channel := payload[len(payload)-1]
	m, err := wire.Decode(payload[:len(payload)-1])
	if err != nil {
		return nil, 0, err
	}
	return m, channel, nil
}

func failure(ctx context.Context, err error, fallback transport.ErrorKind) error {
	if ctx.Err() != nil {
		return transport.NewError(transport.Timeout, ctx.Err())
	}
	return transport.Classify(err, fallback)
}

func linger(cfg config.View) time.Duration {
	return config.DurationOr(cfg, consts.TransportLinger, time.Second)
}
