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

// Package fec is the lossy-datagram transport: every message is coded with
// Reed-Solomon into packets of which any k reconstruct it, and sent once
// over UDP without retransmission.
package fec

import (
	"context"
	"net"

	"evalfarm.dev/evalfarm/internal/config"
	"evalfarm.dev/evalfarm/internal/consts"
	"evalfarm.dev/evalfarm/internal/telemetry"
	"evalfarm.dev/evalfarm/internal/transport"
	"evalfarm.dev/evalfarm/internal/wire"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

// Name selects this transport in transport.kind.
const Name = "fec"

const (
	// DefaultShardSize keeps packets under a typical path MTU.
	DefaultShardSize = 1200
	// DefaultRedundancy is the parity overhead in percent.
	DefaultRedundancy = 25

	socketBuffer = 4 << 20
	readBuffer   = 65536
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "evalfarm",
		"component": "transport.fec",
	})

	mRecovered  = telemetry.Counter("transport/fec/recovered", "messages rebuilt from parity shards")
	mIncomplete = telemetry.Counter("transport/fec/incomplete", "messages dropped with too few shards")
)

func recordRecovered() {
	telemetry.RecordUnitMeasurement(context.Background(), mRecovered)
}

// New returns an fec Transport configured by cfg.
func New(cfg config.View) *transport.Client {
	return transport.NewClient(Name, &Exchanger{cfg: cfg})
}

// Exchanger sends each request from its own UDP socket and waits on it for
// the reply carrying the same message id.
type Exchanger struct {
	cfg config.View
}

func shape(cfg config.View) (shardSize, redundancy int) {
	shardSize = cfg.GetInt(consts.TransportFECShardSize)
	if shardSize <= 0 {
		shardSize = DefaultShardSize
	}
	redundancy = DefaultRedundancy
	if cfg.IsSet(consts.TransportFECRedundancy) {
		redundancy = cfg.GetInt(consts.TransportFECRedundancy)
	}
	return shardSize, redundancy
}

// Exchange implements transport.Exchanger.
func (e *Exchanger) Exchange(ctx context.Context, host string, req *wire.Message) (*wire.Message, error) {
	ctx, cancel := transport.WithCallTimeout(ctx, e.cfg)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", host)
	if err != nil {
		return nil, failure(ctx, err, transport.ConnectFailed)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	if udp, ok := conn.(*net.UDPConn); ok {
		_ = udp.SetReadBuffer(socketBuffer)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	id := xid.New()
	shardSize, redundancy := shape(e.cfg)
	packets, err := Encode(id, wire.Encode(req), shardSize, redundancy)
	if err != nil {
		return nil, transport.NewError(transport.Protocol, err)
	}
	for _, p := range packets {
		n, err := conn.Write(p)
		if err != nil {
			return nil, failure(ctx, err, transport.ShortWrite)
		}
		if n != len(p) {
			return nil, transport.Errorf(transport.ShortWrite, "wrote %d of %d bytes", n, len(p))
		}
	}

	asm := NewAssembler()
	buf := make([]byte, readBuffer)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return nil, failure(ctx, err, transport.ShortRead)
		}
		got, payload, ok, err := asm.Add(buf[:n])
		if err != nil {
			logger.WithError(err).Debug("dropping packet")
			continue
		}
		if !ok || got != id {
			continue
		}
		reply, err := wire.Decode(payload)
		if err != nil {
			return nil, transport.NewError(transport.Protocol, err)
		}
		return reply, nil
	}
}

// Close implements transport.Exchanger.
func (e *Exchanger) Close() error {
	return nil
}

func failure(ctx context.Context, err error, fallback transport.ErrorKind) error {
	if ctx.Err() != nil {
		return transport.NewError(transport.Timeout, ctx.Err())
	}
	return transport.Classify(err, fallback)
}
