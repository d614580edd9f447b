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
	"context"
	"net"
	"sync"
	"time"

	"evalfarm.dev/evalfarm/internal/config"
	"evalfarm.dev/evalfarm/internal/telemetry"
	"evalfarm.dev/evalfarm/internal/transport"
	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

const expireEvery = time.Second

// Server answers fec requests with a transport.Handler.
type Server struct {
	cfg     config.View
	handler transport.Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	conn net.PacketConn
}

// NewServer returns a Server dispatching to h.
func NewServer(cfg config.View, h transport.Handler) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{cfg: cfg, handler: h, ctx: ctx, cancel: cancel}
}

// Listen opens a UDP socket on addr.
func (s *Server) Listen(addr string) (net.Addr, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot listen on %s", addr)
	}
	if udp, ok := conn.(*net.UDPConn); ok {
		_ = udp.SetReadBuffer(socketBuffer)
		_ = udp.SetWriteBuffer(socketBuffer)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return conn.LocalAddr(), nil
}

// Serve reads packets until Close is called. Every completed request is
// answered from its own goroutine.
func (s *Server) Serve() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("fec server is not listening")
	}
	logger.WithField("addr", conn.LocalAddr().String()).Info("Serving fec transport")

	asm := NewAssembler()
	buf := make([]byte, readBuffer)
	lastExpire := time.Now()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(expireEvery))
		n, from, err := conn.ReadFrom(buf)
		if time.Since(lastExpire) >= expireEvery {
			lastExpire = time.Now()
			if dropped := asm.Expire(transport.CallTimeout(s.cfg)); dropped > 0 {
				telemetry.RecordNUnitMeasurement(s.ctx, mIncomplete, int64(dropped))
			}
		}
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return errors.Wrap(err, "read failed")
		}

		id, payload, ok, err := asm.Add(buf[:n])
		if err != nil {
			logger.WithField("peer", from.String()).WithError(err).Debug("dropping packet")
			continue
		}
		if !ok {
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.respond(conn, from, id, payload)
		}()
	}
}

// Close stops the read loop and waits for in-flight replies.
func (s *Server) Close() error {
	s.cancel()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) respond(conn net.PacketConn, to net.Addr, id xid.ID, payload []byte) {
	ctx, cancel := transport.WithCallTimeout(s.ctx, s.cfg)
	defer cancel()
	log := logger.WithFields(logrus.Fields{
		"peer": to.String(),
		"id":   id.String(),
	})

	out, err := transport.Respond(transport.WithPeer(ctx, to), s.handler, payload)
	if err != nil {
		log.WithError(err).Warning("request failed")
		return
	}
	if out == nil {
		return
	}
	shardSize, redundancy := shape(s.cfg)
	packets, err := Encode(id, out, shardSize, redundancy)
	if err != nil {
		log.WithError(err).Warning("cannot encode reply")
		return
	}
	for _, p := range packets {
		if _, err := conn.WriteTo(p, to); err != nil {
			log.WithError(err).Debug("cannot send reply packet")
			return
		}
	}
}
