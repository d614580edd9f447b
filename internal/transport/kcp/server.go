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

package kcp

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"evalfarm.dev/evalfarm/internal/config"
	"evalfarm.dev/evalfarm/internal/transport"
	"evalfarm.dev/evalfarm/internal/wire"
	"github.com/pkg/errors"
	kcpgo "github.com/xtaci/kcp-go/v5"
)

// Server answers kcp requests with a transport.Handler.
type Server struct {
	cfg     config.View
	handler transport.Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu sync.Mutex
	ln *kcpgo.Listener
}

// NewServer returns a Server dispatching to h.
func NewServer(cfg config.View, h transport.Handler) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{cfg: cfg, handler: h, ctx: ctx, cancel: cancel}
}

// Listen opens a KCP listener on addr.
func (s *Server) Listen(addr string) (net.Addr, error) {
	ln, err := kcpgo.ListenWithOptions(addr, nil, 0, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot listen on %s", addr)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return ln.Addr(), nil
}

// Serve accepts sessions until Close is called.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("kcp server is not listening")
	}
	logger.WithField("addr", ln.Addr().String()).Info("Serving kcp transport")

	for {
		sess, err := ln.AcceptKCP()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept failed")
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveSession(sess)
		}()
	}
}

// Close stops accepting, cancels in-flight requests and waits for them.
func (s *Server) Close() error {
	s.cancel()
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) serveSession(sess *kcpgo.UDPSession) {
	defer sess.Close()
	ctx, cancel := transport.WithCallTimeout(s.ctx, s.cfg)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { sess.Close() })
	defer stop()
	tune(sess, s.cfg)
	if dl, ok := ctx.Deadline(); ok {
		_ = sess.SetDeadline(dl)
	}

	log := logger.WithField("peer", sess.RemoteAddr().String())
	r := bufio.NewReader(sess)
	payload, err := wire.ReadFrame(r, transport.MaxFrameBytes(s.cfg)+1)
	if err != nil {
		log.WithError(err).Debug("cannot read request")
		return
	}
	if len(payload) == 0 {
		log.Debug("empty request frame")
		return
	}
	channel := payload[len(payload)-1]
	out, err := transport.Respond(transport.WithPeer(ctx, sess.RemoteAddr()), s.handler, payload[:len(payload)-1])
	if err != nil {
		log.WithError(err).Warning("request failed")
		return
	}
	if out == nil {
		return
	}
	if err := wire.WriteFrame(sess, append(out, channel)); err != nil {
		log.WithError(err).Debug("cannot write reply")
		return
	}

	// Keep the session alive so lost segments of the reply are resent.
	// Clients never send after the reply, so this read only ends on the
	// deadline or on cancellation.
	_ = sess.SetReadDeadline(time.Now().Add(linger(s.cfg)))
	_, _ = r.ReadByte()
}
