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

package stream

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
	"github.com/sirupsen/logrus"
)

// Server answers stream requests with a transport.Handler.
type Server struct {
	cfg     config.View
	handler transport.Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu sync.Mutex
	ln net.Listener
}

// NewServer returns a Server dispatching to h.
func NewServer(cfg config.View, h transport.Handler) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{cfg: cfg, handler: h, ctx: ctx, cancel: cancel}
}

// Listen opens a TCP listener on addr.
func (s *Server) Listen(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot listen on %s", addr)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return ln.Addr(), nil
}

// Serve accepts connections until Close is called. Listen must be called
// first.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("stream server is not listening")
	}
	logger.WithField("addr", ln.Addr().String()).Info("Serving stream transport")

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else if tempDelay *= 2; tempDelay > time.Second {
					tempDelay = time.Second
				}
				logger.WithError(err).Warningf("accept error, retrying in %v", tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			return errors.Wrap(err, "accept failed")
		}
		tempDelay = 0
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
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

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	ctx, cancel := transport.WithCallTimeout(s.ctx, s.cfg)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	if err := tune(conn, linger(s.cfg)); err != nil {
		logger.WithError(err).Debug("cannot set socket options")
	}

	log := logger.WithField("peer", conn.RemoteAddr().String())
	payload, err := wire.ReadFrame(bufio.NewReader(conn), transport.MaxFrameBytes(s.cfg))
	if err != nil {
		log.WithError(err).Debug("cannot read request")
		return
	}
	out, err := transport.Respond(transport.WithPeer(ctx, conn.RemoteAddr()), s.handler, payload)
	if err != nil {
		log.WithError(err).Warning("request failed")
		return
	}
	if out == nil {
		return
	}
	if err := wire.WriteFrame(conn, out); err != nil {
		log.WithFields(logrus.Fields{
			"bytes": len(out),
		}).WithError(err).Debug("cannot write reply")
	}
}
