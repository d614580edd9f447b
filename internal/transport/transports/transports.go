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

// Package transports selects a transport implementation by name.
package transports

import (
	"net"
	"strings"

	"evalfarm.dev/evalfarm/internal/config"
	"evalfarm.dev/evalfarm/internal/consts"
	"evalfarm.dev/evalfarm/internal/transport"
	"evalfarm.dev/evalfarm/internal/transport/fec"
	"evalfarm.dev/evalfarm/internal/transport/kcp"
	"evalfarm.dev/evalfarm/internal/transport/stream"
	"github.com/pkg/errors"
)

// Server is implemented by the server side of every transport.
type Server interface {
	Listen(addr string) (net.Addr, error)
	Serve() error
	Close() error
}

// Names lists the supported transports.
var Names = []string{stream.Name, fec.Name, kcp.Name}

// Kind returns the configured transport name, defaulting to stream.
func Kind(cfg config.View) string {
	name := strings.ToLower(strings.TrimSpace(cfg.GetString(consts.TransportKind)))
	if name == "" {
		return stream.Name
	}
	return name
}

// New returns the client transport named by transport.kind.
func New(cfg config.View) (transport.Transport, error) {
	switch name := Kind(cfg); name {
	case stream.Name:
		return stream.New(cfg), nil
	case fec.Name:
		return fec.New(cfg), nil
	case kcp.Name:
		return kcp.New(cfg), nil
	default:
		return nil, errors.Errorf("unknown transport %q, want one of %s", name, strings.Join(Names, ", "))
	}
}

// NewServer returns the server side of the transport named by
// transport.kind.
func NewServer(cfg config.View, h transport.Handler) (Server, error) {
	switch name := Kind(cfg); name {
	case stream.Name:
		return stream.NewServer(cfg, h), nil
	case fec.Name:
		return fec.NewServer(cfg, h), nil
	case kcp.Name:
		return kcp.NewServer(cfg, h), nil
	default:
		return nil, errors.Errorf("unknown transport %q, want one of %s", name, strings.Join(Names, ", "))
	}
}
