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

// Package apptest runs bound evalfarm services in memory for tests.
package apptest

import (
	"net"
	"strconv"
	"sync"
	"testing"

	"evalfarm.dev/evalfarm/internal/appmain"
	"evalfarm.dev/evalfarm/internal/config"
	"evalfarm.dev/evalfarm/internal/consts"
	"github.com/pkg/errors"
)

// TestApp starts binds as one application and stops it when the test ends.
// Every listen the application makes is answered from listeners by port.
func TestApp(t *testing.T, cfg config.View, listeners []net.Listener, binds ...appmain.Bind) *appmain.App {
	t.Helper()
	pool, err := newPortPool(listeners)
	if err != nil {
		t.Fatal(err)
	}
	getCfg := func() (config.View, error) {
		return cfg, nil
	}
	bindAll := func(p *appmain.Params, b *appmain.Bindings) error {
		for _, bind := range binds {
			if err := bind(p, b); err != nil {
				return err
			}
		}
		return nil
	}

	app, err := appmain.StartApplication(t.Name(), bindAll, getCfg, pool.listen)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := app.Stop(); err != nil {
			t.Error(err)
		}
	})
	return app
}

// TelemetryListener reserves a loopback port for the telemetry endpoint and
// points cfg at it. Pass the listener to TestApp.
func TelemetryListener(t *testing.T, cfg config.Mutable) (net.Listener, int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	cfg.Set(consts.TelemetryHTTPPort, port)
	return l, port
}

// portPool hands out pre-opened listeners. Services listen on ":port", so
// the host part is ignored.
type portPool struct {
	mu sync.Mutex
	ls map[string]net.Listener
}

func newPortPool(listeners []net.Listener) (*portPool, error) {
	p := &portPool{ls: make(map[string]net.Listener, len(listeners))}
	for _, l := range listeners {
		_, port, err := net.SplitHostPort(l.Addr().String())
		if err != nil {
			return nil, err
		}
		p.ls[l.Addr().Network()+"/"+port] = l
	}
	return p, nil
}

func (p *portPool) listen(network, address string) (net.Listener, error) {
	_, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	if _, err := strconv.Atoi(port); err != nil {
		return nil, errors.Wrapf(err, "bad port in %q", address)
	}
	key := network + "/" + port

	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.ls[key]
	if !ok {
		return nil, errors.Errorf("no listener for %s %q, or it was already taken", network, address)
	}
	delete(p.ls, key)
	return l, nil
}
