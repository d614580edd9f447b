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

// Package appmain contains the common application initialization code for evalfarm processes.
package appmain

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"evalfarm.dev/evalfarm/internal/config"
	"evalfarm.dev/evalfarm/internal/consts"
	"evalfarm.dev/evalfarm/internal/logging"
	"evalfarm.dev/evalfarm/internal/telemetry"
	"evalfarm.dev/evalfarm/internal/util"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "evalfarm",
		"component": "app.main",
	})
)

// RunApplication starts and runs the given application until SIGINT or
// SIGTERM, or until one of its bound routines fails. For use in main
// functions to run the full application.
func RunApplication(serviceName string, defaults map[string]interface{}, bindService Bind) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	getCfg := func() (config.View, error) {
		return config.Read(defaults)
	}
	a, err := StartApplication(serviceName, bindService, getCfg, net.Listen)
	if err != nil {
		logger.Fatal(err)
	}

	select {
	case <-ctx.Done():
		logger.Info("Received stop signal.")
	case <-a.Done():
	}
	err = a.Stop()
	if err != nil {
		logger.Fatal(err)
	}
	logger.Info("Application stopped successfully.")
}

// Bind is a function which starts an application, and binds it to serving.
type Bind func(p *Params, b *Bindings) error

// Params are inputs to starting an application.
type Params struct {
	config      config.View
	serviceName string
}

// Config provides the configuration for the application.
func (p *Params) Config() config.View {
	return p.config
}

// ServiceName names the application in logs and metrics.
func (p *Params) ServiceName() string {
	return p.serviceName
}

// Bindings allows applications to bind various functions to the running process.
type Bindings struct {
	a      *App
	probes []func(context.Context) error
	mux    *http.ServeMux
}

// AddHealthCheckFunc allows an application to check if it is healthy, and
// contribute to the overall process health.
func (b *Bindings) AddHealthCheckFunc(f func(context.Context) error) {
	b.probes = append(b.probes, f)
}

// TelemetryHandle adds a handler to the telemetry HTTP endpoint.
func (b *Bindings) TelemetryHandle(pattern string, handler http.Handler) {
	b.mux.Handle(pattern, handler)
}

// Go runs f once the application has started. The context passed to f is
// cancelled by Stop; f returning an error stops the application.
func (b *Bindings) Go(f func(ctx context.Context) error) {
	b.a.routines = append(b.a.routines, f)
}

// AddCloser registers c to run on Stop, after every routine has returned.
func (b *Bindings) AddCloser(c func()) {
	b.a.closers.AddFunc(c)
}

// AddCloserErr is AddCloser for functions that can fail.
func (b *Bindings) AddCloserErr(c func() error) {
	b.a.closers.Add(c)
}

// App is a started application.
type App struct {
	closers  *util.MultiClose
	routines []func(context.Context) error

	cancel context.CancelFunc
	g      *errgroup.Group
	done   chan struct{}
	err    error
}

// StartApplication provides more control over an application than
// RunApplication. It is for running in memory tests against your app.
func StartApplication(serviceName string, bindService Bind, getCfg func() (config.View, error), listen func(network, address string) (net.Listener, error)) (*App, error) {
	a := &App{closers: util.NewMultiClose(), done: make(chan struct{})}

	cfg, err := getCfg()
	if err != nil {
		logger.WithFields(logrus.Fields{
			"error": err.Error(),
		}).Fatalf("cannot read configuration.")
	}
	logging.ConfigureLogging(cfg)

	p := &Params{
		config:      cfg,
		serviceName: serviceName,
	}
	b := &Bindings{
		a:   a,
		mux: http.NewServeMux(),
	}

	err = bindService(p, b)
	if err != nil {
		a.Stop()
		return nil, errors.Wrapf(err, "failed to bind %s", serviceName)
	}

	closeTelemetry, err := telemetry.Setup(serviceName, b.mux, cfg, b.probes...)
	if err != nil {
		a.Stop()
		return nil, err
	}
	b.AddCloserErr(closeTelemetry)

	if port := cfg.GetInt(consts.TelemetryHTTPPort); port > 0 {
		l, err := listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			a.Stop()
			return nil, errors.Wrapf(err, "cannot listen on telemetry port %d", port)
		}
		srv := &http.Server{Handler: b.mux}
		go func() {
			if err := srv.Serve(l); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Error("telemetry endpoint stopped")
			}
		}()
		b.AddCloserErr(srv.Close)
		logger.WithField("port", port).Info("Serving telemetry.")
	}

	var ctx context.Context
	ctx, a.cancel = context.WithCancel(context.Background())
	a.g, ctx = errgroup.WithContext(ctx)
	for _, r := range a.routines {
		r := r
		a.g.Go(func() error {
			return r(ctx)
		})
	}
	go func() {
		a.err = a.g.Wait()
		close(a.done)
	}()

	logger.WithField("service", serviceName).Info("Application started.")
	return a, nil
}

// Done is closed once every routine has returned.
func (a *App) Done() <-chan struct{} {
	return a.done
}

// Stop cancels the routines, waits for them and runs the closers.
func (a *App) Stop() error {
	var firstErr error
	if a.cancel != nil {
		a.cancel()
		<-a.done
		if a.err != nil && !errors.Is(a.err, context.Canceled) {
			firstErr = a.err
		}
	}
	if err := a.closers.Close(); firstErr == nil {
		firstErr = err
	}
	return firstErr
}
