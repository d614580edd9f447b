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

// Package evalserver serves jobs from the state store to workers over the
// configured transport.
package evalserver

import (
	"context"
	"sync"
	"time"

	"evalfarm.dev/evalfarm/internal/appmain"
	"evalfarm.dev/evalfarm/internal/consts"
	"evalfarm.dev/evalfarm/internal/statestore"
	"evalfarm.dev/evalfarm/internal/transport/transports"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultListen is used when server.listen is unset.
const DefaultListen = ":7700"

// Defaults apply below the configuration file and the environment.
var Defaults = map[string]interface{}{
	consts.LoggingFormat:               "text",
	consts.LoggingLevel:                "info",
	consts.ServerListen:                DefaultListen,
	consts.TransportKind:               "stream",
	consts.RedisHostName:               "localhost",
	consts.RedisPort:                   6379,
	consts.RedisConnMaxIdle:            16,
	consts.RedisConnMaxActive:          64,
	consts.RedisConnIdleTimeout:        "60s",
	consts.RedisConnHealthCheckTimeout: "300ms",
	consts.RedisJobLease:               statestore.DefaultJobLease,
}

// BindService creates the evaluation service and binds it to the serving harness.
func BindService(p *appmain.Params, b *appmain.Bindings) error {
	cfg := p.Config()
	store := statestore.New(cfg)
	b.AddCloserErr(store.Close)
	b.AddHealthCheckFunc(store.HealthCheck)

	service := newEvalService(store)
	srv, err := transports.NewServer(cfg, service)
	if err != nil {
		return err
	}

	listen := cfg.GetString(consts.ServerListen)
	if listen == "" {
		listen = DefaultListen
	}
	addr, err := srv.Listen(listen)
	if err != nil {
		return errors.Wrapf(err, "cannot listen on %s", listen)
	}
	logger.WithFields(logrus.Fields{
		"addr":      addr.String(),
		"transport": transports.Kind(cfg),
	}).Info("Evaluation server listening.")

	var once sync.Once
	var closeErr error
	closeServer := func() error {
		once.Do(func() {
			closeErr = srv.Close()
		})
		return closeErr
	}
	b.AddCloserErr(closeServer)

	b.Go(func(ctx context.Context) error {
		stop := context.AfterFunc(ctx, func() {
			if err := closeServer(); err != nil {
				logger.WithError(err).Debug("closing transport server")
			}
		})
		defer stop()
		return srv.Serve()
	})
	b.Go(func(ctx context.Context) error {
		return service.requeueLoop(ctx, requeueInterval(cfg.GetDuration(consts.ServerRequeueInterval), cfg.GetDuration(consts.RedisJobLease)))
	})
	return nil
}

// requeueInterval defaults to half the job lease.
func requeueInterval(configured, lease time.Duration) time.Duration {
	if configured > 0 {
		return configured
	}
	if lease <= 0 {
		lease = statestore.DefaultJobLease
	}
	return lease / 2
}
