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

package telemetry

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// HealthCheckEndpoint serves liveness, and readiness when queried with
	// any parameter.
	HealthCheckEndpoint = "/healthz"

	// ProbeTimeout bounds every readiness probe.
	ProbeTimeout = 5 * time.Second
)

type health int32

const (
	healthUnknown health = iota
	healthReady
	healthFailing
)

type readiness struct {
	state  atomic.Int32
	probes []func(context.Context) error
}

// NewHealthCheck returns the health endpoint handler. Liveness always
// answers ok; readiness runs every probe in parallel and fails on the
// first error.
func NewHealthCheck(probes []func(context.Context) error) http.Handler {
	return &readiness{probes: probes}
}

func (r *readiness) check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for _, probe := range r.probes {
		probe := probe
		g.Go(func() error {
			return probe(ctx)
		})
	}
	return g.Wait()
}

// transition records the new state and logs only when it changed.
func (r *readiness) transition(next health, err error) {
	prev := health(r.state.Swap(int32(next)))
	switch {
	case next == healthFailing && prev == healthFailing:
		logger.WithError(err).Warningf("%s readiness still failing", HealthCheckEndpoint)
	case next == healthFailing:
		logger.WithError(err).Warningf("%s readiness failed", HealthCheckEndpoint)
	case prev == healthFailing:
		logger.Infof("%s readiness recovered", HealthCheckEndpoint)
	case prev == healthUnknown:
		logger.Infof("%s is ready", HealthCheckEndpoint)
	}
}

func (r *readiness) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if len(req.URL.Query()) > 0 {
		if err := r.check(req.Context()); err != nil {
			r.transition(healthFailing, err)
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		r.transition(healthReady, nil)
	}
	_, _ = w.Write([]byte("ok"))
}
