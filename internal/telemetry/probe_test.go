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
	"net/url"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var readinessQuery = url.Values{"readiness": []string{"true"}}

func TestHealthCheckLivenessSkipsProbes(t *testing.T) {
	called := false
	h := NewHealthCheck([]func(context.Context) error{
		func(context.Context) error {
			called = true
			return errors.New("redis down")
		},
	})
	assert.HTTPBodyContains(t, h.ServeHTTP, http.MethodGet, HealthCheckEndpoint, nil, "ok")
	assert.False(t, called)
	assert.Equal(t, int32(healthUnknown), h.(*readiness).state.Load())
}

func TestHealthCheckReadiness(t *testing.T) {
	var storeErr error
	h := NewHealthCheck([]func(context.Context) error{
		func(context.Context) error { return nil },
		func(context.Context) error { return storeErr },
	})
	r := h.(*readiness)

	assert.HTTPSuccess(t, h.ServeHTTP, http.MethodGet, HealthCheckEndpoint, readinessQuery)
	assert.Equal(t, int32(healthReady), r.state.Load())

	storeErr = errors.New("redis down")
	assert.HTTPError(t, h.ServeHTTP, http.MethodGet, HealthCheckEndpoint, readinessQuery)
	assert.HTTPBodyContains(t, h.ServeHTTP, http.MethodGet, HealthCheckEndpoint, readinessQuery, "redis down")
	assert.Equal(t, int32(healthFailing), r.state.Load())

	storeErr = nil
	assert.HTTPSuccess(t, h.ServeHTTP, http.MethodGet, HealthCheckEndpoint, readinessQuery)
	assert.Equal(t, int32(healthReady), r.state.Load())
}

func TestHealthCheckProbesShareDeadline(t *testing.T) {
	h := NewHealthCheck([]func(context.Context) error{
		func(ctx context.Context) error {
			_, ok := ctx.Deadline()
			if !ok {
				return errors.New("no deadline")
			}
			return nil
		},
	})
	require.HTTPSuccess(t, h.ServeHTTP, http.MethodGet, HealthCheckEndpoint, readinessQuery)
}
