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

// Package testing provides an in-memory redis for statestore tests.
package testing

import (
	"testing"
	"time"

	"evalfarm.dev/evalfarm/internal/config"
	"evalfarm.dev/evalfarm/internal/consts"
	"evalfarm.dev/evalfarm/internal/statestore"
	miniredis "github.com/alicebob/miniredis/v2"
)

// Settings are the pool and lease values New applies. The lease is short so
// requeue tests run quickly.
var Settings = map[string]interface{}{
	consts.RedisConnMaxIdle:            5,
	consts.RedisConnMaxActive:          5,
	consts.RedisConnIdleTimeout:        10 * time.Second,
	consts.RedisConnHealthCheckTimeout: 100 * time.Millisecond,
	consts.RedisJobLease:               500 * time.Millisecond,
}

// New starts a miniredis server and points cfg at it. The returned func
// stops the server.
func New(t *testing.T, cfg config.Mutable) func() {
	mredis, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to create miniredis, %v", err)
	}
	cfg.Set(consts.RedisHostName, mredis.Host())
	cfg.Set(consts.RedisPort, mredis.Port())
	for k, v := range Settings {
		cfg.Set(k, v)
	}

	return func() {
		mredis.Close()
	}
}

// NewStoreServiceForTesting returns a statestore backed by miniredis.
func NewStoreServiceForTesting(t *testing.T, cfg config.Mutable) (statestore.Service, func()) {
	closer := New(t, cfg)
	s := statestore.New(cfg)

	return s, func() {
		s.Close()
		closer()
	}
}
