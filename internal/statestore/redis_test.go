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

package statestore

import (
	"context"
	"testing"
	"time"

	"evalfarm.dev/evalfarm/internal/config"
	"evalfarm.dev/evalfarm/internal/consts"
	"evalfarm.dev/evalfarm/internal/telemetry"
	utilTesting "evalfarm.dev/evalfarm/internal/util/testing"
	"evalfarm.dev/evalfarm/internal/wire"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTemplate = []byte("bodies:\n  - {mass: 1, vx: $0, vy: $1}\n")

func TestStatestoreSetup(t *testing.T) {
	assert := assert.New(t)
	cfg, _, closer := createRedis(t)
	defer closer()
	service := New(cfg)
	assert.NotNil(service)
	defer service.Close()

	assert.Nil(service.HealthCheck(utilTesting.NewContext(t)))
}

func TestHealthCheckUnavailable(t *testing.T) {
	cfg, mredis, closer := createRedis(t)
	defer closer()
	service := New(cfg)
	defer service.Close()

	mredis.Close()
	assert.NotNil(t, service.HealthCheck(utilTesting.NewContext(t)))
}

func TestTemplates(t *testing.T) {
	require := require.New(t)
	cfg, _, closer := createRedis(t)
	defer closer()
	service := New(cfg)
	defer service.Close()
	ctx := utilTesting.NewContext(t)

	_, err := service.GetTemplate(ctx, wire.HashOf(testTemplate))
	require.True(errors.Is(err, ErrNotFound), "got %v", err)

	h, err := service.PutTemplate(ctx, testTemplate)
	require.Nil(err)
	require.Equal(wire.HashOf(testTemplate), h)

	got, err := service.GetTemplate(ctx, h)
	require.Nil(err)
	require.Equal(testTemplate, got)
}

func TestJobLifecycle(t *testing.T) {
	require := require.New(t)
	cfg, _, closer := createRedis(t)
	defer closer()
	service := New(cfg)
	defer service.Close()
	ctx := utilTesting.NewContext(t)

	h := wire.HashOf(testTemplate)
	_, err := service.EnqueueJob(ctx, h, []float64{1})
	require.True(errors.Is(err, ErrNotFound), "enqueue before the template is stored: %v", err)

	_, err = service.PutTemplate(ctx, testTemplate)
	require.Nil(err)

	_, err = service.EnqueueJob(ctx, h, nil)
	require.NotNil(err)

	first, err := service.EnqueueJob(ctx, h, []float64{0.1, -2.5})
	require.Nil(err)
	second, err := service.EnqueueJob(ctx, h, []float64{1e-300, 7})
	require.Nil(err)
	require.NotZero(first)
	require.NotEqual(first, second)

	job, err := service.NextJob(ctx)
	require.Nil(err)
	require.Equal(&Job{RunID: first, Hash: h, Genome: []float64{0.1, -2.5}}, job)

	_, ok, err := service.GetScore(ctx, first)
	require.Nil(err)
	require.False(ok)

	require.Nil(service.RecordScore(ctx, first, 0.75))
	// Only the first score of a run is kept.
	require.Nil(service.RecordScore(ctx, first, 0.1))
	score, ok, err := service.GetScore(ctx, first)
	require.Nil(err)
	require.True(ok)
	require.Equal(0.75, score)

	job, err = service.NextJob(ctx)
	require.Nil(err)
	require.Equal(second, job.RunID)
	require.Equal([]float64{1e-300, 7}, job.Genome)

	_, err = service.NextJob(ctx)
	require.Equal(ErrNoJob, err)

	err = service.RecordScore(ctx, 9999, 1)
	require.True(errors.Is(err, ErrNotFound), "got %v", err)
	_, _, err = service.GetScore(ctx, 9999)
	require.True(errors.Is(err, ErrNotFound), "got %v", err)
}

func TestRequeueExpired(t *testing.T) {
	require := require.New(t)
	cfg, _, closer := createRedis(t)
	defer closer()
	rb := newRedis(cfg)
	defer rb.Close()
	ctx := utilTesting.NewContext(t)

	now := time.Unix(1000, 0)
	rb.now = func() time.Time { return now }

	h, err := rb.PutTemplate(ctx, testTemplate)
	require.Nil(err)
	runID, err := rb.EnqueueJob(ctx, h, []float64{3})
	require.Nil(err)

	job, err := rb.NextJob(ctx)
	require.Nil(err)
	require.Equal(runID, job.RunID)

	n, err := rb.RequeueExpired(ctx)
	require.Nil(err)
	require.Equal(0, n)

	now = now.Add(time.Minute)
	n, err = rb.RequeueExpired(ctx)
	require.Nil(err)
	require.Equal(1, n)

	job, err = rb.NextJob(ctx)
	require.Nil(err)
	require.Equal(runID, job.RunID)

	require.Nil(rb.RecordScore(ctx, runID, 2))
	now = now.Add(time.Minute)
	n, err = rb.RequeueExpired(ctx)
	require.Nil(err)
	require.Equal(0, n)
}

func TestLateScoreDropsRequeuedCopy(t *testing.T) {
	require := require.New(t)
	cfg, _, closer := createRedis(t)
	defer closer()
	rb := newRedis(cfg)
	defer rb.Close()
	ctx := utilTesting.NewContext(t)

	now := time.Unix(1000, 0)
	rb.now = func() time.Time { return now }

	h, err := rb.PutTemplate(ctx, testTemplate)
	require.Nil(err)
	runID, err := rb.EnqueueJob(ctx, h, []float64{3})
	require.Nil(err)
	_, err = rb.NextJob(ctx)
	require.Nil(err)

	now = now.Add(time.Minute)
	n, err := rb.RequeueExpired(ctx)
	require.Nil(err)
	require.Equal(1, n)

	require.Nil(rb.RecordScore(ctx, runID, 5))
	_, err = rb.NextJob(ctx)
	require.Equal(ErrNoJob, err)
}

func TestNextJobSkipsUnreadable(t *testing.T) {
	require := require.New(t)
	cfg, mredis, closer := createRedis(t)
	defer closer()
	service := New(cfg)
	defer service.Close()
	ctx := utilTesting.NewContext(t)

	h, err := service.PutTemplate(ctx, testTemplate)
	require.Nil(err)

	mredis.HSet(jobKey(77), "hash", "not-a-hash")
	_, err = mredis.Push(keyJobs, "77")
	require.Nil(err)
	runID, err := service.EnqueueJob(ctx, h, []float64{1})
	require.Nil(err)

	job, err := service.NextJob(ctx)
	require.Nil(err)
	require.Equal(runID, job.RunID)
}

func TestDefaultJobLease(t *testing.T) {
	cfg := viper.New()
	rb := &redisBackend{cfg: cfg}
	assert.Equal(t, DefaultJobLease, rb.jobLease())
	cfg.Set(consts.RedisJobLease, "2s")
	assert.Equal(t, 2*time.Second, rb.jobLease())
}

func TestConnect(t *testing.T) {
	assert := assert.New(t)
	cfg, _, closer := createRedis(t)
	defer closer()
	store := New(cfg)
	defer store.Close()
	ctx := utilTesting.NewContext(t)

	is, ok := store.(*instrumentedService)
	assert.True(ok)
	rb, ok := is.s.(*redisBackend)
	assert.True(ok)

	ctx, cancel := context.WithCancel(ctx)
	cancel()
	conn, err := rb.connect(ctx)
	assert.NotNil(err)
	assert.Nil(conn)
}

func createRedis(t *testing.T) (config.View, *miniredis.Miniredis, func()) {
	cfg := viper.New()
	mredis, err := miniredis.Run()
	if err != nil {
		t.Fatalf("cannot create redis %s", err)
	}

	cfg.Set(consts.RedisHostName, mredis.Host())
	cfg.Set(consts.RedisPort, mredis.Port())
	cfg.Set(consts.RedisConnMaxIdle, 1000)
	cfg.Set(consts.RedisConnIdleTimeout, time.Second)
	cfg.Set(consts.RedisConnHealthCheckTimeout, 100*time.Millisecond)
	cfg.Set(consts.RedisConnMaxActive, 1000)
	cfg.Set(consts.RedisJobLease, 30*time.Second)
	cfg.Set(telemetry.ConfigNameEnableMetrics, true)

	return cfg, mredis, func() { mredis.Close() }
}
