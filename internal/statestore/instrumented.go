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

	"evalfarm.dev/evalfarm/internal/telemetry"
	"evalfarm.dev/evalfarm/internal/wire"
	"go.opencensus.io/trace"
)

var (
	mStateStorePutTemplateCount    = telemetry.Counter("statestore/puttemplatecount", "number of templates stored")
	mStateStoreGetTemplateCount    = telemetry.Counter("statestore/gettemplatecount", "number of templates retrieved")
	mStateStoreEnqueueJobCount     = telemetry.Counter("statestore/enqueuejobcount", "number of jobs queued")
	mStateStoreNextJobCount        = telemetry.Counter("statestore/nextjobcount", "number of jobs leased")
	mStateStoreRecordScoreCount    = telemetry.Counter("statestore/recordscorecount", "number of scores recorded")
	mStateStoreGetScoreCount       = telemetry.Counter("statestore/getscorecount", "number of scores retrieved")
	mStateStoreRequeueExpiredCount = telemetry.Counter("statestore/requeueexpiredcount", "number of jobs requeued after their lease expired")
)

// instrumentedService is a wrapper for a statestore service that provides instrumentation (metrics and tracing) of the database.
type instrumentedService struct {
	s Service
}

// Close the connection to the database.
func (is *instrumentedService) Close() error {
	return is.s.Close()
}

// HealthCheck indicates if the database is reachable.
func (is *instrumentedService) HealthCheck(ctx context.Context) error {
	return is.s.HealthCheck(ctx)
}

func (is *instrumentedService) PutTemplate(ctx context.Context, template []byte) (wire.Hash, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.PutTemplate")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStorePutTemplateCount)
	return is.s.PutTemplate(ctx, template)
}

func (is *instrumentedService) GetTemplate(ctx context.Context, h wire.Hash) ([]byte, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.GetTemplate")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreGetTemplateCount)
	return is.s.GetTemplate(ctx, h)
}

func (is *instrumentedService) EnqueueJob(ctx context.Context, h wire.Hash, genome []float64) (uint32, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.EnqueueJob")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreEnqueueJobCount)
	return is.s.EnqueueJob(ctx, h, genome)
}

// NextJob only counts jobs actually handed out.
func (is *instrumentedService) NextJob(ctx context.Context) (*Job, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.NextJob")
	defer span.End()
	job, err := is.s.NextJob(ctx)
	if err == nil {
		telemetry.RecordUnitMeasurement(ctx, mStateStoreNextJobCount)
	}
	return job, err
}

func (is *instrumentedService) RecordScore(ctx context.Context, runID uint32, score float64) error {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.RecordScore")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreRecordScoreCount)
	return is.s.RecordScore(ctx, runID, score)
}

func (is *instrumentedService) GetScore(ctx context.Context, runID uint32) (float64, bool, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.GetScore")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreGetScoreCount)
	return is.s.GetScore(ctx, runID)
}

func (is *instrumentedService) RequeueExpired(ctx context.Context) (int, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.RequeueExpired")
	defer span.End()
	n, err := is.s.RequeueExpired(ctx)
	telemetry.RecordNUnitMeasurement(ctx, mStateStoreRequeueExpiredCount, int64(n))
	return n, err
}
