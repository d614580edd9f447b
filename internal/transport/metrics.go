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

package transport

import (
	"context"
	"time"

	"evalfarm.dev/evalfarm/internal/telemetry"
	"evalfarm.dev/evalfarm/internal/wire"
	"go.opencensus.io/tag"
)

var (
	keyOp    = tag.MustNewKey("op")
	keyKind  = tag.MustNewKey("kind")
	keyError = tag.MustNewKey("error")

	mRequests = telemetry.Counter("transport/requests", "requests sent to evaluation servers", keyOp)
	mFailures = telemetry.Counter("transport/failures", "failed requests", keyOp, keyKind)
	mLatency  = telemetry.HistogramWithBounds("transport/latency", "Round trip latency of successful requests", "ms", telemetry.HistogramBounds, keyOp)
	mServed   = telemetry.Counter("transport/served", "requests answered by this server", keyOp, keyError)
	mServeDur = telemetry.HistogramWithBounds("transport/serve_latency", "Time spent answering a request", "ms", telemetry.HistogramBounds, keyOp)
)

func recordRequest(ctx context.Context, op string, start time.Time, err error) {
	telemetry.RecordUnitMeasurement(ctx, mRequests, tag.Upsert(keyOp, op))
	if err == nil {
		telemetry.RecordSince(ctx, mLatency, start, tag.Upsert(keyOp, op))
		return
	}
	kind := "unknown"
	if k, ok := KindOf(err); ok {
		kind = k.String()
	} else if err == ErrNoJob {
		kind = "no job"
	}
	telemetry.RecordUnitMeasurement(ctx, mFailures, tag.Upsert(keyOp, op), tag.Upsert(keyKind, kind))
}

func recordServed(ctx context.Context, k wire.Kind, start time.Time, err error) {
	failed := "false"
	if err != nil {
		failed = "true"
	}
	telemetry.RecordUnitMeasurement(ctx, mServed, tag.Upsert(keyOp, k.String()), tag.Upsert(keyError, failed))
	telemetry.RecordSince(ctx, mServeDur, start, tag.Upsert(keyOp, k.String()))
}
