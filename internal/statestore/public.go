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

// Package statestore keeps the evaluation server's templates, job queue and
// scores.
package statestore

import (
	"context"

	"evalfarm.dev/evalfarm/internal/config"
	"evalfarm.dev/evalfarm/internal/telemetry"
	"evalfarm.dev/evalfarm/internal/wire"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned for unknown templates and runs.
	ErrNotFound = errors.New("not found")
	// ErrNoJob is returned by NextJob when the queue is empty.
	ErrNoJob = errors.New("job queue is empty")
)

// Job is one genome to evaluate against a stored template.
type Job struct {
	RunID  uint32
	Hash   wire.Hash
	Genome []float64
}

// Service is a generic interface for talking to a storage backend.
type Service interface {
	// HealthCheck indicates if the database is reachable.
	HealthCheck(ctx context.Context) error

	// PutTemplate stores a template document under its content hash.
	PutTemplate(ctx context.Context, template []byte) (wire.Hash, error)

	// GetTemplate returns the template with the given hash.
	GetTemplate(ctx context.Context, h wire.Hash) ([]byte, error)

	// EnqueueJob queues a genome for the template h and returns its run id.
	// The template must already be stored.
	EnqueueJob(ctx context.Context, h wire.Hash, genome []float64) (uint32, error)

	// NextJob takes the oldest queued job and leases it. A job whose lease
	// expires before its score arrives is queued again by RequeueExpired.
	NextJob(ctx context.Context) (*Job, error)

	// RecordScore stores the score of a run and ends its lease. Only the
	// first score of a run is kept.
	RecordScore(ctx context.Context, runID uint32, score float64) error

	// GetScore returns the score of a run; ok is false while it is pending.
	GetScore(ctx context.Context, runID uint32) (score float64, ok bool, err error)

	// RequeueExpired queues again every job whose lease has expired.
	RequeueExpired(ctx context.Context) (int, error)

	// Closes the connection to the underlying storage.
	Close() error
}

// New creates a Service based on the configuration.
func New(cfg config.View) Service {
	s := newRedis(cfg)
	if cfg.GetBool(telemetry.ConfigNameEnableMetrics) {
		return &instrumentedService{
			s: s,
		}
	}
	return s
}
