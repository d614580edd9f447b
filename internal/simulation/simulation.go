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

// Package simulation defines the contract of simulation engines and runs
// model documents through them.
package simulation

import (
	"context"
	"time"

	"evalfarm.dev/evalfarm/internal/telemetry"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/tag"
)

// cancelCheckInterval is the number of steps between context checks.
const cancelCheckInterval = 256

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "evalfarm",
		"component": "simulation",
	})

	keyOutcome = tag.MustNewKey("outcome")
	mRuns      = telemetry.Counter("simulation/runs", "simulation runs", keyOutcome)
	mRunTime   = telemetry.HistogramWithBounds("simulation/duration", "Wall time of a simulation run", "ms", telemetry.HistogramBounds)
	mSteps     = telemetry.HistogramWithBounds("simulation/steps", "Steps taken by a simulation run", "1", []float64{10, 100, 1000, 10000, 100000, 1000000, 10000000})
)

// Engine is a simulation loaded from a model document. An Engine is used by
// one goroutine at a time.
type Engine interface {
	// LoadModel parses and validates a model document.
	LoadModel(doc []byte) error
	// Advance moves the simulation one step forward.
	Advance()
	// ShouldStop reports whether the simulation has completed.
	ShouldStop() bool
	// IsCatastrophic reports whether the simulation diverged.
	IsCatastrophic() bool
	// ComputeFitness returns the score of the current state.
	ComputeFitness() float64
}

// Factory creates an empty engine for one run.
type Factory func() Engine

// ModelError is returned when the engine rejects a model document.
type ModelError struct {
	Err error
}

func (e *ModelError) Error() string {
	return "model rejected: " + e.Err.Error()
}

// Unwrap returns the engine's error.
func (e *ModelError) Unwrap() error { return e.Err }

// IsModelError reports whether err is a rejected model.
func IsModelError(err error) bool {
	var me *ModelError
	return errors.As(err, &me)
}

// Runner runs engines to completion.
type Runner struct {
	// MaxSteps ends runs that have not stopped on their own after this many
	// steps. Zero means no limit.
	MaxSteps int
}

// Run loads doc into e and advances it until it stops or diverges, then
// returns its fitness. The engine is owned by the caller's goroutine for
// the duration of the call.
func (r Runner) Run(ctx context.Context, e Engine, doc []byte) (float64, error) {
	start := time.Now()
	if err := e.LoadModel(doc); err != nil {
		record(ctx, "rejected", start, 0)
		return 0, &ModelError{Err: err}
	}

	steps := 0
	outcome := "completed"
	for {
		if e.IsCatastrophic() {
			outcome = "catastrophic"
			break
		}
		if e.ShouldStop() {
			break
		}
		if r.MaxSteps > 0 && steps >= r.MaxSteps {
			outcome = "step limit"
			break
		}
		if steps%cancelCheckInterval == 0 && ctx.Err() != nil {
			record(ctx, "cancelled", start, steps)
			return 0, ctx.Err()
		}
		e.Advance()
		steps++
	}

	score := e.ComputeFitness()
	record(ctx, outcome, start, steps)
	logger.WithFields(logrus.Fields{
		"steps":   steps,
		"outcome": outcome,
		"score":   score,
	}).Debug("simulation finished")
	return score, nil
}

// Run runs e without a step limit.
func Run(ctx context.Context, e Engine, doc []byte) (float64, error) {
	return Runner{}.Run(ctx, e, doc)
}

func record(ctx context.Context, outcome string, start time.Time, steps int) {
	ctx = context.WithoutCancel(ctx)
	telemetry.RecordUnitMeasurement(ctx, mRuns, tag.Upsert(keyOutcome, outcome))
	telemetry.RecordSince(ctx, mRunTime, start)
	telemetry.RecordNUnitMeasurement(ctx, mSteps, int64(steps))
}
