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

package worker

import (
	"context"

	"evalfarm.dev/evalfarm/internal/queue"
	"golang.org/x/sync/errgroup"
)

func (w *Worker) runSequential(ctx context.Context) error {
	for ctx.Err() == nil {
		j, err := w.acquire(ctx)
		if err != nil {
			w.recover(ctx, err)
			continue
		}
		r, err := w.evaluate(ctx, j)
		if err != nil {
			w.abandon(ctx, j, err)
			w.setState(Idle)
			continue
		}
		if err := w.report(ctx, r); err != nil {
			w.recover(ctx, err)
			continue
		}
		w.setState(Idle)
	}
	return nil
}

type evaluation struct {
	result *pendingResult
	err    error
}

// runPipelined overlaps the evaluation of genome N, on its own goroutine,
// with reporting N-1 and requesting N+1 on this one. The next evaluation
// starts only after the previous one has returned.
func (w *Worker) runPipelined(ctx context.Context) error {
	var (
		cur     *job
		pending *pendingResult
	)
	for ctx.Err() == nil {
		if cur == nil {
			if pending != nil {
				if err := w.report(ctx, pending); err != nil {
					w.recover(ctx, err)
				}
				pending = nil
				continue
			}
			j, err := w.acquire(ctx)
			if err != nil {
				w.recover(ctx, err)
				continue
			}
			cur = j
		}

		done := make(chan evaluation, 1)
		go func(j *job) {
			r, err := w.evaluate(ctx, j)
			done <- evaluation{result: r, err: err}
		}(cur)

		var ioErr error
		if pending != nil {
			ioErr = w.report(ctx, pending)
			pending = nil
		}
		var next *job
		if ioErr == nil {
			next, ioErr = w.acquire(ctx)
		}

		ev := <-done
		if ev.err != nil {
			w.abandon(ctx, cur, ev.err)
		} else {
			pending = ev.result
		}
		cur = next
		if ioErr != nil {
			w.recover(ctx, ioErr)
		}
	}
	w.flush(ctx, pending)
	return nil
}

// runQueued hands every transport call to a queue.Backend and only
// evaluates on this goroutine.
func (w *Worker) runQueued(ctx context.Context) error {
	fetch := func(ctx context.Context) (*job, error) {
		j, err := w.acquire(ctx)
		if err != nil {
			w.recover(ctx, err)
			return nil, err
		}
		w.setState(Idle)
		return j, nil
	}
	send := func(ctx context.Context, r *pendingResult) error {
		return w.tr.ReportScore(ctx, r.host, r.assignment(), r.score)
	}
	backend := queue.New[*job, *pendingResult](fetch, send, w.queueOpts)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return backend.Run(ctx) })
	g.Go(func() error {
		for {
			j, ok := backend.UnqueueReceivePackage(ctx)
			if !ok {
				return nil
			}
			r, err := w.evaluate(ctx, j)
			if err != nil {
				w.abandon(ctx, j, err)
				continue
			}
			w.record(ctx, "queued")
			backend.QueueSendPackage(r)
		}
	})
	return g.Wait()
}
