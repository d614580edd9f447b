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

// Package queue decouples blocking transport calls from the evaluation loop.
// A receive goroutine keeps a bounded inbound queue filled and a send
// goroutine drains a bounded outbound queue, retrying failed sends. The
// evaluation loop only ever calls UnqueueReceivePackage and
// QueueSendPackage.
package queue

import (
	"context"
	"time"

	"evalfarm.dev/evalfarm/internal/config"
	"evalfarm.dev/evalfarm/internal/consts"
	"evalfarm.dev/evalfarm/internal/expbo"
	"evalfarm.dev/evalfarm/internal/telemetry"
	"evalfarm.dev/evalfarm/internal/util"
	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/tag"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultReceiveBound is the inbound queue size.
	DefaultReceiveBound = 2
	// DefaultSendBound is the outbound queue size.
	DefaultSendBound = 16
	// DefaultSendAttempts is how often a result is tried before it is dropped.
	DefaultSendAttempts = 10
	// DefaultSendBackoff is the delay policy between send attempts.
	DefaultSendBackoff = "[0.1 5] *2 ~0.1 <0"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "evalfarm",
		"component": "queue",
	})

	keyQueue = tag.MustNewKey("queue")
	mDropped = telemetry.Counter("queue/dropped", "items dropped from a full queue or after exhausting send attempts", keyQueue)
	mRetries = telemetry.Counter("queue/send_retries", "send attempts after a failure")
)

// FetchFunc produces the next inbound item. It is responsible for its own
// pacing on failure.
type FetchFunc[P any] func(ctx context.Context) (P, error)

// SendFunc delivers one outbound item.
type SendFunc[R any] func(ctx context.Context, r R) error

// Options tunes a Backend.
type Options struct {
	ReceiveBound int
	SendBound    int
	SendAttempts int
	// SendBackoff spaces send attempts. It is reset by every successful send.
	SendBackoff *backoff.ExponentialBackOff
	// Sleep waits between send attempts; util.Sleep when nil.
	Sleep func(context.Context, time.Duration) error
}

// OptionsFromConfig reads the queue.* settings.
func OptionsFromConfig(cfg config.View) (Options, error) {
	o := Options{
		ReceiveBound: cfg.GetInt(consts.QueueReceiveBound),
		SendBound:    cfg.GetInt(consts.QueueSendBound),
		SendAttempts: cfg.GetInt(consts.QueueSendAttempts),
	}
	spec := cfg.GetString(consts.QueueSendBackoff)
	if spec == "" {
		spec = DefaultSendBackoff
	}
	b, err := expbo.New(spec)
	if err != nil {
		return o, errors.Wrapf(err, "invalid %s", consts.QueueSendBackoff)
	}
	o.SendBackoff = b
	return o, nil
}

// Backend owns the inbound queue of P and the outbound queue of R.
type Backend[P, R any] struct {
	fetch    FetchFunc[P]
	send     SendFunc[R]
	attempts int
	bo       *backoff.ExponentialBackOff
	sleep    func(context.Context, time.Duration) error

	inbound  *ring[P]
	outbound *ring[R]
}

// New returns a Backend. Nothing runs until Run is called.
func New[P, R any](fetch FetchFunc[P], send SendFunc[R], o Options) *Backend[P, R] {
	if o.ReceiveBound <= 0 {
		o.ReceiveBound = DefaultReceiveBound
	}
	if o.SendBound <= 0 {
		o.SendBound = DefaultSendBound
	}
	if o.SendAttempts <= 0 {
		o.SendAttempts = DefaultSendAttempts
	}
	if o.SendBackoff == nil {
		o.SendBackoff, _ = expbo.New(DefaultSendBackoff)
	}
	if o.Sleep == nil {
		o.Sleep = util.Sleep
	}
	o.SendBackoff.Reset()
	return &Backend[P, R]{
		fetch:    fetch,
		send:     send,
		attempts: o.SendAttempts,
		bo:       o.SendBackoff,
		sleep:    o.Sleep,
		inbound:  newRing[P](o.ReceiveBound),
		outbound: newRing[R](o.SendBound),
	}
}

// Run services both queues until ctx is done. It returns nil on
// cancellation.
func (b *Backend[P, R]) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.receiveLoop(ctx) })
	g.Go(func() error { return b.sendLoop(ctx) })
	return g.Wait()
}

// UnqueueReceivePackage returns the oldest inbound item, blocking until one
// is available. ok is false once ctx is done.
func (b *Backend[P, R]) UnqueueReceivePackage(ctx context.Context) (p P, ok bool) {
	return b.inbound.pop(ctx)
}

// QueueSendPackage queues r for delivery without blocking. When the
// outbound queue is full the oldest queued result is dropped.
func (b *Backend[P, R]) QueueSendPackage(r R) {
	if _, dropped := b.outbound.push(r); dropped {
		telemetry.RecordUnitMeasurement(context.Background(), mDropped, tag.Upsert(keyQueue, "send"))
		logger.Warning("Outbound queue full, dropped oldest result")
	}
}

// Pending returns the number of queued inbound and outbound items.
func (b *Backend[P, R]) Pending() (inbound, outbound int) {
	return b.inbound.len(), b.outbound.len()
}

// receiveLoop fetches only while the inbound queue has room, so fetched
// work is not discarded while the evaluation loop is busy.
func (b *Backend[P, R]) receiveLoop(ctx context.Context) error {
	for {
		if !b.inbound.waitRoom(ctx) {
			return nil
		}
		p, err := b.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		if _, dropped := b.inbound.push(p); dropped {
			telemetry.RecordUnitMeasurement(ctx, mDropped, tag.Upsert(keyQueue, "receive"))
			logger.Warning("Inbound queue full, dropped oldest package")
		}
	}
}

func (b *Backend[P, R]) sendLoop(ctx context.Context) error {
	for {
		r, ok := b.outbound.pop(ctx)
		if !ok {
			return nil
		}
		b.deliver(ctx, r)
	}
}

// deliver tries r up to the configured number of attempts. The delay keeps
// growing across results until a send succeeds.
func (b *Backend[P, R]) deliver(ctx context.Context, r R) {
	for attempt := 1; ; attempt++ {
		err := b.send(ctx, r)
		if err == nil {
			b.bo.Reset()
			return
		}
		if ctx.Err() != nil {
			return
		}
		if attempt >= b.attempts {
			telemetry.RecordUnitMeasurement(ctx, mDropped, tag.Upsert(keyQueue, "send"))
			logger.WithError(err).WithField("attempts", attempt).Warning("Dropping result after exhausting send attempts")
			return
		}
		d := b.bo.NextBackOff()
		if d == backoff.Stop {
			d = b.bo.MaxInterval
		}
		telemetry.RecordUnitMeasurement(ctx, mRetries)
		logger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   d,
		}).Debug("Send failed, retrying")
		if b.sleep(ctx, d) != nil {
			return
		}
	}
}
