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

// Package worker runs the evaluation cycle: request a genome, resolve its
// template through the cache, evaluate the model and report the score,
// rotating hosts and backing off when the transport fails.
package worker

import (
	"context"
	"net/netip"
	"strings"
	"sync/atomic"
	"time"

	"evalfarm.dev/evalfarm/internal/genome"
	"evalfarm.dev/evalfarm/internal/queue"
	"evalfarm.dev/evalfarm/internal/simulation"
	"evalfarm.dev/evalfarm/internal/telemetry"
	"evalfarm.dev/evalfarm/internal/templatecache"
	"evalfarm.dev/evalfarm/internal/transport"
	"evalfarm.dev/evalfarm/internal/util"
	"evalfarm.dev/evalfarm/internal/wire"
	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/tag"
)

// Mode selects how I/O and evaluation are scheduled.
type Mode string

const (
	// Sequential runs one cycle at a time.
	Sequential Mode = "sequential"
	// Pipelined evaluates genome N while reporting N-1 and requesting N+1.
	Pipelined Mode = "pipelined"
	// Queued moves all transport calls to the queue backend goroutines.
	Queued Mode = "queued"
)

// ParseMode returns the Mode named by s. The empty string is Pipelined.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return Pipelined, nil
	case Sequential, Pipelined, Queued:
		return m, nil
	}
	return "", errors.Errorf("unknown worker mode %q", s)
}

const (
	// DefaultIdlePoll is the wait after a server reports it has no job.
	DefaultIdlePoll = time.Second
	// flushTimeout bounds the final report sent after a stop request.
	flushTimeout = 5 * time.Second
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "evalfarm",
		"component": "worker",
	})

	keyOutcome = tag.MustNewKey("outcome")
	mCycles    = telemetry.Counter("worker/cycles", "finished worker cycles", keyOutcome)
	mHostMoves = telemetry.Counter("worker/host_rotations", "host cursor advances after a failure")
	mEvalTime  = telemetry.HistogramWithBounds("worker/evaluation", "Substitution and simulation time of one genome", "ms", telemetry.HistogramBounds)
)

// Options configures a Worker.
type Options struct {
	Hosts     []string
	Transport transport.Transport
	Engine    simulation.Factory
	Mode      Mode
	// Backoff spaces cycles after failures; DefaultBackoff when nil.
	Backoff       *backoff.ExponentialBackOff
	IdlePoll      time.Duration
	CacheCapacity int
	MaxSteps      int
	Queue         queue.Options
	// Sleep replaces util.Sleep, for tests.
	Sleep func(context.Context, time.Duration) error
	// OnTransition is called on every state change.
	OnTransition func(from, to State)
}

// job is a genome assignment whose template has been resolved.
type job struct {
	msg      *wire.Message
	host     string
	template string
}

// pendingResult is a score waiting to be reported.
type pendingResult struct {
	runID  uint32
	sender netip.AddrPort
	hash   wire.Hash
	host   string
	score  float64
}

// assignment rebuilds the genome reply the score answers.
func (r *pendingResult) assignment() *wire.Message {
	return &wire.Message{Kind: wire.KindRequestGenome, RunID: r.runID, Sender: r.sender, Hash: r.hash}
}

// Worker is one evaluation client.
type Worker struct {
	tr        transport.Transport
	hosts     *HostList
	cache     *templatecache.Cache
	subst     *genome.Substituter
	engine    simulation.Factory
	runner    simulation.Runner
	policy    *retryPolicy
	idlePoll  time.Duration
	sleep     func(context.Context, time.Duration) error
	mode      Mode
	queueOpts queue.Options

	state        int32
	onTransition func(from, to State)
}

// New validates o and returns a Worker.
func New(o Options) (*Worker, error) {
	hosts, err := NewHostList(o.Hosts)
	if err != nil {
		return nil, err
	}
	if o.Transport == nil {
		return nil, errors.New("worker needs a transport")
	}
	if o.Engine == nil {
		return nil, errors.New("worker needs a simulation engine")
	}
	if o.Mode == "" {
		o.Mode = Pipelined
	}
	if _, err := ParseMode(string(o.Mode)); err != nil {
		return nil, err
	}
	if o.IdlePoll <= 0 {
		o.IdlePoll = DefaultIdlePoll
	}
	if o.Sleep == nil {
		o.Sleep = util.Sleep
	}
	if o.Queue.Sleep == nil {
		o.Queue.Sleep = o.Sleep
	}
	return &Worker{
		tr:           o.Transport,
		hosts:        hosts,
		cache:        templatecache.New(o.CacheCapacity),
		subst:        genome.NewSubstituter(),
		engine:       o.Engine,
		runner:       simulation.Runner{MaxSteps: o.MaxSteps},
		policy:       newRetryPolicy(o.Backoff),
		idlePoll:     o.IdlePoll,
		sleep:        o.Sleep,
		mode:         o.Mode,
		queueOpts:    o.Queue,
		onTransition: o.OnTransition,
	}, nil
}

// State returns the current state of the request loop.
func (w *Worker) State() State {
	return State(atomic.LoadInt32(&w.state))
}

// Hosts returns the worker's host list.
func (w *Worker) Hosts() *HostList {
	return w.hosts
}

// Cache returns the worker's template cache.
func (w *Worker) Cache() *templatecache.Cache {
	return w.cache
}

// Close releases the transport. Call it after Run has returned.
func (w *Worker) Close() error {
	return w.tr.Close()
}

// Run cycles until ctx is done and returns nil on a clean stop.
func (w *Worker) Run(ctx context.Context) error {
	logger.WithFields(logrus.Fields{
		"mode":  w.mode,
		"hosts": w.hosts.Hosts(),
	}).Info("Worker started")
	defer logger.Info("Worker stopped")

	switch w.mode {
	case Sequential:
		return w.runSequential(ctx)
	case Queued:
		return w.runQueued(ctx)
	default:
		return w.runPipelined(ctx)
	}
}

func (w *Worker) setState(to State) {
	from := State(atomic.SwapInt32(&w.state, int32(to)))
	if w.onTransition != nil && from != to {
		w.onTransition(from, to)
	}
}

// acquire requests a genome from the current host and resolves its
// template, fetching it only on a cache miss.
func (w *Worker) acquire(ctx context.Context) (*job, error) {
	host := w.hosts.Current()
	w.setState(RequestingJob)
	msg, err := w.tr.RequestGenome(ctx, host)
	if err != nil {
		return nil, err
	}
	w.policy.success()

	template, ok := w.cache.Lookup(msg.Hash)
	if !ok {
		w.setState(TemplateMissing)
		b, err := w.tr.RequestTemplate(ctx, host, msg)
		if err != nil {
			return nil, err
		}
		template = string(b)
		w.cache.Insert(msg.Hash, template)
	}
	return &job{msg: msg, host: host, template: template}, nil
}

// evaluate produces the model document for j and runs it. The engine is
// created here and never leaves this call.
func (w *Worker) evaluate(ctx context.Context, j *job) (*pendingResult, error) {
	w.setState(Evaluating)
	start := time.Now()
	doc, err := w.subst.Substitute(ctx, j.msg.Hash, j.template, j.msg.Genome)
	if err != nil {
		return nil, errors.Wrapf(err, "template %s", j.msg.Hash)
	}
	score, err := w.runner.Run(ctx, w.engine(), []byte(doc))
	if err != nil {
		return nil, err
	}
	telemetry.RecordSince(ctx, mEvalTime, start)
	return &pendingResult{
		runID:  j.msg.RunID,
		sender: j.msg.Sender,
		hash:   j.msg.Hash,
		host:   j.host,
		score:  score,
	}, nil
}

// report sends r to the host that issued its job.
func (w *Worker) report(ctx context.Context, r *pendingResult) error {
	w.setState(ReportingResult)
	err := w.tr.ReportScore(ctx, r.host, r.assignment(), r.score)
	if err == nil {
		w.policy.success()
		w.record(ctx, "reported")
		logger.WithFields(logrus.Fields{
			"runID": r.runID,
			"host":  r.host,
			"score": r.score,
		}).Debug("Score reported")
	}
	return err
}

// abandon drops a run whose evaluation failed.
func (w *Worker) abandon(ctx context.Context, j *job, err error) {
	if ctx.Err() != nil {
		return
	}
	w.record(ctx, "abandoned")
	logger.WithFields(logrus.Fields{
		"runID": j.msg.RunID,
		"hash":  j.msg.Hash.String(),
		"host":  j.host,
	}).WithError(err).Warning("Run abandoned, no score reported")
}

// recover handles a failed transport call: an idle server is polled again
// later, any other failure moves to the next host after a backoff delay.
func (w *Worker) recover(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	w.setState(Idle)
	if err == transport.ErrNoJob {
		w.policy.success()
		w.record(ctx, "idle")
		_ = w.sleep(ctx, w.idlePoll)
		return
	}

	from := w.hosts.Current()
	to := w.hosts.Advance()
	telemetry.RecordUnitMeasurement(ctx, mHostMoves)
	w.record(ctx, "transport failure")
	d := w.policy.failure()
	logger.WithFields(logrus.Fields{
		"failedHost": from,
		"nextHost":   to,
		"delay":      d,
	}).WithError(err).Warning("Transport failure, switching host")
	_ = w.sleep(ctx, d)
}

func (w *Worker) record(ctx context.Context, outcome string) {
	telemetry.RecordUnitMeasurement(ctx, mCycles, tag.Upsert(keyOutcome, outcome))
}

// flush reports r after a stop request, within a short grace period.
func (w *Worker) flush(ctx context.Context, r *pendingResult) {
	if r == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	if err := w.report(ctx, r); err != nil {
		logger.WithError(err).WithField("runID", r.runID).Warning("Cannot report final score")
	}
}
