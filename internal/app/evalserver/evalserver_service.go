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

package evalserver

import (
	"context"
	"net"
	"net/netip"
	"time"

	"evalfarm.dev/evalfarm/internal/statestore"
	"evalfarm.dev/evalfarm/internal/telemetry"
	"evalfarm.dev/evalfarm/internal/transport"
	"evalfarm.dev/evalfarm/internal/wire"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "evalfarm",
		"component": "app.evalserver",
	})

	mJobsHanded     = telemetry.Counter("evalserver/jobs_handed", "jobs handed to workers")
	mIdleRequests   = telemetry.Counter("evalserver/idle_requests", "genome requests answered with no job")
	mScoresAccepted = telemetry.Counter("evalserver/scores_accepted", "scores accepted")
)

// evalService answers worker requests from the state store.
type evalService struct {
	store statestore.Service
}

func newEvalService(store statestore.Service) *evalService {
	return &evalService{store: store}
}

// Handle implements transport.Handler.
func (s *evalService) Handle(ctx context.Context, req *wire.Message) (*wire.Message, error) {
	ctx, span := trace.StartSpan(ctx, "evalserver.Handle/"+req.Kind.String())
	defer span.End()

	switch req.Kind {
	case wire.KindRequestGenome:
		return s.nextGenome(ctx)
	case wire.KindRequestTemplate:
		return s.template(ctx, req)
	case wire.KindReportScore:
		return s.score(ctx, req)
	}
	return nil, errors.Errorf("unexpected request %s", req.Kind)
}

func (s *evalService) nextGenome(ctx context.Context) (*wire.Message, error) {
	job, err := s.store.NextJob(ctx)
	if err == statestore.ErrNoJob {
		telemetry.RecordUnitMeasurement(ctx, mIdleRequests)
		return &wire.Message{Kind: wire.KindRequestGenome}, nil
	}
	if err != nil {
		return nil, err
	}
	telemetry.RecordUnitMeasurement(ctx, mJobsHanded)

	reply := &wire.Message{
		Kind:   wire.KindRequestGenome,
		RunID:  job.RunID,
		Hash:   job.Hash,
		Genome: job.Genome,
	}
	if peer, ok := transport.PeerFrom(ctx); ok {
		reply.Sender = addrPort(peer)
	}
	logger.WithFields(logrus.Fields{
		"runID":  job.RunID,
		"sender": reply.Sender.String(),
	}).Debug("handed out job")
	return reply, nil
}

func (s *evalService) template(ctx context.Context, req *wire.Message) (*wire.Message, error) {
	t, err := s.store.GetTemplate(ctx, req.Hash)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"runID": req.RunID,
			"hash":  req.Hash.String(),
			"error": err.Error(),
		}).Warning("cannot serve template")
		return nil, err
	}
	return &wire.Message{
		Kind:     wire.KindRequestTemplate,
		RunID:    req.RunID,
		Sender:   req.Sender,
		Hash:     req.Hash,
		Template: t,
	}, nil
}

func (s *evalService) score(ctx context.Context, req *wire.Message) (*wire.Message, error) {
	if err := s.store.RecordScore(ctx, req.RunID, req.Score); err != nil {
		logger.WithFields(logrus.Fields{
			"runID": req.RunID,
			"error": err.Error(),
		}).Warning("rejected score")
		return nil, err
	}
	telemetry.RecordUnitMeasurement(ctx, mScoresAccepted)
	return &wire.Message{
		Kind:   wire.KindReportScore,
		RunID:  req.RunID,
		Sender: req.Sender,
		Hash:   req.Hash,
	}, nil
}

// requeueLoop returns expired leases to the job queue until ctx is done.
func (s *evalService) requeueLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.store.RequeueExpired(ctx); err != nil && ctx.Err() == nil {
				logger.WithError(err).Error("failed to requeue expired jobs")
			}
		}
	}
}

func addrPort(addr net.Addr) netip.AddrPort {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.AddrPort()
	case *net.UDPAddr:
		return a.AddrPort()
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.AddrPort{}
	}
	return ap
}
