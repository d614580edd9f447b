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

	"evalfarm.dev/evalfarm/internal/wire"
	"github.com/sirupsen/logrus"
)

// Operation names used in errors, logs and metrics.
const (
	OpRequestGenome   = "RequestGenome"
	OpRequestTemplate = "RequestTemplate"
	OpReportScore     = "ReportScore"
)

// Client implements Transport on top of an Exchanger by building requests
// and checking that each reply answers the request it was sent for.
type Client struct {
	name string
	ex   Exchanger
}

// NewClient returns a Transport named name that exchanges messages with ex.
func NewClient(name string, ex Exchanger) *Client {
	return &Client{name: name, ex: ex}
}

// Name returns the transport name, e.g. "stream".
func (c *Client) Name() string {
	return c.name
}

// RequestGenome asks host for a job.
func (c *Client) RequestGenome(ctx context.Context, host string) (*wire.Message, error) {
	reply, err := c.exchange(ctx, OpRequestGenome, host, &wire.Message{Kind: wire.KindRequestGenome}, func(reply *wire.Message) error {
		if reply.Kind != wire.KindRequestGenome {
			return Errorf(Protocol, "reply opcode %s", reply.Kind)
		}
		if !reply.HasJob() {
			return ErrNoJob
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// RequestTemplate fetches the template that genomeMsg refers to. The reply
// must hash to the content hash of genomeMsg.
func (c *Client) RequestTemplate(ctx context.Context, host string, genomeMsg *wire.Message) ([]byte, error) {
	req := &wire.Message{
		Kind:   wire.KindRequestTemplate,
		RunID:  genomeMsg.RunID,
		Sender: genomeMsg.Sender,
		Hash:   genomeMsg.Hash,
	}
	reply, err := c.exchange(ctx, OpRequestTemplate, host, req, func(reply *wire.Message) error {
		if reply.Kind != wire.KindRequestTemplate {
			return Errorf(Protocol, "reply opcode %s", reply.Kind)
		}
		if got := wire.HashOf(reply.Template); got != genomeMsg.Hash {
			return Errorf(Protocol, "template hash %s, want %s", got, genomeMsg.Hash)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reply.Template, nil
}

// ReportScore sends the fitness of the run genomeMsg assigned, echoing its
// sender, and waits for the acknowledgement.
func (c *Client) ReportScore(ctx context.Context, host string, genomeMsg *wire.Message, score float64) error {
	runID := genomeMsg.RunID
	req := &wire.Message{
		Kind:   wire.KindReportScore,
		RunID:  runID,
		Sender: genomeMsg.Sender,
		Hash:   genomeMsg.Hash,
		Score:  score,
	}
	_, err := c.exchange(ctx, OpReportScore, host, req, func(reply *wire.Message) error {
		if reply.Kind != wire.KindReportScore || reply.RunID != runID {
			return Errorf(Protocol, "reply %s for run %d, want acknowledgement of run %d", reply.Kind, reply.RunID, runID)
		}
		return nil
	})
	return err
}

// Close releases the resources of the underlying Exchanger.
func (c *Client) Close() error {
	return c.ex.Close()
}

func (c *Client) exchange(ctx context.Context, op, host string, req *wire.Message, check func(*wire.Message) error) (*wire.Message, error) {
	start := time.Now()
	reply, err := c.ex.Exchange(ctx, host, req)
	if err == nil {
		err = check(reply)
	}
	if err != nil && err != ErrNoJob {
		err = Classify(err, ConnectFailed)
		if te, ok := err.(*Error); ok {
			te.Op, te.Host = op, host
		}
	}
	recordRequest(ctx, op, start, err)
	if err == ErrNoJob {
		return nil, err
	}
	if err != nil {
		logger.WithFields(logrus.Fields{
			"transport": c.name,
			"op":        op,
			"host":      host,
		}).WithError(err).Debug("request failed")
		return nil, err
	}
	return reply, nil
}
