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

// Package transporttest provides in-memory servers and transports for tests.
package transporttest

import (
	"context"
	"sync"

	"evalfarm.dev/evalfarm/internal/wire"
	"github.com/pkg/errors"
)

// Job is one genome offered by a Handler.
type Job struct {
	RunID    uint32
	Template []byte
	Genome   []float64
}

// Handler is a transport.Handler serving a fixed list of jobs. It records
// every template request and reported score.
type Handler struct {
	mu               sync.Mutex
	jobs             []Job
	templates        map[wire.Hash][]byte
	scores           map[uint32]float64
	templateRequests int
}

// NewHandler returns a Handler that hands out jobs in order.
func NewHandler(jobs ...Job) *Handler {
	h := &Handler{
		templates: map[wire.Hash][]byte{},
		scores:    map[uint32]float64{},
	}
	for _, j := range jobs {
		h.templates[wire.HashOf(j.Template)] = j.Template
	}
	h.jobs = jobs
	return h
}

// Handle implements transport.Handler.
func (h *Handler) Handle(_ context.Context, req *wire.Message) (*wire.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch req.Kind {
	case wire.KindRequestGenome:
		if len(h.jobs) == 0 {
			return &wire.Message{Kind: wire.KindRequestGenome}, nil
		}
		j := h.jobs[0]
		h.jobs = h.jobs[1:]
		return &wire.Message{
			Kind:   wire.KindRequestGenome,
			RunID:  j.RunID,
			Hash:   wire.HashOf(j.Template),
			Genome: j.Genome,
		}, nil
	case wire.KindRequestTemplate:
		h.templateRequests++
		t, ok := h.templates[req.Hash]
		if !ok {
			return nil, errors.Errorf("unknown template %s", req.Hash)
		}
		return &wire.Message{Kind: wire.KindRequestTemplate, RunID: req.RunID, Hash: req.Hash, Template: t}, nil
	case wire.KindReportScore:
		h.scores[req.RunID] = req.Score
		return &wire.Message{Kind: wire.KindReportScore, RunID: req.RunID, Hash: req.Hash}, nil
	}
	return nil, errors.Errorf("unexpected request %s", req.Kind)
}

// TemplateRequests returns how many templates were served.
func (h *Handler) TemplateRequests() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.templateRequests
}

// Scores returns a copy of the reported scores by run id.
func (h *Handler) Scores() map[uint32]float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[uint32]float64, len(h.scores))
	for k, v := range h.scores {
		out[k] = v
	}
	return out
}
