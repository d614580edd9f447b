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

package genome

import (
	"context"
	"sync"

	"evalfarm.dev/evalfarm/internal/telemetry"
	"evalfarm.dev/evalfarm/internal/wire"
	"github.com/sirupsen/logrus"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "evalfarm",
		"component": "genome",
	})

	mTemplateCompiles = telemetry.Counter("genome/compiles", "templates compiled")
	mEvalErrors       = telemetry.Counter("genome/evalerrors", "expressions substituted with zero after failing to evaluate")
)

// Substituter keeps the compiled form of the most recently used template and
// recompiles only when the template hash changes.
type Substituter struct {
	mu       sync.Mutex
	hash     wire.Hash
	compiled *Template
}

// NewSubstituter returns an empty Substituter.
func NewSubstituter() *Substituter {
	return &Substituter{}
}

// Substitute produces the model document for genome. text must be the
// template whose content hash is h. Expressions that fail to evaluate are
// replaced by 0 and logged.
func (s *Substituter) Substitute(ctx context.Context, h wire.Hash, text string, genome []float64) (string, error) {
	t, err := s.template(ctx, h, text)
	if err != nil {
		return "", err
	}

	doc, evalErrs := t.Apply(genome)
	if len(evalErrs) > 0 {
		telemetry.RecordNUnitMeasurement(ctx, mEvalErrors, int64(len(evalErrs)))
		for _, e := range evalErrs {
			logger.WithFields(logrus.Fields{
				"hash":  h.String(),
				"span":  e.Span,
				"expr":  e.Expr,
				"error": e.Err.Error(),
			}).Warning("Expression substituted with 0")
		}
	}
	return doc, nil
}

func (s *Substituter) template(ctx context.Context, h wire.Hash, text string) (*Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.compiled != nil && s.hash == h {
		return s.compiled, nil
	}

	t, err := Compile(text)
	if err != nil {
		return nil, err
	}
	telemetry.RecordUnitMeasurement(ctx, mTemplateCompiles)
	logger.WithFields(logrus.Fields{
		"hash":        h.String(),
		"expressions": t.Expressions(),
	}).Debug("Compiled template")
	s.hash = h
	s.compiled = t
	return t, nil
}
