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

// Package ballistics is a small reference engine: point bodies launched
// under gravity with quadratic drag. A run ends when every body has landed
// or the time limit is reached. The fitness is the mean horizontal distance
// of the bodies, or their mean peak height with objective "height".
package ballistics

import (
	"math"

	"evalfarm.dev/evalfarm/internal/simulation"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Name selects this engine in worker.engine.
const Name = "ballistics"

const (
	defaultGravity = 9.81
	defaultStep    = 0.01
	defaultMaxTime = 60
)

// Body is one projectile of a model.
type Body struct {
	Mass float64 `yaml:"mass"`
	Drag float64 `yaml:"drag"`
	X    float64 `yaml:"x"`
	Y    float64 `yaml:"y"`
	VX   float64 `yaml:"vx"`
	VY   float64 `yaml:"vy"`
}

// Model is the document format understood by the engine.
type Model struct {
	Gravity   float64 `yaml:"gravity"`
	Step      float64 `yaml:"step"`
	MaxTime   float64 `yaml:"maxTime"`
	Objective string  `yaml:"objective"`
	Bodies    []Body  `yaml:"bodies"`
}

type state struct {
	Body
	x0     float64
	landed bool
	peak   float64
}

// Engine implements simulation.Engine.
type Engine struct {
	model  Model
	bodies []state
	t      float64
}

// New returns an empty engine.
func New() simulation.Engine {
	return &Engine{}
}

// LoadModel implements simulation.Engine.
func (e *Engine) LoadModel(doc []byte) error {
	m := Model{Gravity: defaultGravity, Step: defaultStep, MaxTime: defaultMaxTime, Objective: "range"}
	if err := yaml.Unmarshal(doc, &m); err != nil {
		return errors.Wrap(err, "cannot parse model")
	}
	switch {
	case len(m.Bodies) == 0:
		return errors.New("model has no bodies")
	case !(m.Step > 0), !(m.MaxTime > 0):
		return errors.Errorf("step %v and maxTime %v must be positive", m.Step, m.MaxTime)
	case m.Objective != "range" && m.Objective != "height":
		return errors.Errorf("unknown objective %q", m.Objective)
	}
	for i, b := range m.Bodies {
		if !(b.Mass > 0) || b.Drag < 0 {
			return errors.Errorf("body %d: mass must be positive and drag non-negative", i)
		}
	}

	e.model = m
	e.t = 0
	e.bodies = make([]state, len(m.Bodies))
	for i, b := range m.Bodies {
		e.bodies[i] = state{Body: b, x0: b.X, peak: b.Y}
	}
	return nil
}

// Advance implements simulation.Engine with a semi-implicit Euler step.
func (e *Engine) Advance() {
	dt := e.model.Step
	for i := range e.bodies {
		b := &e.bodies[i]
		if b.landed {
			continue
		}
		speed := math.Hypot(b.VX, b.VY)
		k := b.Drag / b.Mass * speed
		b.VX += -k * b.VX * dt
		b.VY += (-e.model.Gravity - k*b.VY) * dt
		b.X += b.VX * dt
		b.Y += b.VY * dt
		if b.Y > b.peak {
			b.peak = b.Y
		}
		if b.Y <= 0 && b.VY < 0 {
			b.Y = 0
			b.landed = true
		}
	}
	e.t += dt
}

// ShouldStop implements simulation.Engine.
func (e *Engine) ShouldStop() bool {
	if e.t >= e.model.MaxTime {
		return true
	}
	for _, b := range e.bodies {
		if !b.landed {
			return false
		}
	}
	return true
}

// IsCatastrophic implements simulation.Engine.
func (e *Engine) IsCatastrophic() bool {
	for _, b := range e.bodies {
		for _, v := range []float64{b.X, b.Y, b.VX, b.VY} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return true
			}
		}
	}
	return false
}

// ComputeFitness implements simulation.Engine. Diverged runs score zero.
func (e *Engine) ComputeFitness() float64 {
	if len(e.bodies) == 0 || e.IsCatastrophic() {
		return 0
	}
	sum := 0.0
	for _, b := range e.bodies {
		if e.model.Objective == "height" {
			sum += b.peak
		} else {
			sum += math.Abs(b.X - b.x0)
		}
	}
	return sum / float64(len(e.bodies))
}
