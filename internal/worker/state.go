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

import "fmt"

// State is the phase of the worker's request, evaluate and report cycle.
type State int32

const (
	// Idle is between cycles.
	Idle State = iota
	// RequestingJob waits for a genome from the current host.
	RequestingJob
	// TemplateMissing fetches the template after a cache miss.
	TemplateMissing
	// Evaluating runs the model document through the simulation engine.
	Evaluating
	// ReportingResult sends the score back.
	ReportingResult
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case RequestingJob:
		return "RequestingJob"
	case TemplateMissing:
		return "TemplateMissing"
	case Evaluating:
		return "Evaluating"
	case ReportingResult:
		return "ReportingResult"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}
