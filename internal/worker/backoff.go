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
	"sync"
	"time"

	"evalfarm.dev/evalfarm/internal/expbo"
	"github.com/cenkalti/backoff"
)

// DefaultBackoff is the failure delay policy when worker.backoff is unset.
const DefaultBackoff = "[0.5 30] *1.5 ~0.33 <0"

// retryPolicy spaces cycles after transport failures. The randomized delay
// grows with consecutive failures up to MaxInterval and drops back to the
// floor after a success. Within a run of failures a delay is never shorter
// than the one before it.
type retryPolicy struct {
	mu   sync.Mutex
	b    *backoff.ExponentialBackOff
	last time.Duration
}

func newRetryPolicy(b *backoff.ExponentialBackOff) *retryPolicy {
	if b == nil {
		b, _ = expbo.New(DefaultBackoff)
	}
	// The worker never gives up on its hosts.
	b.MaxElapsedTime = 0
	b.Reset()
	return &retryPolicy{b: b}
}

// failure returns the delay before the next attempt.
func (p *retryPolicy) failure() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.b.NextBackOff()
	if d == backoff.Stop {
		d = p.b.MaxInterval
	}
	if d < p.last {
		d = p.last
	}
	p.last = d
	return d
}

func (p *retryPolicy) success() {
	p.mu.Lock()
	p.b.Reset()
	p.last = 0
	p.mu.Unlock()
}
