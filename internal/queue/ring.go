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

package queue

import (
	"context"
	"sync"
)

// ring is a bounded FIFO that drops its oldest item when a push exceeds the
// bound.
type ring[T any] struct {
	mu     sync.Mutex
	items  []T
	bound  int
	notify chan struct{}
	// room is signalled when an item is removed.
	room chan struct{}
}

func newRing[T any](bound int) *ring[T] {
	if bound < 1 {
		bound = 1
	}
	return &ring[T]{
		bound:  bound,
		notify: make(chan struct{}, 1),
		room:   make(chan struct{}, 1),
	}
}

// push appends v and returns the dropped item, if any.
func (r *ring[T]) push(v T) (dropped T, ok bool) {
	r.mu.Lock()
	r.items = append(r.items, v)
	if len(r.items) > r.bound {
		dropped, ok = r.items[0], true
		var zero T
		r.items[0] = zero
		r.items = r.items[1:]
	}
	r.mu.Unlock()
	signal(r.notify)
	return dropped, ok
}

// tryPop removes the oldest item without blocking.
func (r *ring[T]) tryPop() (v T, ok bool) {
	r.mu.Lock()
	if len(r.items) > 0 {
		v, ok = r.items[0], true
		var zero T
		r.items[0] = zero
		r.items = r.items[1:]
	}
	more := len(r.items) > 0
	r.mu.Unlock()
	if ok {
		signal(r.room)
	}
	if more {
		signal(r.notify)
	}
	return v, ok
}

// pop blocks until an item is available or ctx is done.
func (r *ring[T]) pop(ctx context.Context) (T, bool) {
	for {
		if v, ok := r.tryPop(); ok {
			return v, true
		}
		select {
		case <-r.notify:
		case <-ctx.Done():
			var zero T
			return zero, false
		}
	}
}

// waitRoom blocks until the ring holds fewer than bound items.
func (r *ring[T]) waitRoom(ctx context.Context) bool {
	for {
		if r.len() < r.bound {
			return true
		}
		select {
		case <-r.room:
		case <-ctx.Done():
			return false
		}
	}
}

func (r *ring[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func signal(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}
