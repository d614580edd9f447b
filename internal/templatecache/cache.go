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

// Package templatecache holds recently used model templates keyed by their
// content hash.
package templatecache

import (
	"context"
	"sync"

	"evalfarm.dev/evalfarm/internal/telemetry"
	"evalfarm.dev/evalfarm/internal/wire"
	"github.com/sirupsen/logrus"
)

// DefaultCapacity is the number of templates kept when no capacity is
// configured. A worker rarely serves more than a few experiments at once.
const DefaultCapacity = 10

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "evalfarm",
		"component": "templatecache",
	})

	mCacheHits      = telemetry.Counter("templatecache/hits", "template cache hits")
	mCacheMisses    = telemetry.Counter("templatecache/misses", "template cache misses")
	mCacheEvictions = telemetry.Counter("templatecache/evictions", "templates evicted from the cache")
)

// Cache is a bounded map from content hash to template text. When full, the
// oldest inserted entry is evicted first. Lookups do not affect eviction
// order. Cache is safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[wire.Hash]string
	order    []wire.Hash
}

// New creates a cache holding at most capacity templates. A non-positive
// capacity selects DefaultCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[wire.Hash]string, capacity+1),
		order:    make([]wire.Hash, 0, capacity+1),
	}
}

// Lookup returns the template stored under h.
func (c *Cache) Lookup(h wire.Hash) (string, bool) {
	c.mu.Lock()
	t, ok := c.entries[h]
	c.mu.Unlock()

	if ok {
		telemetry.RecordUnitMeasurement(context.Background(), mCacheHits)
	} else {
		telemetry.RecordUnitMeasurement(context.Background(), mCacheMisses)
	}
	return t, ok
}

// Insert stores template under h. Inserting a hash that is already present
// leaves the cache unchanged, since equal hashes imply equal templates.
func (c *Cache) Insert(h wire.Hash, template string) {
	c.mu.Lock()
	if _, ok := c.entries[h]; ok {
		c.mu.Unlock()
		return
	}
	c.entries[h] = template
	c.order = append(c.order, h)

	var evicted []wire.Hash
	for len(c.order) > c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
		evicted = append(evicted, oldest)
	}
	c.mu.Unlock()

	for _, h := range evicted {
		logger.WithField("hash", h.String()).Debug("Evicted template")
		telemetry.RecordUnitMeasurement(context.Background(), mCacheEvictions)
	}
}

// Len returns the number of cached templates.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Hashes returns the cached hashes, oldest first.
func (c *Cache) Hashes() []wire.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.Hash, len(c.order))
	copy(out, c.order)
	return out
}
