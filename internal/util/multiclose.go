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

package util

import (
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "evalfarm",
		"component": "util",
	})
)

// MultiClose collects close functions and runs them once, newest first.
// Resources are usually registered after the things they depend on, so
// reverse order releases dependants before their dependencies.
type MultiClose struct {
	m       sync.Mutex
	closers []func() error
	closed  bool
}

// NewMultiClose creates an empty MultiClose.
func NewMultiClose() *MultiClose {
	return &MultiClose{}
}

// Add registers a close function that can fail.
func (mc *MultiClose) Add(closer func() error) {
	mc.m.Lock()
	defer mc.m.Unlock()
	mc.closers = append(mc.closers, closer)
}

// AddFunc registers a close function that cannot fail.
func (mc *MultiClose) AddFunc(closer func()) {
	mc.Add(func() error {
		closer()
		return nil
	})
}

// Close runs every registered function and returns the first error. Later
// errors are logged. Calls after the first are no-ops.
func (mc *MultiClose) Close() error {
	mc.m.Lock()
	if mc.closed {
		mc.m.Unlock()
		return nil
	}
	mc.closed = true
	closers := mc.closers
	mc.closers = nil
	mc.m.Unlock()

	var first error
	for i := len(closers) - 1; i >= 0; i-- {
		err := closers[i]()
		if err == nil {
			continue
		}
		if first == nil {
			first = err
			continue
		}
		logger.WithError(err).Warning("close function failed")
	}
	return first
}
