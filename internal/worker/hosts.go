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
	"net"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ErrNoHosts is returned when no evaluation server is configured.
var ErrNoHosts = errors.New("no hosts configured")

// HostList is the ordered list of evaluation servers with a round-robin
// cursor that moves on every failure.
type HostList struct {
	mu       sync.Mutex
	hosts    []string
	cursor   int
	advances int
}

// NewHostList validates hosts, which must be host:port pairs.
func NewHostList(hosts []string) (*HostList, error) {
	var clean []string
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if _, port, err := net.SplitHostPort(h); err != nil || port == "" {
			return nil, errors.Errorf("host %q is not host:port", h)
		}
		clean = append(clean, h)
	}
	if len(clean) == 0 {
		return nil, ErrNoHosts
	}
	return &HostList{hosts: clean}, nil
}

// Current returns the host requests go to.
func (l *HostList) Current() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hosts[l.cursor]
}

// Advance moves the cursor to the next host and returns it.
func (l *HostList) Advance() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cursor = (l.cursor + 1) % len(l.hosts)
	l.advances++
	return l.hosts[l.cursor]
}

// Advances returns how often the cursor has moved.
func (l *HostList) Advances() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.advances
}

// Hosts returns a copy of the list.
func (l *HostList) Hosts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.hosts...)
}
