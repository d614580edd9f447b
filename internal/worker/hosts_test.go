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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHostListRoundRobin(t *testing.T) {
	require := require.New(t)
	l, err := NewHostList([]string{"a:1", " b:2 ", "", "[::1]:3"})
	require.NoError(err)
	require.Equal([]string{"a:1", "b:2", "[::1]:3"}, l.Hosts())
	require.Equal("a:1", l.Current())
	require.Equal("b:2", l.Advance())
	require.Equal("[::1]:3", l.Advance())
	require.Equal("a:1", l.Advance())
	require.Equal(3, l.Advances())
}

func TestHostListRejects(t *testing.T) {
	_, err := NewHostList(nil)
	require.Equal(t, ErrNoHosts, err)
	_, err = NewHostList([]string{"  "})
	require.Equal(t, ErrNoHosts, err)
	_, err = NewHostList([]string{"a:1", "b"})
	require.Error(t, err)
}

func TestParseMode(t *testing.T) {
	require := require.New(t)
	m, err := ParseMode("")
	require.NoError(err)
	require.Equal(Pipelined, m)
	m, err = ParseMode(" Queued")
	require.NoError(err)
	require.Equal(Queued, m)
	_, err = ParseMode("parallel")
	require.Error(err)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "TemplateMissing", TemplateMissing.String())
	require.Equal(t, "State(42)", State(42).String())
}
