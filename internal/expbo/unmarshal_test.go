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

package expbo

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	testCases := []struct {
		in                       string
		initial, max, giveUp     time.Duration
		multiplier, randomFactor float64
	}{
		{"[0.5 30] *1.5 ~0.33 <0", 500 * time.Millisecond, 30 * time.Second, 0, 1.5, 0.33},
		{"[0.1 5] *2 ~0.1 <0", 100 * time.Millisecond, 5 * time.Second, 0, 2, 0.1},
		{"  [0.25   30]  <300 ", 250 * time.Millisecond, 30 * time.Second, 5 * time.Minute,
			backoff.DefaultMultiplier, backoff.DefaultRandomizationFactor},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.in, func(t *testing.T) {
			b, err := New(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.initial, b.InitialInterval)
			require.Equal(t, tc.max, b.MaxInterval)
			require.Equal(t, tc.giveUp, b.MaxElapsedTime)
			require.InDelta(t, tc.multiplier, b.Multiplier, 1e-9)
			require.InDelta(t, tc.randomFactor, b.RandomizationFactor, 1e-9)
		})
	}
}

func TestPartialKeepsDefaults(t *testing.T) {
	require := require.New(t)
	b, err := New("*2 <0")
	require.NoError(err)
	require.Equal(backoff.DefaultInitialInterval, b.InitialInterval)
	require.Equal(backoff.DefaultMaxInterval, b.MaxInterval)
	require.Equal(2.0, b.Multiplier)
	require.Equal(time.Duration(0), b.MaxElapsedTime)
}

func TestRejects(t *testing.T) {
	for _, s := range []string{
		"[abc 1]",
		"[1 0.5]",
		"*0.5",
		"~1",
		"<-1",
		"?",
	} {
		_, err := New(s)
		require.Error(t, err, s)
	}
}
