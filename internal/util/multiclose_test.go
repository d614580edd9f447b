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
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiCloseEmpty(t *testing.T) {
	require.NoError(t, NewMultiClose().Close())
}

func TestMultiCloseReverseOrder(t *testing.T) {
	var order []string
	mc := NewMultiClose()
	mc.AddFunc(func() { order = append(order, "redis") })
	mc.Add(func() error {
		order = append(order, "transport")
		return nil
	})
	mc.AddFunc(func() { order = append(order, "server") })

	require.NoError(t, mc.Close())
	assert.Equal(t, []string{"server", "transport", "redis"}, order)
}

func TestMultiCloseFirstErrorWins(t *testing.T) {
	errEarly := errors.New("registered first")
	errLate := errors.New("registered last")
	ran := 0
	mc := NewMultiClose()
	mc.Add(func() error {
		ran++
		return errEarly
	})
	mc.AddFunc(func() { ran++ })
	mc.Add(func() error {
		ran++
		return errLate
	})

	assert.Equal(t, errLate, mc.Close())
	assert.Equal(t, 3, ran)
}

func TestMultiCloseOnce(t *testing.T) {
	ran := 0
	mc := NewMultiClose()
	mc.AddFunc(func() { ran++ })

	require.NoError(t, mc.Close())
	require.NoError(t, mc.Close())
	assert.Equal(t, 1, ran)
}
