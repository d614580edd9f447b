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

package config

import (
	"time"
)

// View is a read-only view of the evalfarm configuration. *viper.Viper
// satisfies it; tests pass viper.New().
type View interface {
	IsSet(string) bool
	Get(string) interface{}
	AllKeys() []string
	GetString(string) string
	GetInt(string) int
	GetStringSlice(string) []string
	GetBool(string) bool
	GetDuration(string) time.Duration
}

// Mutable is a read-write view of the evalfarm configuration.
type Mutable interface {
	Set(string, interface{})
	View
}

// DurationOr returns the duration at key, or def when it is unset, zero or
// negative. Values are read on every call, so callers see reloads.
func DurationOr(v View, key string, def time.Duration) time.Duration {
	if d := v.GetDuration(key); d > 0 {
		return d
	}
	return def
}

// IntOr returns the integer at key, or def when it is unset, zero or
// negative.
func IntOr(v View, key string, def int) int {
	if n := v.GetInt(key); n > 0 {
		return n
	}
	return def
}
