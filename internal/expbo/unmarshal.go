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

// Package expbo reads exponential backoff policies from their compact
// configuration form.
package expbo

import (
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
)

// UnmarshalExponentialBackOff populates ExponentialBackOff structure parsing strings of format:
// "[InitInterval MaxInterval] *Multiplier ~RandomizationFactor <MaxElapsedTime"
//
// Intervals are in seconds. Omitted parts keep the value already in b. A
// MaxElapsedTime of 0 means the policy never gives up.
//
// Example: "[0.250 30] *1.5 ~0.33 <7200"
func UnmarshalExponentialBackOff(s string, b *backoff.ExponentialBackOff) error {
	for _, word := range strings.Fields(s) {
		var err error
		switch {
		case strings.HasPrefix(word, "["):
			b.InitialInterval, err = parseSeconds(strings.TrimPrefix(word, "["))
			if err != nil {
				return errors.Wrap(err, "cannot parse InitInterval value")
			}
		case strings.HasSuffix(word, "]"):
			b.MaxInterval, err = parseSeconds(strings.TrimSuffix(word, "]"))
			if err != nil {
				return errors.Wrap(err, "cannot parse MaxInterval value")
			}
		case strings.HasPrefix(word, "*"):
			b.Multiplier, err = strconv.ParseFloat(strings.TrimPrefix(word, "*"), 64)
			if err != nil {
				return errors.Wrap(err, "cannot parse Multiplier value")
			}
		case strings.HasPrefix(word, "~"):
			b.RandomizationFactor, err = strconv.ParseFloat(strings.TrimPrefix(word, "~"), 64)
			if err != nil {
				return errors.Wrap(err, "cannot parse RandomizationFactor value")
			}
		case strings.HasPrefix(word, "<"):
			b.MaxElapsedTime, err = parseSeconds(strings.TrimPrefix(word, "<"))
			if err != nil {
				return errors.Wrap(err, "cannot parse MaxElapsedTime value")
			}
		default:
			return errors.Errorf(`unexpected word "%s"`, word)
		}
	}
	return validate(b)
}

// New returns a backoff policy from its compact form, starting from the
// library defaults.
func New(s string) (*backoff.ExponentialBackOff, error) {
	b := backoff.NewExponentialBackOff()
	if err := UnmarshalExponentialBackOff(s, b); err != nil {
		return nil, err
	}
	b.Reset()
	return b, nil
}

func parseSeconds(s string) (time.Duration, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(f * float64(time.Second)), nil
}

func validate(b *backoff.ExponentialBackOff) error {
	switch {
	case b.InitialInterval <= 0:
		return errors.Errorf("InitInterval must be positive, got %v", b.InitialInterval)
	case b.MaxInterval < b.InitialInterval:
		return errors.Errorf("MaxInterval %v is below InitInterval %v", b.MaxInterval, b.InitialInterval)
	case b.Multiplier < 1:
		return errors.Errorf("Multiplier must be at least 1, got %v", b.Multiplier)
	case b.RandomizationFactor < 0 || b.RandomizationFactor >= 1:
		return errors.Errorf("RandomizationFactor must be in [0,1), got %v", b.RandomizationFactor)
	case b.MaxElapsedTime < 0:
		return errors.Errorf("MaxElapsedTime must not be negative, got %v", b.MaxElapsedTime)
	}
	return nil
}
