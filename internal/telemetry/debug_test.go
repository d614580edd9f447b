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

package telemetry

import (
	"net/http"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestHelpListsMetricsWhenEnabled(t *testing.T) {
	cfg := viper.New()
	h := newHelpPage("evalworker", cfg).ServeHTTP
	assert.HTTPBodyContains(t, h, http.MethodGet, "/help", nil, "<title>evalworker Help</title>")
	assert.HTTPBodyContains(t, h, http.MethodGet, "/help", nil, `<a href="/configz">`)
	assert.HTTPBodyNotContains(t, h, http.MethodGet, "/help", nil, "Raw metrics")

	cfg.Set(ConfigNameEnableMetrics, true)
	cfg.Set("telemetry.prometheus.endpoint", "/metrics")
	h = newHelpPage("evalworker", cfg).ServeHTTP
	assert.HTTPBodyContains(t, h, http.MethodGet, "/help", nil, `<a href="/metrics">/metrics</a> - Raw metrics`)
}
