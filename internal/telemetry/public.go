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

// Package telemetry registers metrics and tracing exporters and the debug
// HTTP endpoints of evalfarm processes.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"evalfarm.dev/evalfarm/internal/config"
	"evalfarm.dev/evalfarm/internal/util"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/stats/view"
)

const (
	configNameReportingPeriod = "telemetry.reportingPeriod"
	configNameZpagesEnabled   = "telemetry.zpages.enable"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "evalfarm",
		"component": "telemetry",
	})
)

// Setup binds the enabled exporters and debug pages to mux and serves the
// health endpoint, whose readiness check runs probes. The returned function
// flushes and unregisters the exporters.
func Setup(serviceName string, mux *http.ServeMux, cfg config.View, probes ...func(context.Context) error) (func() error, error) {
	mc := util.NewMultiClose()
	for _, bind := range []func(string, *http.ServeMux, config.View, *util.MultiClose) error{
		bindExporters,
		bindDebug,
	} {
		if err := bind(serviceName, mux, cfg, mc); err != nil {
			if cerr := mc.Close(); cerr != nil {
				logger.WithError(cerr).Warning("cannot release telemetry exporters")
			}
			return nil, err
		}
	}
	mux.Handle(HealthCheckEndpoint, NewHealthCheck(probes))

	period := config.DurationOr(cfg, configNameReportingPeriod, time.Minute)
	view.SetReportingPeriod(period)

	logger.WithFields(logrus.Fields{
		"service":         serviceName,
		"reportingPeriod": period,
	}).Info("Telemetry configured.")
	return mc.Close, nil
}
