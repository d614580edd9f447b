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

	"contrib.go.opencensus.io/exporter/jaeger"
	"contrib.go.opencensus.io/exporter/ocagent"
	ocPrometheus "contrib.go.opencensus.io/exporter/prometheus"
	"contrib.go.opencensus.io/exporter/stackdriver"
	"evalfarm.dev/evalfarm/internal/config"
	"evalfarm.dev/evalfarm/internal/util"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/trace"
)

const (
	// ConfigNameEnableMetrics turns on the prometheus endpoint and the
	// instrumented wrappers that feed it.
	ConfigNameEnableMetrics = "telemetry.prometheus.enable"
)

// exporter starts one opencensus backend and returns its shutdown.
type exporter struct {
	name   string
	enable string
	start  func(serviceName string, mux *http.ServeMux, cfg config.View) (func() error, error)
}

var exporters = []exporter{
	{"prometheus", ConfigNameEnableMetrics, startPrometheus},
	{"jaeger", "telemetry.jaeger.enable", startJaeger},
	{"stackdriver", "telemetry.stackdriver.enable", startStackdriver},
	{"opencensus agent", "telemetry.opencensusAgent.enable", startOpenCensusAgent},
}

func bindExporters(serviceName string, mux *http.ServeMux, cfg config.View, mc *util.MultiClose) error {
	for _, e := range exporters {
		log := logger.WithField("exporter", e.name)
		if !cfg.GetBool(e.enable) {
			log.Debug("Exporter disabled.")
			continue
		}
		stop, err := e.start(serviceName, mux, cfg)
		if err != nil {
			return errors.Wrapf(err, "cannot start %s exporter", e.name)
		}
		mc.Add(stop)
		log.Info("Exporter enabled.")
	}
	return nil
}

// startPrometheus serves the registered views, plus process and Go runtime
// collectors, on telemetry.prometheus.endpoint.
func startPrometheus(serviceName string, mux *http.ServeMux, cfg config.View) (func() error, error) {
	registry := prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	pe, err := ocPrometheus.NewExporter(ocPrometheus.Options{
		Namespace: serviceName,
		Registry:  registry,
	})
	if err != nil {
		return nil, err
	}
	endpoint := cfg.GetString("telemetry.prometheus.endpoint")
	if endpoint == "" {
		endpoint = "/metrics"
	}
	mux.Handle(endpoint, pe)
	view.RegisterExporter(pe)
	return func() error {
		view.UnregisterExporter(pe)
		return nil
	}, nil
}

func startJaeger(serviceName string, mux *http.ServeMux, cfg config.View) (func() error, error) {
	je, err := jaeger.NewExporter(jaeger.Options{
		AgentEndpoint:     cfg.GetString("telemetry.jaeger.agentEndpoint"),
		CollectorEndpoint: cfg.GetString("telemetry.jaeger.collectorEndpoint"),
		ServiceName:       serviceName,
	})
	if err != nil {
		return nil, err
	}
	trace.RegisterExporter(je)
	return func() error {
		trace.UnregisterExporter(je)
		je.Flush()
		return nil
	}, nil
}

// startStackdriver exports both views and spans. Metric names are prefixed
// with telemetry.stackdriver.metricPrefix, or the service name.
func startStackdriver(serviceName string, mux *http.ServeMux, cfg config.View) (func() error, error) {
	prefix := cfg.GetString("telemetry.stackdriver.metricPrefix")
	if prefix == "" {
		prefix = serviceName
	}
	sd, err := stackdriver.NewExporter(stackdriver.Options{
		ProjectID:    cfg.GetString("telemetry.stackdriver.gcpProjectId"),
		MetricPrefix: prefix,
	})
	if err != nil {
		return nil, err
	}
	view.RegisterExporter(sd)
	trace.RegisterExporter(sd)
	logger.WithFields(logrus.Fields{
		"project": cfg.GetString("telemetry.stackdriver.gcpProjectId"),
		"prefix":  prefix,
	}).Debug("Stackdriver configured.")
	return func() error {
		view.UnregisterExporter(sd)
		trace.UnregisterExporter(sd)
		sd.Flush()
		return nil
	}, nil
}

func startOpenCensusAgent(serviceName string, mux *http.ServeMux, cfg config.View) (func() error, error) {
	oce, err := ocagent.NewExporter(
		ocagent.WithAddress(cfg.GetString("telemetry.opencensusAgent.agentEndpoint")),
		ocagent.WithInsecure(),
		ocagent.WithServiceName(serviceName),
	)
	if err != nil {
		return nil, err
	}
	view.RegisterExporter(oce)
	trace.RegisterExporter(oce)
	return func() error {
		view.UnregisterExporter(oce)
		trace.UnregisterExporter(oce)
		return oce.Stop()
	}, nil
}
