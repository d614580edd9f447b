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
	"html/template"
	"net/http"
	"net/http/pprof"

	"evalfarm.dev/evalfarm/internal/config"
	"evalfarm.dev/evalfarm/internal/util"
	"go.opencensus.io/zpages"
)

var helpTemplate = template.Must(template.New("help").Parse(`<!DOCTYPE html>
<head>
	<title>{{ .Service }} Help</title>
</head>
<body>
<pre>
{{ range .Links }}* <a href="{{ .Path }}">{{ .Path }}</a> - {{ .What }}
{{ end }}</pre>
</body>
`))

type helpLink struct {
	Path string
	What string
}

type helpPage struct {
	Service string
	Links   []helpLink
}

// newHelpPage lists the debug endpoints this process actually serves.
func newHelpPage(serviceName string, cfg config.View) helpPage {
	page := helpPage{Service: serviceName}
	add := func(path, what string) {
		page.Links = append(page.Links, helpLink{Path: path, What: what})
	}
	add("/debug/tracez", "Sampled traces of handled messages")
	add("/debug/rpcz", "Per method latency")
	add("/debug/pprof/", "PProf")
	add("/debug/pprof/trace", "Execution trace")
	if cfg.GetBool(ConfigNameEnableMetrics) {
		endpoint := cfg.GetString("telemetry.prometheus.endpoint")
		if endpoint == "" {
			endpoint = "/metrics"
		}
		add(endpoint, "Raw metrics")
	}
	add(configEndpoint, "Effective configuration, ?format=yaml for a loadable file")
	add(HealthCheckEndpoint, "Liveness, add ?readiness for readiness")
	return page
}

func (p helpPage) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if err := helpTemplate.Execute(w, p); err != nil {
		logger.WithError(err).Warning("cannot render help page")
	}
}

// bindDebug serves zPages, pprof, the effective configuration and a help
// page linking them, when telemetry.zpages.enable is set.
func bindDebug(serviceName string, mux *http.ServeMux, cfg config.View, mc *util.MultiClose) error {
	if !cfg.GetBool(configNameZpagesEnabled) {
		logger.Debug("Debug pages disabled.")
		return nil
	}
	zpages.Handle(mux, "/debug")
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.Handle(configEndpoint, &configz{cfg: cfg})
	h := newHelpPage(serviceName, cfg)
	mux.Handle("/help", h)
	mux.Handle("/sos", h)
	return nil
}
