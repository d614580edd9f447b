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
	"sort"
	"strings"

	"evalfarm.dev/evalfarm/internal/config"
	"evalfarm.dev/evalfarm/internal/consts"
	"gopkg.in/yaml.v3"
)

const (
	configEndpoint = "/configz"
	redacted       = "<redacted>"
)

var configPageTemplate = template.Must(template.New("configz").Parse(`<!DOCTYPE html>
<head>
	<title>evalfarm Configuration</title>
</head>
<body>
{{ range . }}<h3>{{ .Name }}</h3>
<table>
{{ range .Values }}<tr><td>{{ .Key }}</td><td>{{ .Value }}</td></tr>
{{ end }}</table>
{{ end }}</body>
`))

// Keys whose values never leave the process.
var secretKeys = map[string]bool{
	consts.RedisPassword: true,
}

type configz struct {
	cfg config.View
}

type configzValue struct {
	Key   string
	Value interface{}
}

type configzSection struct {
	Name   string
	Values []configzValue
}

// sections groups the effective configuration by top level key, sorted.
func (cz *configz) sections() []configzSection {
	keys := cz.cfg.AllKeys()
	sort.Strings(keys)

	var out []configzSection
	for _, k := range keys {
		name := k
		if i := strings.IndexByte(k, '.'); i >= 0 {
			name = k[:i]
		}
		if len(out) == 0 || out[len(out)-1].Name != name {
			out = append(out, configzSection{Name: name})
		}
		s := &out[len(out)-1]
		s.Values = append(s.Values, configzValue{Key: k, Value: cz.value(k)})
	}
	return out
}

func (cz *configz) value(k string) interface{} {
	if secretKeys[k] && cz.cfg.GetString(k) != "" {
		return redacted
	}
	return cz.cfg.Get(k)
}

// nested rebuilds the dotted keys into the shape of evalfarm.yaml.
func (cz *configz) nested() map[string]interface{} {
	root := map[string]interface{}{}
	for _, k := range cz.cfg.AllKeys() {
		parts := strings.Split(k, ".")
		m := root
		for _, p := range parts[:len(parts)-1] {
			child, ok := m[p].(map[string]interface{})
			if !ok {
				child = map[string]interface{}{}
				m[p] = child
			}
			m = child
		}
		m[parts[len(parts)-1]] = cz.value(k)
	}
	return root
}

// ServeHTTP renders the effective configuration as HTML, or as YAML that
// can be fed back to evalfarm when ?format=yaml is given.
func (cz *configz) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.URL.Query().Get("format") == "yaml" {
		w.Header().Set("Content-Type", "application/yaml")
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(cz.nested()); err != nil {
			logger.WithError(err).Warning("cannot encode configuration")
		}
		return
	}
	if err := configPageTemplate.Execute(w, cz.sections()); err != nil {
		logger.WithError(err).Warning("cannot render configuration page")
	}
}
