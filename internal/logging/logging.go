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

// Package logging configures logrus for evalfarm processes.
package logging

import (
	"context"
	"strings"
	"sync"

	"evalfarm.dev/evalfarm/internal/config"
	"evalfarm.dev/evalfarm/internal/consts"
	"evalfarm.dev/evalfarm/internal/telemetry"
	stackdriver "github.com/TV4/logrus-stackdriver-formatter"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
)

var (
	keySeverity = tag.MustNewKey("severity")
	mLogLines   = telemetry.Counter("logging/lines", "log lines written", keySeverity)

	installHook sync.Once
)

// ConfigureLogging applies the logging section of the configuration to the
// standard logger: logging.format (text, json or stackdriver),
// logging.level (any logrus level name, info when unrecognised) and
// logging.source (report the calling file and line).
func ConfigureLogging(cfg config.View) {
	logrus.SetFormatter(newFormatter(cfg.GetString(consts.LoggingFormat)))
	level, ok := parseLevel(cfg.GetString(consts.LoggingLevel))
	logrus.SetLevel(level)
	if !ok {
		logrus.WithField("level", cfg.GetString(consts.LoggingLevel)).Warn("Unknown logging level, using info.")
	}
	if level >= logrus.DebugLevel {
		logrus.Warnf("%s logging enabled, expect one line per evaluated genome.", level)
	}
	logrus.SetReportCaller(cfg.GetBool(consts.LoggingSource))
	installHook.Do(func() {
		logrus.AddHook(lineCounter{})
	})
}

func newFormatter(format string) logrus.Formatter {
	switch strings.ToLower(format) {
	case "stackdriver":
		return stackdriver.NewFormatter(stackdriver.WithService("evalfarm"))
	case "json":
		return &logrus.JSONFormatter{}
	}
	return &logrus.TextFormatter{}
}

// parseLevel reports false for anything logrus does not know. An empty
// level is info.
func parseLevel(s string) (logrus.Level, bool) {
	if s == "" {
		return logrus.InfoLevel, true
	}
	level, err := logrus.ParseLevel(s)
	if err != nil {
		return logrus.InfoLevel, false
	}
	return level, true
}

// lineCounter counts emitted lines per severity.
type lineCounter struct{}

func (lineCounter) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (lineCounter) Fire(e *logrus.Entry) error {
	ctx := e.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return stats.RecordWithTags(ctx, []tag.Mutator{tag.Upsert(keySeverity, e.Level.String())}, mLogLines.M(1))
}
