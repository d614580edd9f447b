// Copyright 2018 Google LLC
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

// Package config contains convenience functions for reading and managing viper configs.
package config

import (
	"context"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
)

const (
	// EnvPrefix prefixes environment variables that override file settings,
	// with "." replaced by "_": EVALFARM_WORKER_HOSTS overrides worker.hosts.
	EnvPrefix = "EVALFARM"
	// EnvConfigFile names an explicit configuration file.
	EnvConfigFile = "EVALFARM_CONFIG"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "evalfarm",
		"component": "config",
	})

	cfgReloadCount = stats.Int64("config/reloads_total", "Number of times the configuration file was re-read", "1")
	// CfgReloadCountView is the Open Census view for the cfgReloadCount measure.
	CfgReloadCountView = &view.View{
		Name:        "config/reloads_total",
		Measure:     cfgReloadCount,
		Description: "The number of configuration reloads",
		Aggregation: view.Count(),
	}
)

// Read loads the configuration of an evalfarm process. The file is taken
// from $EVALFARM_CONFIG when set, otherwise evalfarm.yaml is searched in the
// working directory, ./config and /etc/evalfarm. defaults are applied below
// both the file and the environment.
func Read(defaults map[string]interface{}) (View, error) {
	cfg := viper.New()
	for k, v := range defaults {
		cfg.SetDefault(k, v)
	}

	cfg.SetEnvPrefix(EnvPrefix)
	cfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	cfg.AutomaticEnv()

	if path := os.Getenv(EnvConfigFile); path != "" {
		cfg.SetConfigFile(path)
	} else {
		cfg.SetConfigType("yaml")
		cfg.SetConfigName("evalfarm")
		cfg.AddConfigPath(".")
		cfg.AddConfigPath("config")
		cfg.AddConfigPath("/etc/evalfarm")
	}

	err := cfg.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "cannot read configuration file")
		}
		logger.Info("No configuration file found, using defaults and environment.")
		return cfg, nil
	}

	// Transport timeouts are read through the View on every call, so edits
	// take effect without a restart.
	cfg.WatchConfig()
	cfg.OnConfigChange(func(event fsnotify.Event) {
		stats.Record(context.Background(), cfgReloadCount.M(1))
		logger.WithFields(logrus.Fields{
			"filename":  event.Name,
			"operation": event.Op,
		}).Info("Configuration changed.")
	})
	logger.WithField("filename", cfg.ConfigFileUsed()).Info("Configuration loaded.")
	return cfg, nil
}
