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

// Package evalworker builds a worker from configuration and binds it to the
// application harness.
package evalworker

import (
	"context"
	"net"
	"sort"
	"strings"
	"time"

	"evalfarm.dev/evalfarm/internal/appmain"
	"evalfarm.dev/evalfarm/internal/config"
	"evalfarm.dev/evalfarm/internal/consts"
	"evalfarm.dev/evalfarm/internal/expbo"
	"evalfarm.dev/evalfarm/internal/queue"
	"evalfarm.dev/evalfarm/internal/simulation"
	"evalfarm.dev/evalfarm/internal/simulation/ballistics"
	"evalfarm.dev/evalfarm/internal/templatecache"
	"evalfarm.dev/evalfarm/internal/transport/transports"
	"evalfarm.dev/evalfarm/internal/worker"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "evalfarm",
		"component": "app.evalworker",
	})

	// Defaults apply below the configuration file and the environment.
	Defaults = map[string]interface{}{
		consts.LoggingFormat:       "text",
		consts.LoggingLevel:        "info",
		consts.WorkerMode:          string(worker.Pipelined),
		consts.WorkerBackoff:       worker.DefaultBackoff,
		consts.WorkerIdlePoll:      worker.DefaultIdlePoll,
		consts.WorkerCacheCapacity: templatecache.DefaultCapacity,
		consts.WorkerEngine:        ballistics.Name,
		consts.TransportKind:       "stream",
	}

	// ErrNoResolvableHosts is returned when no configured host resolves.
	ErrNoResolvableHosts = errors.New("no hosts resolvable")

	// ResolveTimeout bounds the startup lookup of worker.hosts.
	ResolveTimeout = 5 * time.Second

	lookupHost = net.DefaultResolver.LookupHost

	// Engines lists the simulation engines selectable by worker.engine.
	Engines = map[string]simulation.Factory{
		ballistics.Name: ballistics.New,
	}
)

// BindService creates the worker and runs it until the application stops.
func BindService(p *appmain.Params, b *appmain.Bindings) error {
	w, err := NewWorker(p.Config())
	if err != nil {
		return err
	}
	b.AddCloserErr(w.Close)
	b.Go(w.Run)
	return nil
}

// NewWorker reads the worker settings from cfg. Any invalid setting is an
// error; nothing is defaulted silently except unset values.
func NewWorker(cfg config.View) (*worker.Worker, error) {
	hosts := Hosts(cfg)
	if len(hosts) == 0 {
		return nil, errors.Wrap(worker.ErrNoHosts, consts.WorkerHosts)
	}
	if err := resolveHosts(hosts); err != nil {
		return nil, err
	}

	mode, err := worker.ParseMode(cfg.GetString(consts.WorkerMode))
	if err != nil {
		return nil, err
	}

	spec := cfg.GetString(consts.WorkerBackoff)
	if spec == "" {
		spec = worker.DefaultBackoff
	}
	failureBackoff, err := expbo.New(spec)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid %s", consts.WorkerBackoff)
	}

	engineName := cfg.GetString(consts.WorkerEngine)
	if engineName == "" {
		engineName = ballistics.Name
	}
	engine, ok := Engines[engineName]
	if !ok {
		return nil, errors.Errorf("unknown simulation engine %q, want one of %s", engineName, strings.Join(engineNames(), ", "))
	}

	tr, err := transports.New(cfg)
	if err != nil {
		return nil, err
	}

	queueOpts, err := queue.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	w, err := worker.New(worker.Options{
		Hosts:         hosts,
		Transport:     tr,
		Engine:        engine,
		Mode:          mode,
		Backoff:       failureBackoff,
		IdlePoll:      cfg.GetDuration(consts.WorkerIdlePoll),
		CacheCapacity: cfg.GetInt(consts.WorkerCacheCapacity),
		MaxSteps:      cfg.GetInt(consts.WorkerMaxSteps),
		Queue:         queueOpts,
	})
	if err != nil {
		tr.Close()
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"hosts":     hosts,
		"mode":      mode,
		"engine":    engineName,
		"transport": transports.Kind(cfg),
	}).Info("Worker configured.")
	return w, nil
}

// Hosts returns worker.hosts, accepting a list or a comma or space
// separated string.
func Hosts(cfg config.View) []string {
	var hosts []string
	for _, entry := range cfg.GetStringSlice(consts.WorkerHosts) {
		for _, h := range strings.FieldsFunc(entry, func(r rune) bool { return r == ',' || r == ' ' }) {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

// resolveHosts fails unless at least one host resolves. Hosts that do not
// resolve stay in the rotation and are only logged, since DNS may recover.
func resolveHosts(hosts []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), ResolveTimeout)
	defer cancel()

	resolved := 0
	for _, h := range hosts {
		name, _, err := net.SplitHostPort(h)
		if err != nil {
			return errors.Errorf("host %q is not host:port", h)
		}
		if _, err := lookupHost(ctx, name); err != nil {
			logger.WithError(err).WithField("host", h).Warning("Cannot resolve host.")
			continue
		}
		resolved++
	}
	if resolved == 0 {
		return errors.Wrapf(ErrNoResolvableHosts, "%s %v", consts.WorkerHosts, hosts)
	}
	return nil
}

func engineNames() []string {
	names := make([]string, 0, len(Engines))
	for name := range Engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
