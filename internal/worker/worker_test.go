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

package worker

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"evalfarm.dev/evalfarm/internal/consts"
	"evalfarm.dev/evalfarm/internal/expbo"
	"evalfarm.dev/evalfarm/internal/simulation"
	"evalfarm.dev/evalfarm/internal/simulation/ballistics"
	"evalfarm.dev/evalfarm/internal/transport"
	"evalfarm.dev/evalfarm/internal/transport/stream"
	"evalfarm.dev/evalfarm/internal/transport/transporttest"
	utilTesting "evalfarm.dev/evalfarm/internal/util/testing"
	"evalfarm.dev/evalfarm/internal/wire"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu       sync.Mutex
	genome   func(host string) (*wire.Message, error)
	template func(host string, m *wire.Message) ([]byte, error)
	report   func(host string, runID uint32, score float64) error
	calls    []string
	senders  []netip.AddrPort
}

func (f *fakeTransport) log(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeTransport) RequestGenome(_ context.Context, host string) (*wire.Message, error) {
	f.log("genome " + host)
	return f.genome(host)
}

func (f *fakeTransport) RequestTemplate(_ context.Context, host string, m *wire.Message) ([]byte, error) {
	f.log("template " + host)
	return f.template(host, m)
}

func (f *fakeTransport) ReportScore(_ context.Context, host string, genomeMsg *wire.Message, score float64) error {
	f.mu.Lock()
	f.senders = append(f.senders, genomeMsg.Sender)
	f.mu.Unlock()
	f.log(fmt.Sprintf("report %s %d", host, genomeMsg.RunID))
	return f.report(host, genomeMsg.RunID, score)
}

func (f *fakeTransport) Close() error { return nil }

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	after  func(n int)
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	n := len(s.delays)
	s.mu.Unlock()
	if s.after != nil {
		s.after(n)
	}
	return ctx.Err()
}

func (s *sleepRecorder) get() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

const vacuumTemplate = "gravity: 10\nstep: 0.0001\nbodies:\n  - {mass: 1, vx: [[g(0)]], vy: [[g(0)]]}\n"

func TestFailuresRotateHostsAndBackOff(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithCancel(utilTesting.NewContext(t))
	defer cancel()

	template := []byte(vacuumTemplate)
	var genomeCalls int32
	ft := &fakeTransport{
		genome: func(string) (*wire.Message, error) {
			switch atomic.AddInt32(&genomeCalls, 1) {
			case 6:
				return &wire.Message{Kind: wire.KindRequestGenome, RunID: 1, Hash: wire.HashOf(template), Genome: []float64{1}}, nil
			default:
				return nil, transport.Errorf(transport.ConnectFailed, "refused")
			}
		},
		template: func(string, *wire.Message) ([]byte, error) { return template, nil },
		report:   func(string, uint32, float64) error { return nil },
	}
	rec := &sleepRecorder{after: func(n int) {
		if n == 6 {
			cancel()
		}
	}}
	bo, err := expbo.New("[0.1 1] *2 ~0")
	require.NoError(err)

	w, err := New(Options{
		Hosts:     []string{"a:1", "b:1", "c:1"},
		Transport: ft,
		Engine:    ballistics.New,
		Mode:      Sequential,
		Backoff:   bo,
		Sleep:     rec.sleep,
	})
	require.NoError(err)
	require.NoError(w.Run(ctx))

	delays := rec.get()
	require.Len(delays, 6)
	for i := 1; i < 5; i++ {
		require.GreaterOrEqual(delays[i], delays[i-1])
	}
	require.Equal([]time.Duration{
		100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond,
		800 * time.Millisecond, time.Second,
	}, delays[:5])
	// The success in between resets the delay to its floor.
	require.Equal(100*time.Millisecond, delays[5])
	require.Equal(6, w.Hosts().Advances())

	ft.mu.Lock()
	defer ft.mu.Unlock()
	require.Equal([]string{
		"genome a:1", "genome b:1", "genome c:1", "genome a:1", "genome b:1",
		"genome c:1", "template c:1", "report c:1 1",
		"genome c:1",
	}, ft.calls)
}

func TestNoJobDoesNotRotate(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithCancel(utilTesting.NewContext(t))
	defer cancel()
	ft := &fakeTransport{genome: func(string) (*wire.Message, error) { return nil, transport.ErrNoJob }}
	rec := &sleepRecorder{after: func(n int) {
		if n == 3 {
			cancel()
		}
	}}
	w, err := New(Options{
		Hosts:     []string{"a:1", "b:1"},
		Transport: ft,
		Engine:    ballistics.New,
		Mode:      Sequential,
		IdlePoll:  250 * time.Millisecond,
		Sleep:     rec.sleep,
	})
	require.NoError(err)
	require.NoError(w.Run(ctx))
	require.Equal(0, w.Hosts().Advances())
	require.Equal([]time.Duration{250 * time.Millisecond, 250 * time.Millisecond, 250 * time.Millisecond}, rec.get())
}

func TestModelErrorAbandonsRun(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithCancel(utilTesting.NewContext(t))
	defer cancel()

	template := []byte("bodies: [[g(0)]]\n")
	var calls int32
	ft := &fakeTransport{
		genome: func(string) (*wire.Message, error) {
			if atomic.AddInt32(&calls, 1) > 1 {
				cancel()
				return nil, transport.ErrNoJob
			}
			return &wire.Message{Kind: wire.KindRequestGenome, RunID: 3, Hash: wire.HashOf(template), Genome: []float64{1}}, nil
		},
		template: func(string, *wire.Message) ([]byte, error) { return template, nil },
		report: func(string, uint32, float64) error {
			t.Error("score reported for a rejected model")
			return nil
		},
	}
	var mu sync.Mutex
	var states []State
	w, err := New(Options{
		Hosts:     []string{"a:1"},
		Transport: ft,
		Engine:    ballistics.New,
		Mode:      Sequential,
		Sleep:     func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
		OnTransition: func(_, to State) {
			mu.Lock()
			states = append(states, to)
			mu.Unlock()
		},
	})
	require.NoError(err)
	require.NoError(w.Run(ctx))
	require.Equal([]State{RequestingJob, TemplateMissing, Evaluating, Idle, RequestingJob}, states)
	require.Equal(0, w.Hosts().Advances())
}

// TestTemplateFetchedOnce serves two genomes for the same template over a
// real stream server. Only the first needs the template.
func TestTemplateFetchedOnce(t *testing.T) {
	for _, mode := range []Mode{Sequential, Pipelined, Queued} {
		mode := mode
		t.Run(string(mode), func(t *testing.T) {
			require := require.New(t)
			ctx, cancel := context.WithCancel(utilTesting.NewContext(t))
			defer cancel()

			template := []byte(vacuumTemplate)
			h := transporttest.NewHandler(
				transporttest.Job{RunID: 1, Template: template, Genome: []float64{1.0}},
				transporttest.Job{RunID: 2, Template: template, Genome: []float64{2.0}},
			)
			cfg := viper.New()
			cfg.Set(consts.TransportTimeout, 5*time.Second)
			srv := stream.NewServer(cfg, h)
			addr, err := srv.Listen("127.0.0.1:0")
			require.NoError(err)
			go func() { _ = srv.Serve() }()
			defer srv.Close()

			w, err := New(Options{
				Hosts:     []string{addr.String()},
				Transport: stream.New(cfg),
				Engine:    ballistics.New,
				Mode:      mode,
				IdlePoll:  10 * time.Millisecond,
			})
			require.NoError(err)
			done := make(chan error, 1)
			go func() { done <- w.Run(ctx) }()

			require.Eventually(func() bool { return len(h.Scores()) == 2 }, 10*time.Second, 10*time.Millisecond)
			cancel()
			require.NoError(<-done)

			scores := h.Scores()
			require.InDelta(0.2, scores[1], 0.01)
			require.InDelta(0.8, scores[2], 0.01)
			require.Equal(1, h.TemplateRequests())
			_, ok := w.Cache().Lookup(wire.HashOf(template))
			require.True(ok)
		})
	}
}

// slowEngine tracks how many evaluations run at once.
type slowEngine struct {
	inflight *int32
	peak     *int32
	steps    int
}

func (e *slowEngine) LoadModel([]byte) error {
	n := atomic.AddInt32(e.inflight, 1)
	for {
		p := atomic.LoadInt32(e.peak)
		if n <= p || atomic.CompareAndSwapInt32(e.peak, p, n) {
			break
		}
	}
	return nil
}
func (e *slowEngine) Advance()             { time.Sleep(time.Millisecond); e.steps++ }
func (e *slowEngine) IsCatastrophic() bool { return false }
func (e *slowEngine) ShouldStop() bool {
	if e.steps >= 20 {
		atomic.AddInt32(e.inflight, -1)
		return true
	}
	return false
}
func (e *slowEngine) ComputeFitness() float64 { return float64(e.steps) }

func TestPipelineDepthOne(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithCancel(utilTesting.NewContext(t))
	defer cancel()

	template := []byte("[[g(0)]]")
	sender := netip.MustParseAddrPort("10.0.0.9:5000")
	var inflight, peak, overlapped, runID int32
	var reported int32
	ft := &fakeTransport{
		genome: func(string) (*wire.Message, error) {
			// Give the previous run time to start before sampling.
			time.Sleep(5 * time.Millisecond)
			if atomic.LoadInt32(&inflight) > 0 {
				atomic.AddInt32(&overlapped, 1)
			}
			id := atomic.AddInt32(&runID, 1)
			return &wire.Message{Kind: wire.KindRequestGenome, RunID: uint32(id), Sender: sender, Hash: wire.HashOf(template), Genome: []float64{float64(id)}}, nil
		},
		template: func(string, *wire.Message) ([]byte, error) { return template, nil },
		report: func(string, uint32, float64) error {
			if atomic.AddInt32(&reported, 1) == 10 {
				cancel()
			}
			return nil
		},
	}
	w, err := New(Options{
		Hosts:     []string{"a:1"},
		Transport: ft,
		Engine: func() simulation.Engine {
			return &slowEngine{inflight: &inflight, peak: &peak}
		},
		Mode: Pipelined,
	})
	require.NoError(err)
	require.NoError(w.Run(ctx))

	require.Equal(int32(1), atomic.LoadInt32(&peak))
	require.Greater(atomic.LoadInt32(&overlapped), int32(0))
	require.GreaterOrEqual(atomic.LoadInt32(&reported), int32(10))
	ft.mu.Lock()
	defer ft.mu.Unlock()
	for _, got := range ft.senders {
		require.Equal(sender, got)
	}
}

func TestNewValidates(t *testing.T) {
	ft := &fakeTransport{}
	testCases := []struct {
		name string
		o    Options
	}{
		{"no hosts", Options{Transport: ft, Engine: ballistics.New}},
		{"bad host", Options{Hosts: []string{"nohost"}, Transport: ft, Engine: ballistics.New}},
		{"no transport", Options{Hosts: []string{"a:1"}, Engine: ballistics.New}},
		{"no engine", Options{Hosts: []string{"a:1"}, Transport: ft}},
		{"bad mode", Options{Hosts: []string{"a:1"}, Transport: ft, Engine: ballistics.New, Mode: "turbo"}},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.o)
			require.Error(t, err)
		})
	}
}
