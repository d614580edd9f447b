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

package transporttest

import (
	"bytes"
	"context"
	"testing"

	"evalfarm.dev/evalfarm/internal/transport"
	"github.com/stretchr/testify/require"
)

// LargeTemplate returns a template big enough to span many datagrams. It
// contains every byte value, including the frame terminator and escape.
func LargeTemplate() []byte {
	var buf bytes.Buffer
	buf.WriteString("bodies:\n  - x: [[g(0)]]\n# ")
	for i := 0; i < 64*1024; i++ {
		buf.WriteByte(byte(i))
	}
	return buf.Bytes()
}

// RoundTrip runs a genome, template and score exchange through tr against a
// server started by newServer, then checks the reply of an idle server.
func RoundTrip(ctx context.Context, t *testing.T, newServer func(transport.Handler) (host string, stop func()), tr transport.Transport) {
	require := require.New(t)
	template := LargeTemplate()
	h := NewHandler(Job{RunID: 11, Template: template, Genome: []float64{1.5, -2}})
	host, stop := newServer(h)
	defer stop()

	job, err := tr.RequestGenome(ctx, host)
	require.NoError(err)
	require.Equal(uint32(11), job.RunID)
	require.Equal([]float64{1.5, -2}, job.Genome)

	got, err := tr.RequestTemplate(ctx, host, job)
	require.NoError(err)
	require.Equal(template, got)
	require.Equal(1, h.TemplateRequests())

	require.NoError(tr.ReportScore(ctx, host, job, 42.25))
	require.Equal(map[uint32]float64{11: 42.25}, h.Scores())

	_, err = tr.RequestGenome(ctx, host)
	require.Equal(transport.ErrNoJob, err)
}
