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

package transport

import (
	"context"
	"io"
	"net"
	"net/netip"
	"testing"

	"evalfarm.dev/evalfarm/internal/wire"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type exchangeFunc func(ctx context.Context, host string, req *wire.Message) (*wire.Message, error)

func (f exchangeFunc) Exchange(ctx context.Context, host string, req *wire.Message) (*wire.Message, error) {
	return f(ctx, host, req)
}

func (f exchangeFunc) Close() error { return nil }

func reply(m *wire.Message) exchangeFunc {
	return func(context.Context, string, *wire.Message) (*wire.Message, error) {
		return m, nil
	}
}

func fail(err error) exchangeFunc {
	return func(context.Context, string, *wire.Message) (*wire.Message, error) {
		return nil, err
	}
}

func TestRequestGenome(t *testing.T) {
	job := &wire.Message{Kind: wire.KindRequestGenome, RunID: 7, Hash: wire.HashOf([]byte("t")), Genome: []float64{1}}
	testCases := []struct {
		name     string
		ex       exchangeFunc
		wantErr  error
		wantKind ErrorKind
	}{
		{name: "job", ex: reply(job)},
		{name: "no job", ex: reply(&wire.Message{Kind: wire.KindRequestGenome}), wantErr: ErrNoJob},
		{name: "wrong opcode", ex: reply(&wire.Message{Kind: wire.KindReportScore, RunID: 7}), wantKind: Protocol},
		{name: "eof", ex: fail(io.ErrUnexpectedEOF), wantKind: ShortRead},
		{name: "deadline", ex: fail(context.DeadlineExceeded), wantKind: Timeout},
		{name: "refused", ex: fail(&net.OpError{Op: "dial", Err: errors.New("connection refused")}), wantKind: ConnectFailed},
		{name: "bad frame", ex: fail(wire.ErrBadEscape), wantKind: Protocol},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			require := require.New(t)
			c := NewClient("test", tc.ex)
			m, err := c.RequestGenome(context.Background(), "h1:1")
			switch {
			case tc.wantErr != nil:
				require.Equal(tc.wantErr, err)
			case tc.wantKind != 0:
				require.Error(err)
				kind, ok := KindOf(err)
				require.True(ok)
				require.Equal(tc.wantKind, kind)
				var te *Error
				require.True(errors.As(err, &te))
				require.Equal(OpRequestGenome, te.Op)
				require.Equal("h1:1", te.Host)
			default:
				require.NoError(err)
				require.Equal(job, m)
			}
		})
	}
}

func TestRequestTemplateChecksHash(t *testing.T) {
	require := require.New(t)
	template := []byte("x: [[g(0)]]")
	job := &wire.Message{Kind: wire.KindRequestGenome, RunID: 3, Hash: wire.HashOf(template), Genome: []float64{1}}

	var sent *wire.Message
	c := NewClient("test", exchangeFunc(func(_ context.Context, _ string, req *wire.Message) (*wire.Message, error) {
		sent = req
		return &wire.Message{Kind: wire.KindRequestTemplate, Hash: req.Hash, Template: template}, nil
	}))
	got, err := c.RequestTemplate(context.Background(), "h", job)
	require.NoError(err)
	require.Equal(template, got)
	require.Equal(wire.KindRequestTemplate, sent.Kind)
	require.Equal(job.Hash, sent.Hash)
	require.Equal(job.RunID, sent.RunID)

	c = NewClient("test", reply(&wire.Message{Kind: wire.KindRequestTemplate, Template: []byte("other")}))
	_, err = c.RequestTemplate(context.Background(), "h", job)
	kind, ok := KindOf(err)
	require.True(ok)
	require.Equal(Protocol, kind)
}

func TestReportScore(t *testing.T) {
	require := require.New(t)
	job := &wire.Message{
		Kind:   wire.KindRequestGenome,
		RunID:  9,
		Sender: netip.MustParseAddrPort("10.0.0.5:4000"),
		Hash:   wire.Hash{1},
	}
	c := NewClient("test", exchangeFunc(func(_ context.Context, _ string, req *wire.Message) (*wire.Message, error) {
		require.Equal(wire.KindReportScore, req.Kind)
		require.Equal(2.5, req.Score)
		require.Equal(job.Sender, req.Sender)
		require.Equal(job.Hash, req.Hash)
		return &wire.Message{Kind: wire.KindReportScore, RunID: req.RunID}, nil
	}))
	require.NoError(c.ReportScore(context.Background(), "h", job, 2.5))

	c = NewClient("test", reply(&wire.Message{Kind: wire.KindReportScore, RunID: 8}))
	err := c.ReportScore(context.Background(), "h", job, 2.5)
	kind, _ := KindOf(err)
	require.Equal(Protocol, kind)
}

func TestClassify(t *testing.T) {
	assert := assert.New(t)
	assert.Nil(Classify(nil, ConnectFailed))

	orig := NewError(ShortWrite, io.ErrShortWrite)
	assert.Equal(error(orig), Classify(orig, ConnectFailed))

	k, _ := KindOf(Classify(io.ErrShortWrite, ConnectFailed))
	assert.Equal(ShortWrite, k)
	k, _ = KindOf(Classify(errors.Wrap(wire.ErrIncompleteMessage, "decoding"), ConnectFailed))
	assert.Equal(Protocol, k)
	k, _ = KindOf(Classify(errors.New("boom"), ShortRead))
	assert.Equal(ShortRead, k)

	assert.True(IsTimeout(NewError(Timeout, context.DeadlineExceeded)))
	assert.False(IsTimeout(ErrNoJob))
}

func TestRespond(t *testing.T) {
	require := require.New(t)
	h := HandlerFunc(func(_ context.Context, req *wire.Message) (*wire.Message, error) {
		if req.RunID == 0 {
			return nil, nil
		}
		return &wire.Message{Kind: wire.KindReportScore, RunID: req.RunID}, nil
	})

	out, err := Respond(context.Background(), h, wire.Encode(&wire.Message{Kind: wire.KindReportScore, RunID: 4}))
	require.NoError(err)
	m, err := wire.Decode(out)
	require.NoError(err)
	require.Equal(uint32(4), m.RunID)

	out, err = Respond(context.Background(), h, wire.Encode(&wire.Message{Kind: wire.KindReportScore}))
	require.NoError(err)
	require.Nil(out)

	_, err = Respond(context.Background(), h, []byte{1, 2})
	require.True(errors.Is(err, wire.ErrIncompleteMessage))
}
