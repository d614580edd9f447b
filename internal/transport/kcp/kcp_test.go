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

package kcp

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"evalfarm.dev/evalfarm/internal/consts"
	"evalfarm.dev/evalfarm/internal/transport"
	"evalfarm.dev/evalfarm/internal/transport/transporttest"
	utilTesting "evalfarm.dev/evalfarm/internal/util/testing"
	"evalfarm.dev/evalfarm/internal/wire"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func newConfig(timeout time.Duration) *viper.Viper {
	cfg := viper.New()
	cfg.Set(consts.TransportTimeout, timeout)
	cfg.Set(consts.TransportLinger, 200*time.Millisecond)
	return cfg
}

func startServer(t *testing.T, cfg *viper.Viper) func(transport.Handler) (string, func()) {
	return func(h transport.Handler) (string, func()) {
		s := NewServer(cfg, h)
		addr, err := s.Listen("127.0.0.1:0")
		require.NoError(t, err)
		done := make(chan error, 1)
		go func() { done <- s.Serve() }()
		return addr.String(), func() {
			require.NoError(t, s.Close())
			require.NoError(t, <-done)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	cfg := newConfig(5 * time.Second)
	transporttest.RoundTrip(utilTesting.NewContext(t), t, startServer(t, cfg), New(cfg))
}

func TestChannelFor(t *testing.T) {
	require := require.New(t)
	require.Equal(ChannelControl, ChannelFor(wire.KindRequestGenome))
	require.Equal(ChannelTemplate, ChannelFor(wire.KindRequestTemplate))
	require.Equal(ChannelControl, ChannelFor(wire.KindReportScore))
}

func TestFrameCarriesChannel(t *testing.T) {
	require := require.New(t)
	m := &wire.Message{Kind: wire.KindRequestTemplate, RunID: 5, Hash: wire.HashOf([]byte{0, 0xff})}

	var buf bytes.Buffer
	require.NoError(writeFrame(&buf, m, ChannelTemplate))
	require.Equal(byte(wire.Terminator), buf.Bytes()[buf.Len()-1])

	got, channel, err := readFrame(bufio.NewReader(&buf), 1<<10)
	require.NoError(err)
	require.Equal(ChannelTemplate, channel)
	require.Equal(m.Hash, got.Hash)
	require.Equal(m.RunID, got.RunID)
}

func TestNoServer(t *testing.T) {
	require := require.New(t)
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(err)
	addr := pc.LocalAddr().String()
	require.NoError(pc.Close())

	_, err = New(newConfig(300*time.Millisecond)).RequestGenome(context.Background(), addr)
	kind, ok := transport.KindOf(err)
	require.True(ok, "%v", err)
	require.Contains([]transport.ErrorKind{transport.Timeout, transport.ConnectFailed, transport.ShortRead}, kind)
}
