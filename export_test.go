// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package h2rpc

import (
	"context"
	"slices"

	"github.com/bufbuild/h2rpc/internal/balancertesting"
)

// NewChannelWithFactory returns a channel whose connections come from
// factory instead of the network.
func NewChannelWithFactory(discovery Discovery, factory *balancertesting.FakeConnFactory, options ...ChannelOption) *Channel {
	var opts channelOptions
	for _, opt := range options {
		opt.applyToChannel(&opts)
	}
	opts.applyDefaults()
	return newChannel(discovery, &opts, fakeConnect(factory))
}

func fakeConnect(factory *balancertesting.FakeConnFactory) connFactory {
	return func(ctx context.Context, endpoint Endpoint) (pooledConn, error) {
		c, err := factory.Connect(ctx, endpoint.Key())
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// QueuedCalls returns the number of calls waiting for admission.
func (c *Channel) QueuedCalls() int {
	return c.admission.queued()
}

// PooledKeys returns the keys of the endpoints that have a pooled
// connection, sorted.
func (c *Channel) PooledKeys() []string {
	state := c.balancer.state.Load()
	keys := make([]string, 0, len(state.connected))
	for key := range state.connected {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// QueuedStreams returns the number of streams waiting for the
// concurrency limit.
func (s *Server) QueuedStreams() int {
	return s.admission.queued()
}

// SetBeforeServeConn makes the server call f between negotiating a
// connection and serving HTTP/2 on it.
func SetBeforeServeConn(s *Server, f func()) {
	s.beforeServeConn = f
}
