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
	"time"

	"github.com/sirupsen/logrus"
)

// ChannelOption is an option used to customize the behavior of a Channel.
type ChannelOption interface {
	applyToChannel(*channelOptions)
}

// ServerOption is an option used to customize the behavior of a Server.
type ServerOption interface {
	applyToServer(*serverOptions)
}

// Option is an option that applies to both a Channel and a Server.
type Option interface {
	ChannelOption
	ServerOption
}

// EndpointOption configures a single Endpoint. When passed to a Channel
// instead, it sets the default for every endpoint of that channel that
// does not set the value itself.
type EndpointOption interface {
	ChannelOption
	applyToEndpoint(*endpointSettings)
}

// SocketOption tunes TCP sockets. It can be used with an Endpoint, as a
// Channel default, or with a Server (for accepted sockets).
type SocketOption interface {
	EndpointOption
	ServerOption
}

// WithLogger configures the logger used for diagnostics. If not
// specified, logrus.StandardLogger() is used.
func WithLogger(logger logrus.FieldLogger) Option {
	return &sharedOption{
		channel: func(opts *channelOptions) { opts.logger = logger },
		server:  func(opts *serverOptions) { opts.logger = logger },
	}
}

// WithMetrics records activity into the given collector set. The caller
// is responsible for registering metrics with a prometheus registry.
func WithMetrics(metrics *Metrics) Option {
	return &sharedOption{
		channel: func(opts *channelOptions) { opts.metrics = metrics },
		server:  func(opts *serverOptions) { opts.metrics = metrics },
	}
}

// WithConcurrencyLimit bounds the number of calls in flight.
//
// On a Channel, at most limit calls are dispatched at once; further
// calls wait in FIFO order until a slot frees up or their deadline
// expires. On a Server, at most limit streams run handlers at once
// across all connections; further streams are queued (see
// WithMaxQueuedStreams). Zero, the default, means no limit.
func WithConcurrencyLimit(limit int) Option {
	return &sharedOption{
		channel: func(opts *channelOptions) { opts.concurrencyLimit = limit },
		server:  func(opts *serverOptions) { opts.concurrencyLimit = limit },
	}
}

// WithTCPNoDelay enables or disables Nagle's algorithm on sockets. It is
// enabled (no delay) by default.
func WithTCPNoDelay(enabled bool) SocketOption {
	value := toggleOff
	if enabled {
		value = toggleOn
	}
	return &socketOption{
		endpoint: func(s *endpointSettings) { s.tcpNoDelay = value },
		server:   func(opts *serverOptions) { opts.tcpNoDelay = value },
	}
}

// WithTCPKeepAlive sets the TCP keep-alive period of sockets. A negative
// value disables TCP keep-alive. If zero or unset, the operating system
// defaults chosen by the net package apply.
func WithTCPKeepAlive(period time.Duration) SocketOption {
	return &socketOption{
		endpoint: func(s *endpointSettings) { s.tcpKeepAlive = period },
		server:   func(opts *serverOptions) { opts.tcpKeepAlive = period },
	}
}

type channelOptionFunc func(*channelOptions)

func (f channelOptionFunc) applyToChannel(opts *channelOptions) {
	f(opts)
}

type serverOptionFunc func(*serverOptions)

func (f serverOptionFunc) applyToServer(opts *serverOptions) {
	f(opts)
}

type endpointOptionFunc func(*endpointSettings)

func (f endpointOptionFunc) applyToEndpoint(s *endpointSettings) {
	f(s)
}

func (f endpointOptionFunc) applyToChannel(opts *channelOptions) {
	f(&opts.endpointDefaults)
}

type sharedOption struct {
	channel func(*channelOptions)
	server  func(*serverOptions)
}

func (o *sharedOption) applyToChannel(opts *channelOptions) {
	o.channel(opts)
}

func (o *sharedOption) applyToServer(opts *serverOptions) {
	o.server(opts)
}

type socketOption struct {
	endpoint func(*endpointSettings)
	server   func(*serverOptions)
}

func (o *socketOption) applyToEndpoint(s *endpointSettings) {
	o.endpoint(s)
}

func (o *socketOption) applyToChannel(opts *channelOptions) {
	o.endpoint(&opts.endpointDefaults)
}

func (o *socketOption) applyToServer(opts *serverOptions) {
	o.server(opts)
}

// toggle is a tri-state boolean whose zero value means "not set".
type toggle int8

const (
	toggleUnset toggle = iota
	toggleOn
	toggleOff
)

func (t toggle) or(fallback toggle) toggle {
	if t == toggleUnset {
		return fallback
	}
	return t
}

func (t toggle) enabled(byDefault bool) bool {
	switch t {
	case toggleOn:
		return true
	case toggleOff:
		return false
	default:
		return byDefault
	}
}
