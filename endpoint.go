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
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Endpoint describes one remote server: where it is and how to talk to
// it. Endpoints are immutable values; two endpoints with the same Key
// refer to the same server.
type Endpoint struct {
	scheme     string
	host       string
	port       string
	authority  string
	serverName string
	settings   endpointSettings
}

type endpointSettings struct {
	tls               *ClientTLSConfig
	connectTimeout    time.Duration
	requestTimeout    time.Duration
	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	tcpNoDelay        toggle
	tcpKeepAlive      time.Duration
	authority         string
}

// NewEndpoint parses uri, which must have the form "http://host[:port]"
// or "https://host[:port]". The "http" scheme means HTTP/2 over plain TCP
// with prior knowledge; "https" means HTTP/2 over TLS.
func NewEndpoint(uri string, opts ...EndpointOption) (Endpoint, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return Endpoint{}, fmt.Errorf("h2rpc: invalid endpoint URI %q: %w", uri, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	var defaultPort string
	switch scheme {
	case "http":
		defaultPort = "80"
	case "https":
		defaultPort = "443"
	default:
		return Endpoint{}, fmt.Errorf("h2rpc: endpoint URI %q: scheme must be http or https", uri)
	}
	if parsed.Host == "" || parsed.Hostname() == "" {
		return Endpoint{}, fmt.Errorf("h2rpc: endpoint URI %q has no host", uri)
	}
	if parsed.User != nil || parsed.RawQuery != "" || parsed.Fragment != "" || (parsed.Path != "" && parsed.Path != "/") {
		return Endpoint{}, fmt.Errorf("h2rpc: endpoint URI %q must not have user info, path, query, or fragment", uri)
	}
	port := parsed.Port()
	if port == "" {
		port = defaultPort
	}
	endpoint := Endpoint{
		scheme:     scheme,
		host:       parsed.Hostname(),
		port:       port,
		authority:  parsed.Host,
		serverName: parsed.Hostname(),
	}
	for _, opt := range opts {
		opt.applyToEndpoint(&endpoint.settings)
	}
	if endpoint.settings.authority != "" {
		endpoint.authority = endpoint.settings.authority
	}
	if scheme == "http" && endpoint.settings.tls != nil {
		return Endpoint{}, fmt.Errorf("h2rpc: endpoint URI %q uses plain http but has a TLS config", uri)
	}
	if endpoint.settings.connectTimeout < 0 || endpoint.settings.requestTimeout < 0 || endpoint.settings.keepAliveInterval < 0 {
		return Endpoint{}, errors.New("h2rpc: endpoint timeouts must not be negative")
	}
	return endpoint, nil
}

// MustEndpoint is like NewEndpoint but panics on error. It is intended for
// static configuration and tests.
func MustEndpoint(uri string, opts ...EndpointOption) Endpoint {
	endpoint, err := NewEndpoint(uri, opts...)
	if err != nil {
		panic(err)
	}
	return endpoint
}

// WithClientTLS sets the TLS configuration used for an "https" endpoint.
// Endpoints with the "http" scheme reject it. As a Channel default, it is
// only applied to "https" endpoints.
func WithClientTLS(config *ClientTLSConfig) EndpointOption {
	return endpointOptionFunc(func(s *endpointSettings) {
		s.tls = config
	})
}

// WithConnectTimeout bounds resolving, dialing, and handshaking with the
// endpoint. If zero or unset, only the caller's context bounds it.
func WithConnectTimeout(timeout time.Duration) EndpointOption {
	return endpointOptionFunc(func(s *endpointSettings) {
		s.connectTimeout = timeout
	})
}

// WithRequestTimeout sets the default timeout of calls dispatched to the
// endpoint, from dispatch to the last response byte. A "grpc-timeout"
// request header overrides it per call.
//
// Given to a Channel, it is also the default for every endpoint and
// bounds the wait for admission and a connection. Given to a single
// endpoint, it starts once the call is dispatched there; the wait before
// that is bounded only by the channel default or "grpc-timeout".
func WithRequestTimeout(timeout time.Duration) EndpointOption {
	return endpointOptionFunc(func(s *endpointSettings) {
		s.requestTimeout = timeout
	})
}

// WithKeepAlive sends an HTTP/2 PING on connections to the endpoint every
// interval. A PING that gets no answer within timeout (or the interval,
// if timeout is zero) marks the connection dead and evicts it.
func WithKeepAlive(interval, timeout time.Duration) EndpointOption {
	return endpointOptionFunc(func(s *endpointSettings) {
		s.keepAliveInterval = interval
		s.keepAliveTimeout = timeout
	})
}

// WithAuthority overrides the ":authority" pseudo-header sent to the
// endpoint. By default it is the host and port from the URI.
func WithAuthority(authority string) EndpointOption {
	return endpointOptionFunc(func(s *endpointSettings) {
		s.authority = authority
	})
}

// Key identifies the remote server as "scheme://host:port".
func (e Endpoint) Key() string {
	return e.scheme + "://" + e.Address()
}

// Address is the "host:port" that is dialed.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.host, e.port)
}

// Scheme is either "http" or "https".
func (e Endpoint) Scheme() string {
	return e.scheme
}

// Authority is the value of the ":authority" pseudo-header.
func (e Endpoint) Authority() string {
	return e.authority
}

// ServerName is the name verified against the server certificate, unless
// the TLS configuration overrides it.
func (e Endpoint) ServerName() string {
	return e.serverName
}

// TLS returns the endpoint's TLS configuration, or nil.
func (e Endpoint) TLS() *ClientTLSConfig {
	return e.settings.tls
}

// ConnectTimeout returns the bound on connecting to the endpoint, or zero.
func (e Endpoint) ConnectTimeout() time.Duration {
	return e.settings.connectTimeout
}

// RequestTimeout returns the default call timeout for the endpoint, or
// zero for none.
func (e Endpoint) RequestTimeout() time.Duration {
	return e.settings.requestTimeout
}

// KeepAliveInterval returns how often connections to the endpoint are
// pinged, or zero if they are not.
func (e Endpoint) KeepAliveInterval() time.Duration {
	return e.settings.keepAliveInterval
}

func (e Endpoint) String() string {
	return e.Key()
}

// Equal reports whether both endpoints have the same key and settings.
func (e Endpoint) Equal(other Endpoint) bool {
	return e == other
}

// withDefaults fills in every setting the endpoint left unset.
func (e Endpoint) withDefaults(defaults endpointSettings) Endpoint {
	s := &e.settings
	if s.tls == nil && e.scheme == "https" {
		s.tls = defaults.tls
	}
	if s.connectTimeout == 0 {
		s.connectTimeout = defaults.connectTimeout
	}
	if s.requestTimeout == 0 {
		s.requestTimeout = defaults.requestTimeout
	}
	if s.keepAliveInterval == 0 {
		s.keepAliveInterval = defaults.keepAliveInterval
		s.keepAliveTimeout = defaults.keepAliveTimeout
	}
	s.tcpNoDelay = s.tcpNoDelay.or(defaults.tcpNoDelay)
	if s.tcpKeepAlive == 0 {
		s.tcpKeepAlive = defaults.tcpKeepAlive
	}
	return e
}

// withAddress returns a copy that dials host:port instead, keeping the
// authority and TLS server name.
func (e Endpoint) withAddress(hostPort string) (Endpoint, error) {
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return Endpoint{}, err
	}
	e.host = host
	e.port = port
	return e, nil
}

// security returns the handshaker for the endpoint, or nil for plain
// connections.
func (e Endpoint) security() ClientHandshaker {
	if e.scheme != "https" {
		return nil
	}
	if e.settings.tls != nil {
		return e.settings.tls
	}
	return systemClientTLS()
}

//nolint:gochecknoglobals
var systemClientTLS = sync.OnceValue(func() *ClientTLSConfig {
	config, _ := NewClientTLSConfig(nil, "")
	return config
})
