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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEndpoint(t *testing.T) {
	t.Parallel()
	tests := []struct {
		uri        string
		key        string
		authority  string
		serverName string
	}{
		{uri: "http://localhost", key: "http://localhost:80", authority: "localhost", serverName: "localhost"},
		{uri: "https://example.com", key: "https://example.com:443", authority: "example.com", serverName: "example.com"},
		{uri: "HTTPS://example.com:8443/", key: "https://example.com:8443", authority: "example.com:8443", serverName: "example.com"},
		{uri: "http://10.0.0.1:9000", key: "http://10.0.0.1:9000", authority: "10.0.0.1:9000", serverName: "10.0.0.1"},
		{uri: "https://[::1]:8443", key: "https://[::1]:8443", authority: "[::1]:8443", serverName: "::1"},
	}
	for _, test := range tests {
		t.Run(test.uri, func(t *testing.T) {
			t.Parallel()
			endpoint, err := NewEndpoint(test.uri)
			require.NoError(t, err)
			assert.Equal(t, test.key, endpoint.Key())
			assert.Equal(t, test.key, endpoint.String())
			assert.Equal(t, test.authority, endpoint.Authority())
			assert.Equal(t, test.serverName, endpoint.ServerName())
		})
	}
}

func TestNewEndpoint_Invalid(t *testing.T) {
	t.Parallel()
	tlsConfig, err := NewClientTLSConfig(nil, "")
	require.NoError(t, err)
	tests := []struct {
		name string
		uri  string
		opts []EndpointOption
	}{
		{name: "no_scheme", uri: "localhost:80"},
		{name: "bad_scheme", uri: "ftp://localhost"},
		{name: "no_host", uri: "http://:80"},
		{name: "path", uri: "http://localhost/service"},
		{name: "query", uri: "http://localhost?a=b"},
		{name: "user_info", uri: "https://user@localhost"},
		{name: "malformed", uri: "http://[::1"},
		{name: "plain_with_tls", uri: "http://localhost", opts: []EndpointOption{WithClientTLS(tlsConfig)}},
		{name: "negative_timeout", uri: "http://localhost", opts: []EndpointOption{WithConnectTimeout(-time.Second)}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewEndpoint(test.uri, test.opts...)
			require.Error(t, err)
			assert.Panics(t, func() { MustEndpoint(test.uri, test.opts...) })
		})
	}
}

func TestEndpoint_Options(t *testing.T) {
	t.Parallel()
	endpoint := MustEndpoint("http://localhost:8080",
		WithAuthority("service.internal"),
		WithConnectTimeout(time.Second),
		WithRequestTimeout(2*time.Second),
		WithKeepAlive(30*time.Second, 5*time.Second),
	)
	assert.Equal(t, "http://localhost:8080", endpoint.Key())
	assert.Equal(t, "service.internal", endpoint.Authority())
	assert.Equal(t, time.Second, endpoint.ConnectTimeout())
	assert.Equal(t, 2*time.Second, endpoint.RequestTimeout())
	assert.Equal(t, 30*time.Second, endpoint.KeepAliveInterval())
	assert.Nil(t, endpoint.TLS())
	assert.Nil(t, endpoint.security())
	assert.True(t, endpoint.Equal(MustEndpoint("http://localhost:8080",
		WithAuthority("service.internal"),
		WithConnectTimeout(time.Second),
		WithRequestTimeout(2*time.Second),
		WithKeepAlive(30*time.Second, 5*time.Second),
	)))
	assert.False(t, endpoint.Equal(MustEndpoint("http://localhost:8080")))
}

func TestEndpoint_WithDefaults(t *testing.T) {
	t.Parallel()
	tlsConfig, err := NewClientTLSConfig(nil, "example.com")
	require.NoError(t, err)
	defaults := endpointSettings{
		tls:               tlsConfig,
		connectTimeout:    time.Second,
		requestTimeout:    time.Minute,
		keepAliveInterval: 10 * time.Second,
		keepAliveTimeout:  time.Second,
		tcpNoDelay:        toggleOff,
		tcpKeepAlive:      -1,
	}

	plain := MustEndpoint("http://a.test", WithRequestTimeout(time.Hour)).withDefaults(defaults)
	assert.Nil(t, plain.TLS())
	assert.Equal(t, time.Second, plain.ConnectTimeout())
	assert.Equal(t, time.Hour, plain.RequestTimeout())
	assert.Equal(t, 10*time.Second, plain.KeepAliveInterval())
	assert.False(t, plain.settings.tcpNoDelay.enabled(true))
	assert.Equal(t, time.Duration(-1), plain.settings.tcpKeepAlive)

	secure := MustEndpoint("https://a.test", WithTCPNoDelay(true)).withDefaults(defaults)
	assert.Same(t, tlsConfig, secure.TLS())
	assert.Same(t, tlsConfig, secure.security())
	assert.True(t, secure.settings.tcpNoDelay.enabled(false))

	// Without any TLS configuration, system roots are used.
	bare := MustEndpoint("https://a.test")
	assert.NotNil(t, bare.security())
	assert.Same(t, bare.security(), MustEndpoint("https://b.test").security())
}

func TestEndpoint_WithAddress(t *testing.T) {
	t.Parallel()
	endpoint := MustEndpoint("https://service.test:8443")
	resolved, err := endpoint.withAddress("10.1.2.3:9443")
	require.NoError(t, err)
	assert.Equal(t, "https://10.1.2.3:9443", resolved.Key())
	assert.Equal(t, "service.test:8443", resolved.Authority())
	assert.Equal(t, "service.test", resolved.ServerName())
	assert.Equal(t, "https://service.test:8443", endpoint.Key())

	_, err = endpoint.withAddress("10.1.2.3")
	require.Error(t, err)
}

func TestToggle(t *testing.T) {
	t.Parallel()
	assert.True(t, toggleUnset.enabled(true))
	assert.False(t, toggleUnset.enabled(false))
	assert.True(t, toggleOn.enabled(false))
	assert.False(t, toggleOff.enabled(true))
	assert.Equal(t, toggleOn, toggleUnset.or(toggleOn))
	assert.Equal(t, toggleOff, toggleOff.or(toggleOn))
}
