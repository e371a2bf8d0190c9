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

package h2rpc_test

import (
	"crypto/tls"
	"testing"

	"github.com/bufbuild/h2rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServerTLSConfig(t *testing.T) {
	t.Parallel()
	cert := localhostServerTLS(t).Config().Certificates

	_, err := h2rpc.NewServerTLSConfig(nil)
	require.Error(t, err)
	_, err = h2rpc.NewServerTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	require.ErrorContains(t, err, "no certificate")
	_, err = h2rpc.NewServerTLSConfig(&tls.Config{
		Certificates: cert,
		MaxVersion:   tls.VersionTLS11,
	})
	require.ErrorContains(t, err, "TLS 1.2")

	original := &tls.Config{
		Certificates: cert,
		NextProtos:   []string{"http/1.1"},
		MinVersion:   tls.VersionTLS12,
	}
	config, err := h2rpc.NewServerTLSConfig(original)
	require.NoError(t, err)
	assert.Equal(t, []string{"http/1.1", "h2"}, config.Config().NextProtos)
	assert.Equal(t, []string{"http/1.1"}, original.NextProtos)

	// Already present: not duplicated.
	config, err = h2rpc.NewServerTLSConfig(&tls.Config{
		Certificates: cert,
		NextProtos:   []string{"h2"},
		MinVersion:   tls.VersionTLS12,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"h2"}, config.Config().NextProtos)

	// Callers cannot mutate the captured configuration.
	config.Config().NextProtos[0] = "spdy/3"
	assert.Equal(t, []string{"h2"}, config.Config().NextProtos)
}

func TestNewClientTLSConfig(t *testing.T) {
	t.Parallel()
	config, err := h2rpc.NewClientTLSConfig(nil, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"h2"}, config.Config().NextProtos)
	assert.Equal(t, uint16(tls.VersionTLS12), config.Config().MinVersion)
	assert.Empty(t, config.Domain())
	assert.False(t, config.AssumeHTTP2())

	_, err = h2rpc.NewClientTLSConfig(&tls.Config{MaxVersion: tls.VersionTLS10}, "")
	require.Error(t, err)

	config, err = h2rpc.NewClientTLSConfig(nil, "example.com", h2rpc.WithAssumeHTTP2())
	require.NoError(t, err)
	assert.Equal(t, "example.com", config.Domain())
	assert.True(t, config.AssumeHTTP2())
}

func TestClientTLSConfig_Domain(t *testing.T) {
	t.Parallel()
	addr, _ := startServer(t, echoHandler(t, true), h2rpc.WithServerTLS(localhostServerTLS(t)))
	roots := localhostRoots(t)

	// The certificate is only valid for "localhost", not the IP address.
	noDomain, err := h2rpc.NewClientTLSConfig(&tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12}, "")
	require.NoError(t, err)
	channel := newTestChannel(t, endpoints("https://"+addr), h2rpc.WithClientTLS(noDomain))
	_, err = post(channel, []byte("x"))
	require.Error(t, err)
	assert.Equal(t, h2rpc.KindHandshake, h2rpc.KindOf(err))

	withDomain, err := h2rpc.NewClientTLSConfig(&tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12}, "localhost")
	require.NoError(t, err)
	channel = newTestChannel(t, endpoints("https://"+addr), h2rpc.WithClientTLS(withDomain))
	_, err = post(channel, []byte("x"))
	require.NoError(t, err)

	// ServerName in the config works the same way.
	withServerName, err := h2rpc.NewClientTLSConfig(&tls.Config{
		RootCAs:    roots,
		ServerName: "localhost",
		MinVersion: tls.VersionTLS12,
	}, "")
	require.NoError(t, err)
	channel = newTestChannel(t, endpoints("https://"+addr), h2rpc.WithClientTLS(withServerName))
	_, err = post(channel, []byte("x"))
	require.NoError(t, err)
}

func TestModeString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "plain", h2rpc.ModePlain.String())
	assert.Equal(t, "tls", h2rpc.ModeTLS.String())
}
