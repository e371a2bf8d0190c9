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
	"crypto/tls"
	"errors"
	"net"
	"slices"

	"golang.org/x/net/http2"
)

// ServerHandshaker is the only capability the Acceptor needs from a
// security configuration: upgrade an accepted socket into a secured
// stream. *ServerTLSConfig is the provided implementation.
type ServerHandshaker interface {
	HandshakeServer(ctx context.Context, raw net.Conn) (net.Conn, error)
}

// ClientHandshaker is the client-side counterpart of ServerHandshaker.
// The given serverName is the endpoint's host; implementations may
// override it.
type ClientHandshaker interface {
	HandshakeClient(ctx context.Context, raw net.Conn, serverName string) (net.Conn, error)
}

// ServerTLSConfig holds the TLS material for accepting connections. It is
// immutable once built and safe to share between servers.
type ServerTLSConfig struct {
	config *tls.Config
}

// NewServerTLSConfig validates and captures the given configuration. The
// configuration is cloned; "h2" is added to its NextProtos if absent so
// that HTTP/2 is always offered via ALPN.
func NewServerTLSConfig(config *tls.Config) (*ServerTLSConfig, error) {
	if config == nil {
		return nil, errors.New("h2rpc: nil server TLS config")
	}
	if len(config.Certificates) == 0 && config.GetCertificate == nil && config.GetConfigForClient == nil {
		return nil, errors.New("h2rpc: server TLS config has no certificate")
	}
	if err := checkVersion(config); err != nil {
		return nil, err
	}
	return &ServerTLSConfig{config: withALPN(config)}, nil
}

// Config returns a copy of the effective configuration.
func (c *ServerTLSConfig) Config() *tls.Config {
	return c.config.Clone()
}

// HandshakeServer performs the server side of a TLS handshake on raw.
func (c *ServerTLSConfig) HandshakeServer(ctx context.Context, raw net.Conn) (net.Conn, error) {
	tlsConn := tls.Server(raw, c.config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

// ClientTLSConfig holds the TLS material for dialing endpoints.
type ClientTLSConfig struct {
	config      *tls.Config
	domain      string
	assumeHTTP2 bool
}

// ClientTLSOption customizes a ClientTLSConfig.
type ClientTLSOption interface {
	applyToClientTLS(*ClientTLSConfig)
}

type clientTLSOptionFunc func(*ClientTLSConfig)

func (f clientTLSOptionFunc) applyToClientTLS(c *ClientTLSConfig) {
	f(c)
}

// WithAssumeHTTP2 lets connections proceed when the server did not
// negotiate "h2" via ALPN. Only use this with servers known to speak
// HTTP/2 but that do not implement ALPN.
func WithAssumeHTTP2() ClientTLSOption {
	return clientTLSOptionFunc(func(c *ClientTLSConfig) {
		c.assumeHTTP2 = true
	})
}

// NewClientTLSConfig builds a client configuration. A nil config means
// system roots and defaults. If domain is non-empty, it is used as the
// expected server name instead of each endpoint's host.
func NewClientTLSConfig(config *tls.Config, domain string, opts ...ClientTLSOption) (*ClientTLSConfig, error) {
	if config == nil {
		config = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if err := checkVersion(config); err != nil {
		return nil, err
	}
	result := &ClientTLSConfig{config: withALPN(config), domain: domain}
	for _, opt := range opts {
		opt.applyToClientTLS(result)
	}
	return result, nil
}

// Config returns a copy of the effective configuration.
func (c *ClientTLSConfig) Config() *tls.Config {
	return c.config.Clone()
}

// Domain returns the server name override, or "" if the endpoint host is used.
func (c *ClientTLSConfig) Domain() string {
	return c.domain
}

// AssumeHTTP2 reports whether the ALPN check is skipped.
func (c *ClientTLSConfig) AssumeHTTP2() bool {
	return c.assumeHTTP2
}

// HandshakeClient performs the client side of a TLS handshake on raw.
func (c *ClientTLSConfig) HandshakeClient(ctx context.Context, raw net.Conn, serverName string) (net.Conn, error) {
	config := c.config
	if name := c.serverName(serverName); name != config.ServerName {
		config = config.Clone()
		config.ServerName = name
	}
	tlsConn := tls.Client(raw, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

func (c *ClientTLSConfig) serverName(fallback string) string {
	switch {
	case c.domain != "":
		return c.domain
	case c.config.ServerName != "":
		return c.config.ServerName
	default:
		return fallback
	}
}

// HTTP/2 over TLS requires TLS 1.2 or later (RFC 9113, section 9.2).
func checkVersion(config *tls.Config) error {
	if config.MaxVersion != 0 && config.MaxVersion < tls.VersionTLS12 {
		return errors.New("h2rpc: TLS config caps the version below TLS 1.2")
	}
	return nil
}

func withALPN(config *tls.Config) *tls.Config {
	clone := config.Clone()
	if !slices.Contains(clone.NextProtos, http2.NextProtoTLS) {
		clone.NextProtos = append(clone.NextProtos, http2.NextProtoTLS)
	}
	return clone
}

type connectionStater interface {
	ConnectionState() tls.ConnectionState
}

// Mode says how a negotiated stream is carried.
type Mode int

const (
	ModePlain Mode = iota
	ModeTLS
)

func (m Mode) String() string {
	if m == ModeTLS {
		return "tls"
	}
	return "plain"
}

// ModeOf reports whether conn is a TLS-wrapped stream.
func ModeOf(conn net.Conn) Mode {
	if _, ok := conn.(connectionStater); ok {
		return ModeTLS
	}
	return ModePlain
}

// negotiatedHTTP2 reports whether conn, if it is a TLS stream, agreed on
// "h2" via ALPN. Plain streams always report true.
func negotiatedHTTP2(conn net.Conn) (string, bool) {
	stater, ok := conn.(connectionStater)
	if !ok {
		return "", true
	}
	proto := stater.ConnectionState().NegotiatedProtocol
	return proto, proto == http2.NextProtoTLS
}
