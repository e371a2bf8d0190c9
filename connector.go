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
	"errors"
	"fmt"
	"net"
)

// DialFunc establishes a network connection, like (*net.Dialer).DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Connector establishes outbound streams to endpoints: it resolves the
// host, dials TCP, and runs the client TLS handshake if the endpoint
// uses TLS. Every call is a fresh attempt; nothing is cached.
type Connector struct {
	lookupHost func(ctx context.Context, host string) ([]string, error)
	dial       DialFunc
}

// NewConnector returns a connector that resolves names with
// net.DefaultResolver and dials with a net.Dialer configured from each
// endpoint's socket settings.
func NewConnector() *Connector {
	return &Connector{lookupHost: net.DefaultResolver.LookupHost}
}

// Connect establishes a stream to endpoint, secured with security if it
// is non-nil. The whole operation is bounded by the endpoint's connect
// timeout, if any, and by ctx.
//
// Failures are returned as a *Error with KindConnect whose Phase says
// which step failed, or KindHandshake if the TLS handshake was rejected
// or the server did not agree on "h2". Running out of time during the
// handshake is KindConnect.
func (c *Connector) Connect(ctx context.Context, endpoint Endpoint, security ClientHandshaker) (net.Conn, error) {
	settings := endpoint.settings
	if settings.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, settings.connectTimeout)
		defer cancel()
	}
	key := endpoint.Key()

	addrs := []string{endpoint.host}
	if net.ParseIP(endpoint.host) == nil {
		lookupHost := c.lookupHost
		if lookupHost == nil {
			lookupHost = net.DefaultResolver.LookupHost
		}
		resolved, err := lookupHost(ctx, endpoint.host)
		if err == nil && len(resolved) == 0 {
			err = fmt.Errorf("no addresses for %s", endpoint.host)
		}
		if err != nil {
			return nil, newConnectError(PhaseResolve, key, err)
		}
		addrs = resolved
	}

	raw, err := c.dialAny(ctx, addrs, endpoint.port, settings)
	if err != nil {
		return nil, newConnectError(PhaseDial, key, err)
	}
	if tcpConn, ok := raw.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(settings.tcpNoDelay.enabled(true)); err != nil {
			_ = raw.Close()
			return nil, newConnectError(PhaseDial, key, err)
		}
	}
	if security == nil {
		return raw, nil
	}

	conn, err := security.HandshakeClient(ctx, raw, endpoint.serverName)
	if err != nil {
		_ = raw.Close()
		if ctx.Err() != nil {
			// Out of time, not rejected by the peer.
			return nil, &Error{kind: KindConnect, phase: PhaseHandshake, address: key, err: err}
		}
		return nil, newConnectError(PhaseHandshake, key, err)
	}
	if proto, ok := negotiatedHTTP2(conn); !ok && !assumesHTTP2(security) {
		_ = conn.Close()
		return nil, newConnectError(PhaseHandshake, key,
			fmt.Errorf("HTTP/2 was not negotiated (server chose %q)", proto))
	}
	return conn, nil
}

// dialAny tries each resolved address in order and returns the first
// connection that succeeds.
func (c *Connector) dialAny(ctx context.Context, addrs []string, port string, settings endpointSettings) (net.Conn, error) {
	dial := c.dial
	if dial == nil {
		dialer := &net.Dialer{KeepAlive: settings.tcpKeepAlive}
		dial = dialer.DialContext
	}
	var errs []error
	for _, addr := range addrs {
		conn, err := dial(ctx, "tcp", net.JoinHostPort(addr, port))
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

func assumesHTTP2(security ClientHandshaker) bool {
	assumer, ok := security.(interface{ AssumeHTTP2() bool })
	return ok && assumer.AssumeHTTP2()
}

