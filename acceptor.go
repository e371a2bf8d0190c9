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
	"fmt"
	"net"
	"time"
)

const defaultHandshakeTimeout = 10 * time.Second

// Acceptor turns an accepted socket into a stream ready for HTTP/2.
// Without a security configuration the socket is handed through as is.
// An Acceptor holds no per-connection state and may be shared.
type Acceptor struct {
	security         ServerHandshaker
	handshakeTimeout time.Duration
}

// NewAcceptor returns an acceptor that secures connections with the given
// handshaker (nil for plain TCP). A non-positive timeout selects the
// default of 10 seconds.
func NewAcceptor(security ServerHandshaker, handshakeTimeout time.Duration) *Acceptor {
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	return &Acceptor{security: security, handshakeTimeout: handshakeTimeout}
}

// Accept performs the server side of stream negotiation on raw. With no
// security configuration, raw itself is returned. Otherwise a TLS
// handshake runs, and the peer must have agreed on "h2" via ALPN.
//
// On failure, raw is closed and a *Error of KindHandshake is returned.
// Accept never retries.
func (a *Acceptor) Accept(ctx context.Context, raw net.Conn) (net.Conn, error) {
	if a.security == nil {
		return raw, nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.handshakeTimeout)
	defer cancel()
	conn, err := a.security.HandshakeServer(ctx, raw)
	if err != nil {
		_ = raw.Close()
		return nil, newConnectError(PhaseHandshake, remoteAddr(raw), err)
	}
	if proto, ok := negotiatedHTTP2(conn); !ok {
		_ = conn.Close()
		return nil, newConnectError(PhaseHandshake, remoteAddr(raw),
			fmt.Errorf("peer negotiated protocol %q instead of h2", proto))
	}
	return conn, nil
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
