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
	"io"
	"net/http"
	"sync/atomic"

	"github.com/bufbuild/h2rpc/conn"
	"golang.org/x/net/http2"
)

// pooledConn is a connection as held by the balancer's pool: what
// pickers see, plus what the pool needs to retire it.
type pooledConn interface {
	conn.Conn
	// CanTakeNewRequest reports whether a new stream may be opened. It
	// turns false for good after GOAWAY, a fatal error, or Close.
	CanTakeNewRequest() bool
	// Shutdown waits for open streams to finish, then closes.
	Shutdown(ctx context.Context) error
	Close() error
}

// connFactory establishes a pooled connection to an endpoint.
type connFactory func(ctx context.Context, endpoint Endpoint) (pooledConn, error)

// transport creates HTTP/2 client connections on top of streams
// negotiated by a Connector.
type transport struct {
	connector *Connector
	h2        *http2.Transport
}

func newTransport(connector *Connector) *transport {
	return &transport{
		connector: connector,
		h2: &http2.Transport{
			// Endpoints with the "http" scheme speak HTTP/2 with prior
			// knowledge.
			AllowHTTP: true,
			// Wait for a free stream slot instead of failing when the
			// server's MAX_CONCURRENT_STREAMS is reached; one connection
			// per endpoint has to carry all of its calls.
			StrictMaxConcurrentStreams: true,
		},
	}
}

func (t *transport) connect(ctx context.Context, endpoint Endpoint) (pooledConn, error) {
	stream, err := t.connector.Connect(ctx, endpoint, endpoint.security())
	if err != nil {
		return nil, err
	}
	cc, err := t.h2.NewClientConn(stream)
	if err != nil {
		_ = stream.Close()
		return nil, newConnectError(PhaseHTTP2, endpoint.Key(), err)
	}
	return &clientConn{key: endpoint.Key(), cc: cc}, nil
}

// clientConn is one HTTP/2 connection to an endpoint.
type clientConn struct {
	key string
	cc  *http2.ClientConn
}

var _ pooledConn = (*clientConn)(nil)

func (c *clientConn) Key() string {
	return c.key
}

func (c *clientConn) RoundTrip(req *http.Request, whenDone func()) (*http.Response, error) {
	resp, err := c.cc.RoundTrip(req)
	if err != nil {
		if whenDone != nil {
			whenDone()
		}
		return nil, err
	}
	addCompletionHook(req, resp, whenDone)
	return resp, nil
}

func (c *clientConn) Ping(ctx context.Context) error {
	return c.cc.Ping(ctx)
}

func (c *clientConn) CanTakeNewRequest() bool {
	return c.cc.CanTakeNewRequest()
}

func (c *clientConn) Shutdown(ctx context.Context) error {
	return c.cc.Shutdown(ctx)
}

func (c *clientConn) Close() error {
	return c.cc.Close()
}

// addCompletionHook makes resp.Body call whenComplete once the body has
// been consumed or closed. Read errors other than io.EOF are mapped to
// the error kinds of this package, so a deadline hit while streaming the
// response surfaces as KindTimeout.
func addCompletionHook(req *http.Request, resp *http.Response, whenComplete func()) {
	resp.Body = &hookReadCloser{ReadCloser: resp.Body, ctx: req.Context(), hook: whenComplete}
}

type hookReadCloser struct {
	io.ReadCloser
	ctx  context.Context //nolint:containedctx
	hook func()

	// +checkatomic
	closed atomic.Bool
}

func (h *hookReadCloser) done() {
	if h.closed.CompareAndSwap(false, true) && h.hook != nil {
		h.hook()
	}
}

func (h *hookReadCloser) Read(p []byte) (int, error) {
	n, err := h.ReadCloser.Read(p)
	if err != nil {
		h.done()
		if !errors.Is(err, io.EOF) {
			err = classify(h.ctx, err)
		}
	}
	return n, err
}

func (h *hookReadCloser) Close() error {
	err := h.ReadCloser.Close()
	h.done()
	return err
}
