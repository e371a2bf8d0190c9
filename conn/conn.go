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

// Package conn provides the view of a pooled connection that load
// balancing policies and health checkers work with. Each Conn is one
// multiplexed HTTP/2 connection to one endpoint of an h2rpc.Channel.
package conn

import (
	"context"
	"net/http"
)

// Conn is a single HTTP/2 connection to an endpoint.
type Conn interface {
	// RoundTrip opens a new stream on this connection. This is the same as
	// [http.RoundTripper]'s method of the same name except that it accepts
	// a callback that, if non-nil, is invoked when the stream is finished:
	// when the response body has been consumed or closed, or when
	// RoundTrip returns an error.
	RoundTrip(req *http.Request, whenDone func()) (*http.Response, error)
	// Key identifies the endpoint this connection leads to, in the form
	// "scheme://host:port".
	Key() string
	// Ping sends an HTTP/2 PING frame and waits for the acknowledgement.
	Ping(ctx context.Context) error
}

// Conns represents a read-only, ordered set of connections.
type Conns interface {
	// Len returns the total number of connections in the set.
	Len() int
	// Get returns the connection at index i.
	Get(i int) Conn
}
