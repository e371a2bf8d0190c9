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

// Package h2rpc is a transport for bidirectional-streaming RPC over
// HTTP/2, with optional TLS on both sides.
//
// On the server side, a [Server] accepts TCP connections, negotiates each
// one through an [Acceptor] (a TLS handshake that must agree on "h2" via
// ALPN, or nothing at all for plain TCP with prior knowledge), and then
// runs an http.Handler for every stream. A concurrency limit bounds how
// many handlers run at once; excess streams wait in a bounded FIFO queue
// and are refused once it is full.
//
// On the client side, a [Channel] is an http.RoundTripper that sends each
// call through a fixed pipeline:
//
//  1. timeout: a deadline from the "grpc-timeout" header, the endpoint's
//     request timeout, or the channel default, in that order;
//  2. admission: a FIFO concurrency limit and optional rate limit;
//  3. discovery: the current set of [Endpoint] values, static or
//     updated through [Change] events or a resolver;
//  4. load balancing: a pool of HTTP/2 connections, one per endpoint,
//     chosen by a picker (round robin unless configured otherwise);
//  5. dispatch: the call is written on the chosen connection.
//
// A [Connector] establishes those connections. Connections are created
// lazily and shared by all calls to the same endpoint; broken ones are
// evicted and replaced on demand.
//
// # Errors
//
// Every error returned by this package is an [*Error] carrying an
// [ErrorKind] such as KindHandshake, KindTimeout, or KindUnavailable.
// Use [KindOf] to classify an error that may have been wrapped, for
// example by http.Client, and [Error.Code] to map it to a gRPC status
// code.
//
// # Configuration
//
// Servers and channels are configured with functional options. The same
// settings may be loaded from YAML with [ParseServerConfig] and
// [ParseChannelConfig].
package h2rpc
