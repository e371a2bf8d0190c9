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
	"os"

	"google.golang.org/grpc/codes"
)

// ErrorKind classifies every failure surfaced by this package.
type ErrorKind int

const (
	// KindUnknown is returned by KindOf for errors not produced by this package.
	KindUnknown ErrorKind = iota
	// KindHandshake means the TLS handshake failed, or HTTP/2 was not
	// negotiated via ALPN.
	KindHandshake
	// KindConnect means a connection could not be established. The
	// Phase of the error says which step failed.
	KindConnect
	// KindTransport means an established connection failed at the
	// HTTP/2 level (reset streams, GOAWAY, broken sockets).
	KindTransport
	// KindTimeout means the call deadline elapsed.
	KindTimeout
	// KindUnavailable means no endpoint could be reached.
	KindUnavailable
	// KindClosed means the channel or server has been shut down.
	KindClosed
	// KindResourceExhausted means the server refused a stream because
	// its concurrency ceiling and queue were both full.
	KindResourceExhausted
	// KindCanceled means the caller canceled the call's context.
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	case KindConnect:
		return "connect"
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindUnavailable:
		return "unavailable"
	case KindClosed:
		return "closed"
	case KindResourceExhausted:
		return "resource exhausted"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Phase identifies the step of connection establishment that failed.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseResolve
	PhaseDial
	PhaseHandshake
	// PhaseHTTP2 is the exchange of the client preface and initial
	// SETTINGS frame on a freshly negotiated stream.
	PhaseHTTP2
)

func (p Phase) String() string {
	switch p {
	case PhaseResolve:
		return "resolve"
	case PhaseDial:
		return "dial"
	case PhaseHandshake:
		return "handshake"
	case PhaseHTTP2:
		return "http2"
	default:
		return "none"
	}
}

// Error is the concrete type of all errors returned by this package.
// Use errors.As to retrieve it, or KindOf to just get the kind.
type Error struct {
	kind    ErrorKind
	phase   Phase
	address string
	err     error
}

func newError(kind ErrorKind, err error) *Error {
	return &Error{kind: kind, err: err}
}

func newConnectError(phase Phase, address string, err error) *Error {
	kind := KindConnect
	if phase == PhaseHandshake {
		kind = KindHandshake
	}
	return &Error{kind: kind, phase: phase, address: address, err: err}
}

// Kind returns the classification of the error.
func (e *Error) Kind() ErrorKind {
	return e.kind
}

// Phase returns the connection establishment step that failed, or
// PhaseNone if the error did not occur while connecting.
func (e *Error) Phase() Phase {
	return e.phase
}

// Address returns the remote address involved, if known.
func (e *Error) Address() string {
	return e.address
}

// Code maps the error's kind to a gRPC status code.
func (e *Error) Code() codes.Code {
	switch e.kind {
	case KindTimeout:
		return codes.DeadlineExceeded
	case KindCanceled:
		return codes.Canceled
	case KindResourceExhausted:
		return codes.ResourceExhausted
	case KindHandshake, KindConnect, KindTransport, KindUnavailable, KindClosed:
		return codes.Unavailable
	default:
		return codes.Unknown
	}
}

func (e *Error) Error() string {
	msg := "h2rpc: " + e.kind.String()
	if e.phase != PhaseNone && e.kind != KindHandshake {
		msg += " (" + e.phase.String() + ")"
	}
	if e.address != "" {
		msg += " " + e.address
	}
	if e.err != nil {
		msg += ": " + e.err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.err
}

// KindOf returns the kind of the first *Error found in err's chain, or
// KindUnknown if there is none.
func KindOf(err error) ErrorKind {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.kind
	}
	return KindUnknown
}

var (
	errChannelClosed = newError(KindClosed, errors.New("channel closed"))
	// ErrServerClosed is returned by Serve after Shutdown or Close.
	ErrServerClosed = newError(KindClosed, errors.New("server closed"))
)

// contextError classifies an error caused by ctx ending.
func contextError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded):
		return newError(KindTimeout, err)
	case errors.Is(err, context.Canceled):
		if cause := context.Cause(ctx); cause != nil && errors.Is(cause, errChannelClosed) {
			return errChannelClosed
		}
		return newError(KindCanceled, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return contextError(ctx, ctxErr)
	}
	return nil
}

// classify turns any error seen during a call into an *Error. Errors
// that already carry a kind are returned unchanged.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return err
	}
	if ctxErr := contextError(ctx, err); ctxErr != nil {
		return ctxErr
	}
	return newError(KindTransport, err)
}
