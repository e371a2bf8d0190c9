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
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"google.golang.org/grpc/codes"
)

const (
	defaultTCPKeepAlive = 15 * time.Second
	minAcceptBackoff    = 5 * time.Millisecond
	maxAcceptBackoff    = time.Second

	// How often Shutdown repeats GOAWAY for connections that were still
	// being negotiated when draining began.
	goAwayRepeatInterval = 100 * time.Millisecond
)

// ServerState is a stage of a Server's life.
type ServerState int32

const (
	ServerIdle ServerState = iota
	ServerListening
	ServerServing
	ServerDraining
	ServerStopped
)

func (s ServerState) String() string {
	switch s {
	case ServerIdle:
		return "idle"
	case ServerListening:
		return "listening"
	case ServerServing:
		return "serving"
	case ServerDraining:
		return "draining"
	case ServerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// WithServerTLS makes the server accept only TLS connections that
// negotiate "h2" via ALPN. Without it, connections are plain TCP and
// clients must speak HTTP/2 with prior knowledge.
func WithServerTLS(config *ServerTLSConfig) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.tls = config
	})
}

// WithMaxQueuedStreams bounds how many streams may wait for the
// concurrency limit (see WithConcurrencyLimit). Streams beyond it are
// rejected: gRPC requests get a "grpc-status: 8" (RESOURCE_EXHAUSTED)
// response, other requests get 429 Too Many Requests. Zero, the
// default, queues without bound.
func WithMaxQueuedStreams(limit int) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.maxQueued = limit
	})
}

// WithBacklog sets the accept queue length of listeners created by
// Listen. If zero or unset, the operating system default is used.
func WithBacklog(backlog int) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.backlog = backlog
	})
}

// WithReuseAddress controls SO_REUSEADDR on listeners created by Listen.
// It is enabled by default.
func WithReuseAddress(enabled bool) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.reuseAddr = toggleOff
		if enabled {
			opts.reuseAddr = toggleOn
		}
	})
}

// WithShutdownGracePeriod bounds how long Shutdown waits for in-flight
// streams before closing the remaining connections. The context passed
// to Shutdown may end the wait sooner. If zero or unset, only that
// context bounds it.
func WithShutdownGracePeriod(period time.Duration) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.gracePeriod = period
	})
}

// WithHandshakeTimeout bounds the TLS handshake of each accepted
// connection. The default is 10 seconds.
func WithHandshakeTimeout(timeout time.Duration) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.handshakeTimeout = timeout
	})
}

// WithMaxConcurrentStreams sets the HTTP/2 SETTINGS_MAX_CONCURRENT_STREAMS
// advertised on each connection. The default is 250.
func WithMaxConcurrentStreams(limit uint32) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.maxConcurrentStreams = limit
	})
}

type serverOptions struct {
	logger               logrus.FieldLogger
	metrics              *Metrics
	concurrencyLimit     int
	tcpNoDelay           toggle
	tcpKeepAlive         time.Duration
	tls                  *ServerTLSConfig
	maxQueued            int
	backlog              int
	reuseAddr            toggle
	gracePeriod          time.Duration
	handshakeTimeout     time.Duration
	maxConcurrentStreams uint32
}

func (opts *serverOptions) applyDefaults() {
	if opts.logger == nil {
		opts.logger = logrus.StandardLogger()
	}
}

// Server accepts connections, negotiates HTTP/2 on each (over TLS if
// configured), and runs the handler for every stream.
//
// A failure on one connection, including a panic while serving it,
// only ends that connection.
type Server struct {
	opts      serverOptions
	handler   http.Handler
	acceptor  *Acceptor
	admission *admission
	h1        *http.Server
	h2        *http2.Server

	ctx      context.Context //nolint:containedctx
	cancel   context.CancelFunc
	draining chan struct{}
	drainOne sync.Once
	state    atomic.Int32

	mu sync.Mutex
	// +checklocks:mu
	listeners map[net.Listener]struct{}
	// +checklocks:mu
	conns  map[net.Conn]struct{}
	connWG sync.WaitGroup

	// beforeServeConn, if set, runs after negotiation and before the
	// connection is handed to HTTP/2.
	beforeServeConn func()
}

// NewServer returns a server that dispatches streams to handler.
func NewServer(handler http.Handler, options ...ServerOption) *Server {
	var opts serverOptions
	for _, opt := range options {
		opt.applyToServer(&opts)
	}
	opts.applyDefaults()

	var security ServerHandshaker
	if opts.tls != nil {
		security = opts.tls
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:      opts,
		handler:   handler,
		acceptor:  NewAcceptor(security, opts.handshakeTimeout),
		admission: newAdmission(opts.concurrencyLimit, opts.maxQueued, nil, opts.metrics.queuedStreams()),
		// h1 is never served; it holds the shutdown hook that makes
		// every HTTP/2 connection send GOAWAY.
		h1:        &http.Server{}, //nolint:gosec // no HTTP/1 traffic
		h2:        &http2.Server{MaxConcurrentStreams: opts.maxConcurrentStreams},
		ctx:       ctx,
		cancel:    cancel,
		draining:  make(chan struct{}),
		listeners: map[net.Listener]struct{}{},
		conns:     map[net.Conn]struct{}{},
	}
	// ConfigureServer only fails for TLS settings of h1, which are unused.
	_ = http2.ConfigureServer(s.h1, s.h2)
	return s
}

// State reports the server's current stage.
func (s *Server) State() ServerState {
	return ServerState(s.state.Load())
}

// Addr returns the address of a listener being served, or nil.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ln := range s.listeners {
		return ln.Addr()
	}
	return nil
}

// Listen binds a TCP listener on addr with the configured socket options.
// Bind failures are returned here, before anything is served.
func (s *Server) Listen(ctx context.Context, addr string) (net.Listener, error) {
	if s.State() >= ServerDraining {
		return nil, ErrServerClosed
	}
	config := net.ListenConfig{Control: listenControl(s.opts.reuseAddr.enabled(true))}
	ln, err := config.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("h2rpc: listen on %s: %w", addr, err)
	}
	if s.opts.backlog > 0 {
		if err := setBacklog(ln, s.opts.backlog); err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("h2rpc: listen on %s: %w", addr, err)
		}
	}
	s.state.CompareAndSwap(int32(ServerIdle), int32(ServerListening))
	return ln, nil
}

// ListenAndServe is Listen followed by Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := s.Listen(ctx, addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until the server is shut down, in
// which case it returns ErrServerClosed. Transient accept errors are
// retried with backoff; any other accept error is returned. Serve closes
// ln before returning.
func (s *Server) Serve(ln net.Listener) error {
	if !s.trackListener(ln) {
		_ = ln.Close()
		return ErrServerClosed
	}
	defer s.untrackListener(ln)
	s.state.CompareAndSwap(int32(ServerIdle), int32(ServerServing))
	s.state.CompareAndSwap(int32(ServerListening), int32(ServerServing))

	var backoff time.Duration
	for {
		raw, err := ln.Accept()
		if err != nil {
			if s.isDraining() {
				return ErrServerClosed
			}
			if !isTemporaryAcceptError(err) {
				return err
			}
			backoff = nextBackoff(backoff)
			s.opts.logger.WithError(err).WithField("retry", backoff).Warn("accept failed")
			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-s.draining:
				timer.Stop()
				return ErrServerClosed
			}
			continue
		}
		backoff = 0
		if !s.trackConn(raw) {
			_ = raw.Close()
			continue
		}
		go s.serveConn(raw)
	}
}

func nextBackoff(current time.Duration) time.Duration {
	if current == 0 {
		return minAcceptBackoff
	}
	return min(current*2, maxAcceptBackoff)
}

func (s *Server) serveConn(raw net.Conn) {
	logger := s.opts.logger.WithField("remote", remoteAddr(raw))
	defer s.untrackConn(raw)
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("recovered panic while serving connection")
			_ = raw.Close()
		}
	}()

	s.configureSocket(raw, logger)
	stream, err := s.acceptor.Accept(s.ctx, raw)
	if err != nil {
		s.opts.metrics.handshakeFailed().Inc()
		logger.WithError(err).Debug("connection negotiation failed")
		return
	}
	if s.isDraining() {
		_ = stream.Close()
		return
	}
	if s.beforeServeConn != nil {
		s.beforeServeConn()
	}
	s.opts.metrics.serverConnections().Inc()
	defer s.opts.metrics.serverConnections().Dec()
	s.h2.ServeConn(stream, &http2.ServeConnOpts{
		Context:    s.ctx,
		BaseConfig: s.h1,
		Handler:    http.HandlerFunc(s.serveStream),
	})
	logger.Debug("connection closed")
}

func (s *Server) configureSocket(raw net.Conn, logger logrus.FieldLogger) {
	tcpConn, ok := raw.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tcpConn.SetNoDelay(s.opts.tcpNoDelay.enabled(true)); err != nil {
		logger.WithError(err).Warn("failed to set TCP_NODELAY")
	}
	period := keepAlivePeriod(s.opts.tcpKeepAlive)
	if err := tcpConn.SetKeepAlive(period > 0); err != nil {
		logger.WithError(err).Warn("failed to configure TCP keep-alive")
		return
	}
	if period > 0 {
		if err := tcpConn.SetKeepAlivePeriod(period); err != nil {
			logger.WithError(err).Warn("failed to configure TCP keep-alive")
		}
	}
}

// keepAlivePeriod maps the option value to a period: zero selects the
// default and a negative value disables keep-alive.
func keepAlivePeriod(configured time.Duration) time.Duration {
	switch {
	case configured == 0:
		return defaultTCPKeepAlive
	case configured < 0:
		return 0
	default:
		return configured
	}
}

// serveStream runs the handler for one stream once the concurrency
// limit allows it.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request) {
	timeout, ok, err := headerTimeout(r.Header)
	if err != nil {
		s.opts.logger.WithError(err).Debug("ignoring invalid call timeout")
	}
	if ok {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		r = r.WithContext(ctx)
	}

	release, err := s.admission.acquire(r.Context())
	if err != nil {
		if errors.Is(err, errQueueFull) {
			s.opts.metrics.rejectedStreams().Inc()
			rejectStream(w, r)
			return
		}
		if errors.Is(r.Context().Err(), context.DeadlineExceeded) {
			expireStream(w, r)
		}
		return
	}
	defer release()
	s.opts.metrics.inFlightStreams().Inc()
	defer s.opts.metrics.inFlightStreams().Dec()
	s.handler.ServeHTTP(w, r)
}

// rejectStream answers a stream that could not be queued.
func rejectStream(w http.ResponseWriter, r *http.Request) {
	if isGRPC(r) {
		// Trailers-only response.
		w.Header().Set("Content-Type", r.Header.Get("Content-Type"))
		w.Header().Set(grpcStatusHeader, grpcStatusResourceExhausted)
		w.Header().Set(grpcMessageHeader, "server is overloaded")
		w.WriteHeader(http.StatusOK)
		return
	}
	http.Error(w, "server is overloaded", http.StatusTooManyRequests)
}

// expireStream answers a stream whose deadline passed while queued.
func expireStream(w http.ResponseWriter, r *http.Request) {
	if isGRPC(r) {
		w.Header().Set("Content-Type", r.Header.Get("Content-Type"))
		w.Header().Set(grpcStatusHeader, grpcStatusDeadlineExceeded)
		w.Header().Set(grpcMessageHeader, "deadline exceeded while queued")
		w.WriteHeader(http.StatusOK)
		return
	}
	http.Error(w, "deadline exceeded while queued", http.StatusGatewayTimeout)
}

const (
	grpcStatusHeader  = "Grpc-Status"
	grpcMessageHeader = "Grpc-Message"
)

//nolint:gochecknoglobals
var (
	grpcStatusDeadlineExceeded  = strconv.Itoa(int(codes.DeadlineExceeded))
	grpcStatusResourceExhausted = strconv.Itoa(int(codes.ResourceExhausted))
)

func isGRPC(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "application/grpc")
}

// Shutdown stops accepting connections and tells every connection to
// finish its streams (an HTTP/2 GOAWAY). It waits until all connections
// are done or the grace period or ctx ends, whichever is first, then
// closes what is left. It returns ctx's error if connections had to be
// closed early because of ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.beginDraining()
	s.opts.logger.Info("server draining")
	// Sends GOAWAY on every HTTP/2 connection registered so far.
	_ = s.h1.Shutdown(ctx)

	waitCtx := ctx
	if s.opts.gracePeriod > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.opts.gracePeriod)
		defer cancel()
	}
	done := make(chan struct{})
	go func() {
		s.waitConns()
		close(done)
	}()
	// A connection that passed the draining check just before draining
	// began registers with HTTP/2 after the first GOAWAY went out. Each
	// repeat reaches it; connections already told are not told again.
	repeat := time.NewTicker(goAwayRepeatInterval)
	defer repeat.Stop()
	var err error
wait:
	for {
		select {
		case <-done:
			break wait
		case <-repeat.C:
			_ = s.h1.Shutdown(ctx)
		case <-waitCtx.Done():
			s.opts.logger.Warn("grace period over, closing remaining connections")
			s.closeConns()
			<-done
			err = ctx.Err()
			break wait
		}
	}
	s.cancel()
	s.state.Store(int32(ServerStopped))
	return err
}

// Close stops the server immediately, closing every connection.
func (s *Server) Close() error {
	s.beginDraining()
	s.cancel()
	s.closeConns()
	s.waitConns()
	s.state.Store(int32(ServerStopped))
	return nil
}

func (s *Server) beginDraining() {
	s.drainOne.Do(func() {
		s.state.Store(int32(ServerDraining))
		s.mu.Lock()
		defer s.mu.Unlock()
		close(s.draining)
		for ln := range s.listeners {
			_ = ln.Close()
		}
	})
}

func (s *Server) isDraining() bool {
	select {
	case <-s.draining:
		return true
	default:
		return false
	}
}

func (s *Server) trackListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isDraining() {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *Server) untrackListener(ln net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = ln.Close()
	delete(s.listeners, ln)
}

func (s *Server) trackConn(raw net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isDraining() {
		return false
	}
	s.conns[raw] = struct{}{}
	s.connWG.Add(1)
	return true
}

func (s *Server) untrackConn(raw net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, raw)
	s.connWG.Done()
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for raw := range s.conns {
		_ = raw.Close()
	}
}

func (s *Server) waitConns() {
	s.connWG.Wait()
}
