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
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/bufbuild/h2rpc/health"
	"github.com/bufbuild/h2rpc/picker"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// WithRootContext configures the root context used for any background
// goroutines that a Channel may create. If not specified,
// [context.Background] is used.
//
// Cancelling the context has the same effect as closing the channel,
// except that Close still has to be called to wait for background work
// to finish.
func WithRootContext(ctx context.Context) ChannelOption {
	return channelOptionFunc(func(opts *channelOptions) {
		opts.rootCtx = ctx
	})
}

// WithPicker selects the load balancing policy. The default is
// picker.RoundRobinFactory.
func WithPicker(factory picker.Factory) ChannelOption {
	return channelOptionFunc(func(opts *channelOptions) {
		opts.picker = factory
	})
}

// WithHealthChecker configures how pooled connections are checked, for
// endpoints that have no keep-alive interval (see WithKeepAlive). If not
// specified, connections are considered healthy until they fail.
func WithHealthChecker(checker health.Checker) ChannelOption {
	return channelOptionFunc(func(opts *channelOptions) {
		opts.checker = checker
	})
}

// WithRateLimit limits how fast calls are dispatched, allowing bursts of
// up to burst calls. Waiting for the limiter counts against each call's
// deadline.
func WithRateLimit(limit rate.Limit, burst int) ChannelOption {
	return channelOptionFunc(func(opts *channelOptions) {
		opts.rateLimit = limit
		opts.rateBurst = burst
	})
}

// WithDialer configures the channel to use the given function to
// establish network connections. If no WithDialer option is provided, a
// [net.Dialer] configured from each endpoint's socket options is used.
func WithDialer(dial DialFunc) ChannelOption {
	return channelOptionFunc(func(opts *channelOptions) {
		opts.dial = dial
	})
}

type channelOptions struct {
	rootCtx          context.Context //nolint:containedctx
	logger           logrus.FieldLogger
	metrics          *Metrics
	concurrencyLimit int
	endpointDefaults endpointSettings
	picker           picker.Factory
	checker          health.Checker
	dial             DialFunc
	rateLimit        rate.Limit
	rateBurst        int
}

func (opts *channelOptions) applyDefaults() {
	if opts.rootCtx == nil {
		opts.rootCtx = context.Background()
	}
	if opts.logger == nil {
		opts.logger = logrus.StandardLogger()
	}
	if opts.picker == nil {
		opts.picker = picker.RoundRobinFactory
	}
	if opts.checker == nil {
		opts.checker = health.NopChecker
	}
	if opts.rateLimit > 0 && opts.rateBurst < 1 {
		opts.rateBurst = 1
	}
}

// Channel is the client side: an http.RoundTripper that sends each call
// as a new HTTP/2 stream to one of the endpoints supplied by a Discovery.
//
// A call passes through, in order: the timeout layer, admission (see
// WithConcurrencyLimit and WithRateLimit), the balancer, which picks a
// pooled connection or establishes one, and dispatch on that connection.
// Failures are reported as *Error values.
type Channel struct {
	ctx            context.Context //nolint:containedctx
	cancel         context.CancelCauseFunc
	balancer       *balancer
	admission      *admission
	defaultTimeout time.Duration
	logger         logrus.FieldLogger
	metrics        *Metrics

	closeOnce sync.Once
	closeErr  error
}

var _ http.RoundTripper = (*Channel)(nil)

// NewChannel returns a channel that balances across the endpoints
// reported by discovery. Channel options that configure endpoints (such
// as WithRequestTimeout) become defaults for every discovered endpoint.
func NewChannel(discovery Discovery, options ...ChannelOption) *Channel {
	var opts channelOptions
	for _, opt := range options {
		opt.applyToChannel(&opts)
	}
	opts.applyDefaults()
	connector := NewConnector()
	connector.dial = opts.dial
	return newChannel(discovery, &opts, newTransport(connector).connect)
}

// NewStaticChannel returns a channel over a fixed set of endpoints.
func NewStaticChannel(endpoints []Endpoint, options ...ChannelOption) *Channel {
	return NewChannel(StaticDiscovery(endpoints...), options...)
}

// NewDynamicChannel returns a channel that starts with no endpoints,
// along with the channel that endpoint changes are sent on. Up to
// capacity changes are buffered. Calls made while there are no endpoints
// fail with KindUnavailable.
func NewDynamicChannel(capacity int, options ...ChannelOption) (*Channel, chan<- Change) {
	changes := make(chan Change, capacity)
	return NewChannel(EventDiscovery(changes), options...), changes
}

func newChannel(discovery Discovery, opts *channelOptions, connect connFactory) *Channel {
	ctx, cancel := context.WithCancelCause(opts.rootCtx)
	var limiter *rate.Limiter
	if opts.rateLimit > 0 {
		limiter = rate.NewLimiter(opts.rateLimit, opts.rateBurst)
	}
	channel := &Channel{
		ctx:            ctx,
		cancel:         cancel,
		admission:      newAdmission(opts.concurrencyLimit, 0, limiter, opts.metrics.queuedCalls()),
		defaultTimeout: opts.endpointDefaults.requestTimeout,
		logger:         opts.logger,
		metrics:        opts.metrics,
	}
	channel.balancer = newBalancer(ctx, balancerConfig{
		discovery: discovery,
		picker:    opts.picker,
		checker:   opts.checker,
		connect:   connect,
		defaults:  opts.endpointDefaults,
		logger:    opts.logger,
		metrics:   opts.metrics,
	})
	channel.balancer.start()
	return channel
}

// Client returns an *http.Client that sends requests through the
// channel. Redirects are not followed.
func (c *Channel) Client() *http.Client {
	return &http.Client{
		Transport: c,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// RoundTrip implements http.RoundTripper. The request URL's scheme and
// host are replaced with those of the chosen endpoint; its path and
// query are sent as is.
//
// The call is bounded by the "Grpc-Timeout" request header if present,
// else by the chosen endpoint's request timeout. The deadline covers the
// whole call, including reading the response body.
func (c *Channel) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.roundTrip(req, start)
	c.metrics.callFinished(err, time.Since(start))
	return resp, err
}

func (c *Channel) roundTrip(req *http.Request, start time.Time) (*http.Response, error) {
	if c.ctx.Err() != nil {
		return nil, errChannelClosed
	}
	override, hasOverride, err := headerTimeout(req.Header)
	if err != nil {
		c.logger.WithError(err).Warn("ignoring invalid call timeout")
	}

	// Closing the channel cancels every call that has not been
	// dispatched yet, and every stream that is still open.
	ctx, cancel := context.WithCancelCause(req.Context())
	stop := context.AfterFunc(c.ctx, func() { cancel(errChannelClosed) })
	admitTimeout := c.defaultTimeout
	if hasOverride {
		admitTimeout = override
	}
	admitCtx, admitCancel := withTimeoutFrom(ctx, start, admitTimeout)
	abort := func() {
		admitCancel()
		stop()
		cancel(nil)
	}

	release, err := c.admission.acquire(admitCtx)
	if err != nil {
		abort()
		return nil, err
	}
	pc, endpoint, whenDone, err := c.balancer.pick(admitCtx, req)
	if err != nil {
		release()
		abort()
		return nil, err
	}

	timeout := endpoint.RequestTimeout()
	if hasOverride {
		timeout = override
	}
	callCtx, callCancel := withTimeoutFrom(ctx, start, timeout)
	admitCancel()
	var once sync.Once
	finish := func() {
		once.Do(func() {
			if whenDone != nil {
				whenDone()
			}
			release()
			callCancel()
			stop()
			cancel(nil)
		})
	}

	outReq := req.Clone(callCtx)
	outReq.URL.Scheme = endpoint.Scheme()
	outReq.URL.Host = endpoint.Authority()
	outReq.Host = endpoint.Authority()
	if deadline, ok := callCtx.Deadline(); ok {
		outReq.Header.Set(TimeoutHeader, encodeTimeout(time.Until(deadline)))
	}
	resp, err := pc.RoundTrip(outReq, finish)
	if err != nil {
		finish()
		if !pc.CanTakeNewRequest() {
			c.balancer.evict(pc, "transport failure")
		}
		return nil, classify(callCtx, err)
	}
	if rejected(resp) {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
		_ = resp.Body.Close()
		return nil, &Error{
			kind:    KindResourceExhausted,
			address: endpoint.Key(),
			err:     fmt.Errorf("stream refused with status %d", resp.StatusCode),
		}
	}
	return resp, nil
}

const maxDrainBytes = 4096

// rejected reports whether the server refused the stream because it is
// over capacity.
func rejected(resp *http.Response) bool {
	return resp.StatusCode == http.StatusTooManyRequests ||
		resp.Header.Get(grpcStatusHeader) == grpcStatusResourceExhausted
}

// Close stops background work, closes pooled connections, and fails
// calls that have not been dispatched yet with KindClosed.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.cancel(errChannelClosed)
		c.closeErr = c.balancer.close()
	})
	return c.closeErr
}

// withTimeoutFrom bounds ctx to start+timeout. A non-positive timeout
// leaves ctx unbounded.
func withTimeoutFrom(ctx context.Context, start time.Time, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, start.Add(timeout))
}
