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
	"io"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bufbuild/h2rpc/conn"
	"github.com/bufbuild/h2rpc/health"
	"github.com/bufbuild/h2rpc/internal"
	"github.com/bufbuild/h2rpc/internal/conns"
	"github.com/bufbuild/h2rpc/picker"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	refreshMinInterval = 5 * time.Second
	// An endpoint that failed to connect is not warmed up again sooner.
	unreadyRetryDelay = time.Second
	// Bounds how long an evicted connection may drain its streams.
	evictionGracePeriod = 30 * time.Second
)

var (
	errNoEndpoints       = errors.New("no endpoints discovered")
	errNoConnectionTaken = errors.New("no connection could take the call")
)

// balancer owns the connection pool of a Channel. All changes to the
// pool are made by a single coordinator goroutine; callers read
// immutable snapshots.
type balancer struct {
	//nolint:containedctx
	ctx       context.Context
	cancel    context.CancelCauseFunc
	discovery Discovery
	newPicker picker.Factory
	checker   health.Checker
	connect   connFactory
	defaults  endpointSettings
	logger    logrus.FieldLogger
	metrics   *Metrics
	clock     internal.Clock

	state    atomic.Pointer[poolState]
	ops      chan func(*pool)
	connects singleflight.Group

	latestEndpoints atomic.Pointer[[]Endpoint]
	latestErr       atomic.Pointer[error]
	updates         chan struct{}
	ready           chan struct{}
	refresh         chan struct{}
	lastRefresh     atomic.Int64

	discoveryTask io.Closer
	background    sync.WaitGroup
	closed        chan struct{}
	// closedErr is written before closed is closed, and only read after.
	closedErr error
}

// poolState is a read-only snapshot of the pool.
type poolState struct {
	endpoints []Endpoint
	byKey     map[string]Endpoint
	connected map[string]struct{}
	unready   map[string]time.Time
	picker    picker.Picker
	err       error
}

// pool is the working state, touched only by the coordinator.
type pool struct {
	endpoints    []Endpoint
	entries      map[string]*poolEntry
	unready      map[string]time.Time
	warming      map[string]bool
	picker       picker.Picker
	usable       conns.Set
	discoveryErr error
	discovered   bool
}

type poolEntry struct {
	conn    pooledConn
	state   health.State
	checker io.Closer
}

type balancerConfig struct {
	discovery Discovery
	picker    picker.Factory
	checker   health.Checker
	connect   connFactory
	defaults  endpointSettings
	logger    logrus.FieldLogger
	metrics   *Metrics
}

func newBalancer(ctx context.Context, config balancerConfig) *balancer {
	ctx, cancel := context.WithCancelCause(ctx)
	b := &balancer{
		ctx:       ctx,
		cancel:    cancel,
		discovery: config.discovery,
		newPicker: config.picker,
		checker:   config.checker,
		connect:   config.connect,
		defaults:  config.defaults,
		logger:    config.logger,
		metrics:   config.metrics,
		clock:     internal.NewRealClock(),
		ops:       make(chan func(*pool)),
		updates:   make(chan struct{}, 1),
		ready:     make(chan struct{}),
		refresh:   make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
	b.state.Store(&poolState{})
	return b
}

func (b *balancer) start() {
	go b.run()
	b.discoveryTask = b.discovery.Discover(b.ctx, b, b.refresh)
}

// OnDiscover implements DiscoveryReceiver.
func (b *balancer) OnDiscover(endpoints []Endpoint) {
	withDefaults := make([]Endpoint, len(endpoints))
	for i, endpoint := range endpoints {
		withDefaults[i] = endpoint.withDefaults(b.defaults)
	}
	withDefaults = dedupe(withDefaults)
	b.latestEndpoints.Store(&withDefaults)
	b.notify()
}

// OnDiscoverError implements DiscoveryReceiver.
func (b *balancer) OnDiscoverError(err error) {
	b.latestErr.Store(&err)
	b.notify()
}

func (b *balancer) notify() {
	select {
	case b.updates <- struct{}{}:
	default:
	}
}

// UpdateHealthState implements health.Tracker.
func (b *balancer) UpdateHealthState(c conn.Conn, state health.State) {
	_ = b.submit(func(p *pool) {
		entry := p.entries[c.Key()]
		if entry == nil || entry.conn != c || entry.state == state {
			// Late report for a retired connection, or no change.
			return
		}
		b.logger.WithFields(logrus.Fields{
			"endpoint": c.Key(),
			"state":    state.String(),
		}).Debug("connection health changed")
		if state.Evicts() {
			p.unready[c.Key()] = b.clock.Now()
			b.retire(p, c.Key(), "health check failed")
			return
		}
		entry.state = state
	})
}

func (b *balancer) close() error {
	b.cancel(errChannelClosed)
	if b.discoveryTask != nil {
		_ = b.discoveryTask.Close()
	}
	<-b.closed
	b.background.Wait()
	return b.closedErr
}

func (b *balancer) run() {
	p := &pool{
		entries: map[string]*poolEntry{},
		unready: map[string]time.Time{},
		warming: map[string]bool{},
	}
	defer b.shutdown(p)
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.updates:
			b.applyDiscovery(p)
		case op := <-b.ops:
			op(p)
		}
		b.commit(p)
	}
}

// submit hands op to the coordinator. It fails only once the balancer
// is closed.
func (b *balancer) submit(op func(*pool)) error {
	select {
	case b.ops <- op:
		return nil
	case <-b.ctx.Done():
		return errChannelClosed
	}
}

// do is like submit but returns after op has been applied and a new
// snapshot published.
func (b *balancer) do(op func(*pool)) error {
	applied := make(chan struct{})
	if err := b.submit(func(p *pool) {
		op(p)
		b.commit(p)
		close(applied)
	}); err != nil {
		return err
	}
	<-applied
	return nil
}

func (b *balancer) applyDiscovery(p *pool) {
	if errPtr := b.latestErr.Swap(nil); errPtr != nil {
		p.discoveryErr = *errPtr
		b.logger.WithError(p.discoveryErr).Warn("endpoint discovery failed")
		b.markDiscovered(p)
	}
	endpointsPtr := b.latestEndpoints.Swap(nil)
	if endpointsPtr == nil {
		return
	}
	endpoints := *endpointsPtr
	keep := make(map[string]struct{}, len(endpoints))
	for _, endpoint := range endpoints {
		keep[endpoint.Key()] = struct{}{}
	}
	for key := range p.entries {
		if _, ok := keep[key]; !ok {
			b.retire(p, key, "removed by discovery")
		}
	}
	for key := range p.unready {
		if _, ok := keep[key]; !ok {
			delete(p.unready, key)
		}
	}
	p.endpoints = endpoints
	p.discoveryErr = nil
	b.markDiscovered(p)
}

func (b *balancer) markDiscovered(p *pool) {
	if !p.discovered {
		p.discovered = true
		close(b.ready)
	}
}

// commit rebuilds the picker if the usable connections changed and
// publishes a new snapshot.
func (b *balancer) commit(p *pool) {
	var healthy, fallback []conn.Conn
	for _, endpoint := range p.endpoints {
		entry := p.entries[endpoint.Key()]
		switch {
		case entry == nil:
		case entry.state.Preferred():
			healthy = append(healthy, entry.conn)
		default:
			fallback = append(fallback, entry.conn)
		}
	}
	usable := healthy
	if len(usable) == 0 {
		usable = fallback
	}
	usableSet := conns.SetFromSlice(usable)
	switch {
	case len(usable) == 0:
		p.picker, p.usable = nil, nil
	case !usableSet.Equals(p.usable):
		p.picker = b.newPicker.New(p.picker, conns.FromSlice(usable))
		p.usable = usableSet
	}

	state := &poolState{
		endpoints: p.endpoints,
		byKey:     make(map[string]Endpoint, len(p.endpoints)),
		connected: make(map[string]struct{}, len(p.entries)),
		unready:   make(map[string]time.Time, len(p.unready)),
		picker:    p.picker,
		err:       p.discoveryErr,
	}
	for _, endpoint := range p.endpoints {
		state.byKey[endpoint.Key()] = endpoint
	}
	for key := range p.entries {
		state.connected[key] = struct{}{}
	}
	for key, failed := range p.unready {
		state.unready[key] = failed
	}
	b.state.Store(state)

	if len(p.entries) > 0 {
		b.warm(p)
	}
}

// warm connects, in the background, every endpoint that has no
// connection and did not fail recently. It only runs once the pool is in
// use, so idle channels do not dial.
func (b *balancer) warm(p *pool) {
	now := b.clock.Now()
	for _, endpoint := range p.endpoints {
		key := endpoint.Key()
		if p.entries[key] != nil || p.warming[key] {
			continue
		}
		if failed, ok := p.unready[key]; ok && now.Sub(failed) < unreadyRetryDelay {
			continue
		}
		p.warming[key] = true
		b.background.Add(1)
		go func() {
			defer b.background.Done()
			_ = b.connectShared(b.ctx, endpoint)
			_ = b.submit(func(p *pool) { delete(p.warming, key) })
		}()
	}
}

// insert adds a freshly established connection. It is closed instead if
// the endpoint is gone or already has a connection.
func (b *balancer) insert(p *pool, endpoint Endpoint, pc pooledConn) {
	key := endpoint.Key()
	current := slices.ContainsFunc(p.endpoints, func(e Endpoint) bool { return e.Key() == key })
	if !current || p.entries[key] != nil {
		_ = pc.Close()
		return
	}
	delete(p.unready, key)
	entry := &poolEntry{conn: pc, state: health.StateUnknown}
	entry.checker = b.checkerFor(endpoint).New(b.ctx, pc, b)
	p.entries[key] = entry
	b.metrics.pooledConnections().Inc()
	b.logger.WithField("endpoint", key).Debug("connection established")
}

func (b *balancer) checkerFor(endpoint Endpoint) health.Checker {
	if interval := endpoint.KeepAliveInterval(); interval > 0 {
		return health.NewPingChecker(health.PingCheckerConfig{
			Interval: interval,
			Timeout:  endpoint.settings.keepAliveTimeout,
		})
	}
	return b.checker
}

// retire removes the connection for key and closes it in the background,
// letting open streams finish first.
func (b *balancer) retire(p *pool, key, reason string) {
	entry := p.entries[key]
	if entry == nil {
		return
	}
	delete(p.entries, key)
	b.metrics.pooledConnections().Dec()
	b.logger.WithFields(logrus.Fields{
		"endpoint": key,
		"reason":   reason,
	}).Debug("evicting connection")
	b.background.Add(1)
	go func() {
		defer b.background.Done()
		_ = entry.checker.Close()
		ctx, cancel := context.WithTimeout(context.Background(), evictionGracePeriod)
		defer cancel()
		if err := entry.conn.Shutdown(ctx); err != nil {
			_ = entry.conn.Close()
		}
	}()
}

// evict retires pc, unless it was already replaced or removed.
func (b *balancer) evict(pc pooledConn, reason string) {
	_ = b.do(func(p *pool) {
		if entry := p.entries[pc.Key()]; entry != nil && entry.conn == pc {
			b.retire(p, pc.Key(), reason)
		}
	})
}

func (b *balancer) shutdown(p *pool) {
	grp, _ := errgroup.WithContext(context.Background())
	var closeErr atomic.Pointer[error]
	for key, entry := range p.entries {
		delete(p.entries, key)
		b.metrics.pooledConnections().Dec()
		grp.Go(func() error {
			_ = entry.checker.Close()
			if err := entry.conn.Close(); err != nil {
				// Keep going; only the first error is reported.
				closeErr.CompareAndSwap(nil, &err)
			}
			return nil
		})
	}
	_ = grp.Wait()
	if errPtr := closeErr.Load(); errPtr != nil {
		b.closedErr = *errPtr
	}
	close(b.closed)
}

// connectShared establishes a connection to endpoint and adds it to the
// pool. Concurrent calls for the same endpoint share one attempt, which
// runs on the balancer's context so that a caller giving up does not
// abort it for the others.
func (b *balancer) connectShared(ctx context.Context, endpoint Endpoint) error {
	key := endpoint.Key()
	result := b.connects.DoChan(key, func() (any, error) {
		pc, err := b.connect(b.ctx, endpoint)
		if err != nil {
			phase := PhaseNone
			var rpcErr *Error
			if errors.As(err, &rpcErr) {
				phase = rpcErr.Phase()
			}
			b.metrics.connectFailed(phase).Inc()
			b.logger.WithFields(logrus.Fields{
				"endpoint": key,
				"phase":    phase.String(),
			}).WithError(err).Debug("connection failed")
			_ = b.submit(func(p *pool) { p.unready[key] = b.clock.Now() })
			return nil, err
		}
		if err := b.do(func(p *pool) { b.insert(p, endpoint, pc) }); err != nil {
			_ = pc.Close()
			return nil, err
		}
		return nil, nil //nolint:nilnil
	})
	select {
	case res := <-result:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pick selects a connection for req. If no connection is usable, it
// connects to the known endpoints in turn, healthy-looking ones first,
// until one succeeds.
func (b *balancer) pick(ctx context.Context, req *http.Request) (pooledConn, Endpoint, func(), error) {
	select {
	case <-b.ready:
	case <-b.ctx.Done():
		return nil, Endpoint{}, nil, errChannelClosed
	case <-ctx.Done():
		return nil, Endpoint{}, nil, contextError(ctx, ctx.Err())
	}
	for attempt := 0; ; attempt++ {
		if b.ctx.Err() != nil {
			return nil, Endpoint{}, nil, errChannelClosed
		}
		state := b.state.Load()
		// Every attempt either evicts a dead connection or adds a new
		// one, so twice the endpoint count covers the whole set.
		if attempt > 2*len(state.endpoints) {
			break
		}
		if state.picker != nil {
			picked, whenDone, err := state.picker.Pick(req)
			if err == nil {
				//nolint:forcetypeassert // the pool only holds pooledConns
				pc := picked.(pooledConn)
				if pc.CanTakeNewRequest() {
					return pc, state.byKey[pc.Key()], whenDone, nil
				}
				if whenDone != nil {
					whenDone()
				}
				b.evict(pc, "connection no longer accepts streams")
				continue
			}
		}
		if err := b.establish(ctx, state); err != nil {
			return nil, Endpoint{}, nil, err
		}
	}
	return nil, Endpoint{}, nil, newError(KindUnavailable, errNoConnectionTaken)
}

// establish connects to the first reachable endpoint without a
// connection. Endpoints that failed recently are tried last.
func (b *balancer) establish(ctx context.Context, state *poolState) error {
	if len(state.endpoints) == 0 {
		b.requestRefresh()
		err := errNoEndpoints
		if state.err != nil {
			err = fmt.Errorf("%w: %w", errNoEndpoints, state.err)
		}
		return newError(KindUnavailable, err)
	}
	var ready, unready []Endpoint
	for _, endpoint := range state.endpoints {
		key := endpoint.Key()
		if _, ok := state.connected[key]; ok {
			continue
		}
		if _, ok := state.unready[key]; ok {
			unready = append(unready, endpoint)
			continue
		}
		ready = append(ready, endpoint)
	}
	slices.SortStableFunc(unready, func(x, y Endpoint) int {
		return state.unready[x.Key()].Compare(state.unready[y.Key()])
	})
	candidates := append(ready, unready...)
	if len(candidates) == 0 {
		// Every endpoint has a connection, but the snapshot is stale.
		return nil
	}

	var errs []error
	allHandshake := true
	for _, endpoint := range candidates {
		err := b.connectShared(ctx, endpoint)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return contextError(ctx, ctx.Err())
		}
		if b.ctx.Err() != nil {
			return errChannelClosed
		}
		errs = append(errs, err)
		if KindOf(err) != KindHandshake {
			allHandshake = false
		}
	}
	b.requestRefresh()
	kind := KindUnavailable
	if allHandshake {
		kind = KindHandshake
	}
	return newError(kind, errors.Join(errs...))
}

// requestRefresh asks discovery for fresh endpoints, at most once per
// refreshMinInterval.
func (b *balancer) requestRefresh() {
	now := b.clock.Now().UnixNano()
	last := b.lastRefresh.Load()
	if last != 0 && time.Duration(now-last) < refreshMinInterval {
		return
	}
	if !b.lastRefresh.CompareAndSwap(last, now) {
		return
	}
	select {
	case b.refresh <- struct{}{}:
	default:
	}
}
