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

package resolver

import (
	"context"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/bufbuild/h2rpc/internal"
)

const (
	defaultTTL                = 30 * time.Second
	defaultMinRefreshInterval = 5 * time.Second
)

// AddressFamilyPolicy controls which resolved addresses are kept, based
// on their address family.
type AddressFamilyPolicy int

const (
	// UseBothIPv4AndIPv6 keeps every address.
	UseBothIPv4AndIPv6 AddressFamilyPolicy = iota
	// PreferIPv4 keeps only IPv4 addresses if there are any, and every
	// address otherwise.
	PreferIPv4
	// PreferIPv6 keeps only IPv6 addresses if there are any, and every
	// address otherwise.
	PreferIPv6
	// RequireIPv4 keeps only IPv4 addresses. Resolution fails if there
	// are none.
	RequireIPv4
	// RequireIPv6 keeps only IPv6 addresses. Resolution fails if there
	// are none.
	RequireIPv6
)

// Resolver is an interface for continuous name resolution.
type Resolver interface {
	// New starts a task that resolves hostPort and reports results to
	// receiver. Every report carries the full set of addresses.
	//
	// The task keeps resolving, even after errors, until it is closed or
	// ctx is done. A value on refresh is a hint that the consumer wants
	// fresh results soon, for example because it could not reach any of
	// the current addresses. The refresh channel is not closed until
	// after Close returns.
	//
	// After Close returns, receiver is not called again.
	New(
		ctx context.Context,
		scheme, hostPort string,
		receiver Receiver,
		refresh <-chan struct{},
	) io.Closer
}

// Receiver is a client of a resolver and receives the resolved addresses.
type Receiver interface {
	// OnResolve is called with the full set of addresses each time the
	// target is resolved.
	OnResolve([]Address)
	// OnResolveError is called when a resolution attempt fails. Consumers
	// usually keep the last good result.
	OnResolveError(error)
}

// ResolveProber resolves a name once.
type ResolveProber interface {
	// ResolveOnce resolves hostPort and returns addresses that include a
	// port, using the scheme's default port if hostPort has none. The ttl
	// says how long the result is valid, or 0 if unknown.
	ResolveOnce(
		ctx context.Context,
		scheme,
		hostPort string,
	) (
		results []Address,
		ttl time.Duration,
		err error,
	)
}

// Address is one resolved "host:port".
type Address struct {
	HostPort string
}

// PollingOption customizes a polling resolver.
type PollingOption interface {
	apply(*pollingResolver)
}

type pollingOptionFunc func(*pollingResolver)

func (f pollingOptionFunc) apply(pr *pollingResolver) {
	f(pr)
}

// WithDefaultTTL sets the TTL used when the prober does not report one.
// The default is 30 seconds.
func WithDefaultTTL(ttl time.Duration) PollingOption {
	return pollingOptionFunc(func(pr *pollingResolver) {
		if ttl > 0 {
			pr.defaultTTL = ttl
		}
	})
}

// WithMinRefreshInterval sets how long a task waits after one resolution
// before a refresh request may trigger the next. The default is 5
// seconds. TTL expiry is not subject to this limit.
func WithMinRefreshInterval(interval time.Duration) PollingOption {
	return pollingOptionFunc(func(pr *pollingResolver) {
		if interval >= 0 {
			pr.minRefreshInterval = interval
		}
	})
}

// NewDNSResolver creates a resolver that looks up names with resolver,
// keeping addresses according to policy. Because net.Resolver does not
// expose record TTLs, results are re-queried at the default TTL.
func NewDNSResolver(
	resolver *net.Resolver,
	policy AddressFamilyPolicy,
	opts ...PollingOption,
) Resolver {
	return NewPollingResolver(
		&dnsResolveProber{
			resolver: resolver,
			policy:   policy,
		},
		opts...,
	)
}

// NewPollingResolver creates a resolver that calls prober whenever the
// previous result expires.
func NewPollingResolver(
	prober ResolveProber,
	opts ...PollingOption,
) Resolver {
	pr := &pollingResolver{
		prober:             prober,
		defaultTTL:         defaultTTL,
		minRefreshInterval: defaultMinRefreshInterval,
		clock:              internal.NewRealClock(),
	}
	for _, opt := range opts {
		opt.apply(pr)
	}
	return pr
}

type dnsResolveProber struct {
	resolver *net.Resolver
	policy   AddressFamilyPolicy
}

func (r *dnsResolveProber) ResolveOnce(
	ctx context.Context,
	scheme, hostPort string,
) ([]Address, time.Duration, error) {
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		// No port: treat the whole thing as a host.
		host = hostPort
		port = "80"
		if scheme == "https" {
			port = "443"
		}
	}
	addresses, err := r.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, 0, err
	}
	addresses = r.filter(addresses)
	if len(addresses) == 0 {
		return nil, 0, &net.DNSError{
			Err:        "no addresses of the required family",
			Name:       host,
			IsNotFound: true,
		}
	}
	result := make([]Address, len(addresses))
	for i, address := range addresses {
		result[i].HostPort = net.JoinHostPort(address.String(), port)
	}
	return result, 0, nil
}

func (r *dnsResolveProber) filter(addresses []netip.Addr) []netip.Addr {
	var ip4, ip6 []netip.Addr
	for _, address := range addresses {
		// Go maps IPv4 literals into IPv6 space; treat them as IPv4.
		address = address.Unmap()
		if address.Is4() {
			ip4 = append(ip4, address)
		} else {
			ip6 = append(ip6, address)
		}
	}
	switch r.policy {
	case PreferIPv4:
		if len(ip4) > 0 {
			return ip4
		}
		return ip6
	case PreferIPv6:
		if len(ip6) > 0 {
			return ip6
		}
		return ip4
	case RequireIPv4:
		return ip4
	case RequireIPv6:
		return ip6
	default:
		return append(ip4, ip6...)
	}
}

type pollingResolver struct {
	prober             ResolveProber
	defaultTTL         time.Duration
	minRefreshInterval time.Duration
	clock              internal.Clock
}

func (pr *pollingResolver) New(
	ctx context.Context,
	scheme, hostPort string,
	receiver Receiver,
	refresh <-chan struct{},
) io.Closer {
	ctx, cancel := context.WithCancel(ctx)
	task := &pollingResolverTask{
		cancel:     cancel,
		doneSignal: make(chan struct{}),
		refreshCh:  refresh,
		resolver:   pr,
	}
	go task.run(ctx, scheme, hostPort, receiver)
	return task
}

type pollingResolverTask struct {
	cancel     context.CancelFunc
	doneSignal chan struct{}
	refreshCh  <-chan struct{}
	resolver   *pollingResolver
}

func (task *pollingResolverTask) Close() error {
	task.cancel()
	<-task.doneSignal
	return nil
}

func (task *pollingResolverTask) run(ctx context.Context, scheme, hostPort string, receiver Receiver) {
	defer close(task.doneSignal)
	defer task.cancel()

	clock := task.resolver.clock
	for {
		lastResolve := clock.Now()
		addresses, ttl, err := task.resolver.prober.ResolveOnce(ctx, scheme, hostPort)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			receiver.OnResolveError(err)
		} else {
			receiver.OnResolve(addresses)
		}
		if ttl <= 0 {
			ttl = task.resolver.defaultTTL
		}

		ttlTimer := clock.NewTimer(ttl)
		select {
		case <-ctx.Done():
			ttlTimer.Stop()
			return
		case <-ttlTimer.Chan():
		case <-task.refreshCh:
			if !task.awaitRefresh(ctx, lastResolve, ttlTimer) {
				ttlTimer.Stop()
				return
			}
			ttlTimer.Stop()
		}
	}
}

// awaitRefresh holds a refresh request back until the minimum refresh
// interval since lastResolve has passed, or the TTL expires first. It
// returns false if ctx is done.
func (task *pollingResolverTask) awaitRefresh(ctx context.Context, lastResolve time.Time, ttlTimer internal.Timer) bool {
	wait := task.resolver.minRefreshInterval - task.resolver.clock.Since(lastResolve)
	if wait <= 0 {
		return true
	}
	minTimer := task.resolver.clock.NewTimer(wait)
	defer minTimer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-minTimer.Chan():
	case <-ttlTimer.Chan():
	}
	return true
}
