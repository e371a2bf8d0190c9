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
	"io"
	"slices"

	"github.com/bufbuild/h2rpc/resolver"
)

// Discovery supplies the set of endpoints a Channel balances across.
type Discovery interface {
	// Discover starts reporting endpoint sets to receiver until ctx is
	// done or the returned value is closed. Every report is the complete
	// set; an empty set means there are no endpoints. Receiver methods
	// do not block, so they may be called before Discover returns.
	//
	// A value on refresh asks for fresh results, for example because no
	// endpoint was reachable. Sources that cannot refresh ignore it.
	Discover(ctx context.Context, receiver DiscoveryReceiver, refresh <-chan struct{}) io.Closer
}

// DiscoveryReceiver is the consumer of a Discovery.
type DiscoveryReceiver interface {
	OnDiscover(endpoints []Endpoint)
	OnDiscoverError(err error)
}

// ChangeOp is the kind of a Change.
type ChangeOp int

const (
	ChangeInsert ChangeOp = iota + 1
	ChangeRemove
)

// Change adds an endpoint to, or removes it from, a dynamic channel.
// Endpoints are matched by Key.
type Change struct {
	Op       ChangeOp
	Endpoint Endpoint
}

// Insert returns a Change that adds endpoint. Adding an endpoint that is
// already present does nothing.
func Insert(endpoint Endpoint) Change {
	return Change{Op: ChangeInsert, Endpoint: endpoint}
}

// Remove returns a Change that removes endpoint. Removing an absent
// endpoint does nothing.
func Remove(endpoint Endpoint) Change {
	return Change{Op: ChangeRemove, Endpoint: endpoint}
}

// StaticDiscovery reports a fixed set of endpoints, once. Endpoints with
// the same key are reported only once, the first one winning.
func StaticDiscovery(endpoints ...Endpoint) Discovery {
	return staticDiscovery{endpoints: dedupe(endpoints)}
}

type staticDiscovery struct {
	endpoints []Endpoint
}

func (s staticDiscovery) Discover(_ context.Context, receiver DiscoveryReceiver, _ <-chan struct{}) io.Closer {
	receiver.OnDiscover(slices.Clone(s.endpoints))
	return nopCloser{}
}

// EventDiscovery applies a stream of changes, starting from an empty
// set. Each change that alters the set produces a report. When events is
// closed, the last set stays in effect. The returned Discovery consumes
// events and may be used by only one channel.
func EventDiscovery(events <-chan Change) Discovery {
	return &eventDiscovery{events: events}
}

type eventDiscovery struct {
	events <-chan Change
}

func (e *eventDiscovery) Discover(ctx context.Context, receiver DiscoveryReceiver, _ <-chan struct{}) io.Closer {
	ctx, cancel := context.WithCancel(ctx)
	task := &discoveryTask{cancel: cancel, done: make(chan struct{})}
	receiver.OnDiscover(nil)
	go func() {
		defer close(task.done)
		var current []Endpoint
		for {
			select {
			case <-ctx.Done():
				return
			case change, ok := <-e.events:
				if !ok {
					return
				}
				next, changed := applyChange(current, change)
				if changed {
					current = next
					receiver.OnDiscover(slices.Clone(current))
				}
			}
		}
	}()
	return task
}

func applyChange(current []Endpoint, change Change) ([]Endpoint, bool) {
	key := change.Endpoint.Key()
	index := slices.IndexFunc(current, func(e Endpoint) bool { return e.Key() == key })
	switch change.Op {
	case ChangeInsert:
		if index >= 0 {
			return current, false
		}
		return append(slices.Clip(current), change.Endpoint), true
	case ChangeRemove:
		if index < 0 {
			return current, false
		}
		return slices.Delete(slices.Clone(current), index, index+1), true
	default:
		return current, false
	}
}

// ResolverDiscovery derives endpoints from continuous name resolution of
// template's host. Each resolved address becomes an endpoint that dials
// that address but otherwise keeps template's settings, including its
// authority and TLS server name. Refresh requests are passed on to the
// resolver.
func ResolverDiscovery(r resolver.Resolver, template Endpoint) Discovery {
	return &resolverDiscovery{resolver: r, template: template}
}

type resolverDiscovery struct {
	resolver resolver.Resolver
	template Endpoint
}

func (d *resolverDiscovery) Discover(ctx context.Context, receiver DiscoveryReceiver, refresh <-chan struct{}) io.Closer {
	return d.resolver.New(ctx, d.template.scheme, d.template.Address(), &resolveReceiver{
		template: d.template,
		receiver: receiver,
	}, refresh)
}

type resolveReceiver struct {
	template Endpoint
	receiver DiscoveryReceiver
}

func (r *resolveReceiver) OnResolve(addresses []resolver.Address) {
	endpoints := make([]Endpoint, 0, len(addresses))
	for _, address := range addresses {
		endpoint, err := r.template.withAddress(address.HostPort)
		if err != nil {
			r.receiver.OnDiscoverError(err)
			continue
		}
		endpoints = append(endpoints, endpoint)
	}
	r.receiver.OnDiscover(dedupe(endpoints))
}

func (r *resolveReceiver) OnResolveError(err error) {
	r.receiver.OnDiscoverError(err)
}

func dedupe(endpoints []Endpoint) []Endpoint {
	seen := make(map[string]struct{}, len(endpoints))
	result := make([]Endpoint, 0, len(endpoints))
	for _, endpoint := range endpoints {
		if _, ok := seen[endpoint.Key()]; ok {
			continue
		}
		seen[endpoint.Key()] = struct{}{}
		result = append(result, endpoint)
	}
	return result
}

type discoveryTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *discoveryTask) Close() error {
	t.cancel()
	<-t.done
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error {
	return nil
}
