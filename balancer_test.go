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
	"sync"
	"testing"
	"time"

	"github.com/bufbuild/h2rpc/health"
	"github.com/bufbuild/h2rpc/internal/balancertesting"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	keyA = "http://a.test:80"
	keyB = "http://b.test:80"
	keyC = "http://c.test:80"
)

func TestBalancer_RepeatedInsertIsNoOp(t *testing.T) {
	t.Parallel()
	factory := balancertesting.NewFakeConnFactory()
	changes := make(chan Change, 4)
	channel := newFakeChannel(t, EventDiscovery(changes), factory)
	endpoint := MustEndpoint(keyA)

	for range 3 {
		changes <- Insert(endpoint)
	}
	require.Eventually(t, func() bool {
		body, err := fakeCall(channel)
		return err == nil && body == keyA
	}, 5*time.Second, time.Millisecond)
	changes <- Insert(endpoint)
	for range 5 {
		_, err := fakeCall(channel)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{keyA}, channel.PooledKeys())
	assert.Equal(t, 1, factory.Attempts(keyA))
	assert.Len(t, factory.OpenConns(), 1)

	changes <- Remove(endpoint)
	conn := factory.Conns(keyA)[0]
	select {
	case <-conn.Closed():
	case <-time.After(5 * time.Second):
		require.FailNow(t, "removed endpoint's connection was not closed")
	}
	_, gracefully := conn.IsClosed()
	assert.True(t, gracefully)
	require.Eventually(t, func() bool {
		return len(channel.PooledKeys()) == 0
	}, 5*time.Second, time.Millisecond)
	_, err := fakeCall(channel)
	assert.Equal(t, KindUnavailable, KindOf(err))
}

func TestBalancer_SpreadsAcrossEndpoints(t *testing.T) {
	t.Parallel()
	factory := balancertesting.NewFakeConnFactory()
	channel := newFakeChannel(t, StaticDiscovery(MustEndpoint(keyA), MustEndpoint(keyB), MustEndpoint(keyC)), factory)

	require.Eventually(t, func() bool {
		counts := map[string]int{}
		for range 9 {
			body, err := fakeCall(channel)
			if err != nil {
				return false
			}
			counts[body]++
		}
		return counts[keyA] == 3 && counts[keyB] == 3 && counts[keyC] == 3
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, []string{keyA, keyB, keyC}, channel.PooledKeys())
}

func TestBalancer_EvictsBrokenConnection(t *testing.T) {
	t.Parallel()
	factory := balancertesting.NewFakeConnFactory()
	channel := newFakeChannel(t, StaticDiscovery(MustEndpoint(keyA), MustEndpoint(keyB)), factory)
	awaitPooled(t, channel, keyA, keyB)

	factory.Fail(keyA, newConnectError(PhaseDial, keyA, errors.New("connection refused")))
	broken := factory.Conns(keyA)[0]
	broken.Break(errors.New("connection reset"))
	for range 10 {
		body, err := fakeCall(channel)
		require.NoError(t, err)
		assert.Equal(t, keyB, body)
	}
	<-broken.Closed()
	assert.Equal(t, []string{keyB}, channel.PooledKeys())
}

func TestBalancer_SkipsEveryBrokenConnection(t *testing.T) {
	t.Parallel()
	factory := balancertesting.NewFakeConnFactory()
	keys := []string{
		"http://a.test:80", "http://b.test:80", "http://c.test:80",
		"http://d.test:80", "http://e.test:80", "http://f.test:80",
	}
	endpoints := make([]Endpoint, len(keys))
	for i, key := range keys {
		endpoints[i] = MustEndpoint(key)
	}
	channel := newFakeChannel(t, StaticDiscovery(endpoints...), factory)
	awaitPooled(t, channel, keys...)

	// All but the last connection break, and their endpoints refuse
	// new connections.
	live := keys[len(keys)-1]
	for _, key := range keys[:len(keys)-1] {
		factory.Fail(key, newConnectError(PhaseDial, key, errors.New("connection refused")))
		factory.Conns(key)[0].Break(errors.New("connection reset"))
	}
	body, err := fakeCall(channel)
	require.NoError(t, err)
	assert.Equal(t, live, body)
	for range 10 {
		body, err := fakeCall(channel)
		require.NoError(t, err)
		assert.Equal(t, live, body)
	}
	assert.Equal(t, []string{live}, channel.PooledKeys())
}

func TestBalancer_FallsBackOnConnectFailure(t *testing.T) {
	t.Parallel()
	factory := balancertesting.NewFakeConnFactory()
	factory.Fail(keyA, newConnectError(PhaseDial, keyA, errors.New("connection refused")))
	metrics := NewMetrics("test")
	channel := newFakeChannel(t, StaticDiscovery(MustEndpoint(keyA), MustEndpoint(keyB)), factory, WithMetrics(metrics))

	body, err := fakeCall(channel)
	require.NoError(t, err)
	assert.Equal(t, keyB, body)
	assert.Equal(t, []string{keyB}, channel.PooledKeys())
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.connectFailures.WithLabelValues("dial")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.pooledConns), 0)
}

func TestBalancer_HandshakeFailureEverywhere(t *testing.T) {
	t.Parallel()
	factory := balancertesting.NewFakeConnFactory()
	for _, key := range []string{keyA, keyB} {
		factory.Fail(key, newConnectError(PhaseHandshake, key, errors.New("certificate signed by unknown authority")))
	}
	channel := newFakeChannel(t, StaticDiscovery(MustEndpoint(keyA), MustEndpoint(keyB)), factory)

	_, err := fakeCall(channel)
	require.Error(t, err)
	assert.Equal(t, KindHandshake, KindOf(err))
	assert.ErrorContains(t, err, "unknown authority")
	assert.Equal(t, 1, factory.Attempts(keyA))
	assert.Equal(t, 1, factory.Attempts(keyB))

	factory.Fail(keyB, newConnectError(PhaseDial, keyB, errors.New("connection refused")))
	_, err = fakeCall(channel)
	assert.Equal(t, KindUnavailable, KindOf(err))
}

func TestBalancer_UnhealthyConnectionRetired(t *testing.T) {
	t.Parallel()
	factory := balancertesting.NewFakeConnFactory()
	checker := balancertesting.NewFakeHealthChecker()
	channel := newFakeChannel(t, StaticDiscovery(MustEndpoint(keyA)), factory, WithHealthChecker(checker))

	_, err := fakeCall(channel)
	require.NoError(t, err)
	first := factory.Conns(keyA)[0]
	require.Eventually(t, func() bool {
		return checker.Report(first, health.StateUnhealthy)
	}, 5*time.Second, time.Millisecond)
	<-first.Closed()
	require.Eventually(t, func() bool {
		return len(channel.PooledKeys()) == 0 && checker.Checked() == 0
	}, 5*time.Second, time.Millisecond)

	body, err := fakeCall(channel)
	require.NoError(t, err)
	assert.Equal(t, keyA, body)
	assert.Equal(t, 2, factory.Attempts(keyA))
}

func TestBalancer_SharesConcurrentConnects(t *testing.T) {
	t.Parallel()
	factory := balancertesting.NewFakeConnFactory()
	release := factory.Hold(keyA)
	channel := newFakeChannel(t, StaticDiscovery(MustEndpoint(keyA)), factory)

	const calls = 5
	var wg sync.WaitGroup
	errs := make(chan error, calls)
	for range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fakeCall(channel)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool {
		return factory.Attempts(keyA) == 1
	}, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	release()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, factory.Attempts(keyA))
	assert.Len(t, factory.Conns(keyA), 1)
}

func TestBalancer_RefreshesWhenUnavailable(t *testing.T) {
	t.Parallel()
	refreshes := make(chan (<-chan struct{}), 1)
	discovery := discoveryFunc(func(_ context.Context, receiver DiscoveryReceiver, refresh <-chan struct{}) io.Closer {
		refreshes <- refresh
		receiver.OnDiscover(nil)
		return nopCloser{}
	})
	channel := newFakeChannel(t, discovery, balancertesting.NewFakeConnFactory())
	refresh := <-refreshes

	_, err := fakeCall(channel)
	assert.Equal(t, KindUnavailable, KindOf(err))
	select {
	case <-refresh:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no refresh requested")
	}

	_, err = fakeCall(channel)
	assert.Equal(t, KindUnavailable, KindOf(err))
	select {
	case <-refresh:
		require.FailNow(t, "refresh requested again within the minimum interval")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBalancer_DiscoveryError(t *testing.T) {
	t.Parallel()
	errResolve := errors.New("no such host")
	discovery := discoveryFunc(func(_ context.Context, receiver DiscoveryReceiver, _ <-chan struct{}) io.Closer {
		receiver.OnDiscoverError(errResolve)
		return nopCloser{}
	})
	channel := newFakeChannel(t, discovery, balancertesting.NewFakeConnFactory())

	_, err := fakeCall(channel)
	require.Error(t, err)
	assert.Equal(t, KindUnavailable, KindOf(err))
	assert.ErrorIs(t, err, errResolve)
}

func TestBalancer_CloseReleasesConnections(t *testing.T) {
	t.Parallel()
	factory := balancertesting.NewFakeConnFactory()
	channel := NewChannelWithFactory(StaticDiscovery(MustEndpoint(keyA), MustEndpoint(keyB)), factory)
	awaitPooled(t, channel, keyA, keyB)

	require.NoError(t, channel.Close())
	assert.Empty(t, factory.OpenConns())
	_, err := fakeCall(channel)
	assert.Equal(t, KindClosed, KindOf(err))
}

func newFakeChannel(t *testing.T, discovery Discovery, factory *balancertesting.FakeConnFactory, opts ...ChannelOption) *Channel {
	t.Helper()
	channel := NewChannelWithFactory(discovery, factory, opts...)
	t.Cleanup(func() {
		_ = channel.Close()
	})
	return channel
}

func fakeCall(channel *Channel) (string, error) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://service/", http.NoBody)
	if err != nil {
		return "", err
	}
	resp, err := channel.RoundTrip(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return string(body), err
}

// awaitPooled makes calls until every key has a pooled connection.
func awaitPooled(t *testing.T, channel *Channel, keys ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		if _, err := fakeCall(channel); err != nil {
			return false
		}
		return assert.ObjectsAreEqual(keys, channel.PooledKeys())
	}, 5*time.Second, time.Millisecond)
}

type discoveryFunc func(ctx context.Context, receiver DiscoveryReceiver, refresh <-chan struct{}) io.Closer

func (f discoveryFunc) Discover(ctx context.Context, receiver DiscoveryReceiver, refresh <-chan struct{}) io.Closer {
	return f(ctx, receiver, refresh)
}
