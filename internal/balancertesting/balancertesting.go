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

// Package balancertesting provides test doubles for the connection pool
// of an h2rpc.Channel: scripted connections, a connection factory whose
// outcome can be set per endpoint, and a health checker driven by tests.
package balancertesting

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bufbuild/h2rpc/conn"
	"github.com/bufbuild/h2rpc/health"
)

// ErrConnClosed is returned by RoundTrip and Ping on a closed FakeConn.
var ErrConnClosed = errors.New("fake connection closed") //nolint:gochecknoglobals

// FakeConn is a pooled connection that answers every request with a 200
// response whose body is its key. It satisfies conn.Conn as well as the
// extra methods the pool uses to retire connections.
type FakeConn struct {
	key      string
	closedCh chan struct{}
	calls    atomic.Int64

	mu sync.Mutex
	// +checklocks:mu
	saturated bool
	// +checklocks:mu
	pingErr error
	// +checklocks:mu
	roundTripErr error
	// +checklocks:mu
	closed bool
	// +checklocks:mu
	gracefully bool
}

var _ conn.Conn = (*FakeConn)(nil)

// NewFakeConn returns an open connection to the endpoint with the given key.
func NewFakeConn(key string) *FakeConn {
	return &FakeConn{key: key, closedCh: make(chan struct{})}
}

func (c *FakeConn) Key() string {
	return c.key
}

func (c *FakeConn) RoundTrip(req *http.Request, whenDone func()) (*http.Response, error) {
	c.calls.Add(1)
	c.mu.Lock()
	closed, err := c.closed, c.roundTripErr
	c.mu.Unlock()
	if closed {
		err = ErrConnClosed
	}
	if err != nil {
		if whenDone != nil {
			whenDone()
		}
		return nil, err
	}
	body := io.NopCloser(strings.NewReader(c.key))
	if whenDone != nil {
		body = &doneBody{ReadCloser: body, whenDone: whenDone}
	}
	return &http.Response{
		Status:     "200 OK",
		StatusCode: http.StatusOK,
		Proto:      "HTTP/2.0",
		ProtoMajor: 2,
		Header:     http.Header{},
		Body:       body,
		Request:    req,
	}, nil
}

func (c *FakeConn) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	return c.pingErr
}

// CanTakeNewRequest reports false once the connection is closed or was
// marked saturated.
func (c *FakeConn) CanTakeNewRequest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.saturated
}

func (c *FakeConn) Shutdown(context.Context) error {
	c.mu.Lock()
	c.gracefully = true
	c.mu.Unlock()
	return c.Close()
}

func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closedCh)
	}
	return nil
}

// Break simulates a fatal transport failure: the connection stops taking
// requests and every round trip fails with err.
func (c *FakeConn) Break(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saturated = true
	c.roundTripErr = err
}

// SetPingError makes subsequent pings fail with err, or succeed if nil.
func (c *FakeConn) SetPingError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingErr = err
}

// Closed is closed once the connection has been closed.
func (c *FakeConn) Closed() <-chan struct{} {
	return c.closedCh
}

// IsClosed reports whether the connection has been closed, and whether
// that happened through Shutdown.
func (c *FakeConn) IsClosed() (closed, gracefully bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.gracefully
}

// Calls returns the number of round trips attempted on the connection.
func (c *FakeConn) Calls() int64 {
	return c.calls.Load()
}

type doneBody struct {
	io.ReadCloser
	once     sync.Once
	whenDone func()
}

func (b *doneBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil {
		b.once.Do(b.whenDone)
	}
	return n, err
}

func (b *doneBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.whenDone)
	return err
}

// FakeConnFactory creates FakeConns keyed by endpoint. Connecting to an
// endpoint fails if a failure was registered for its key with Fail, and
// blocks while the key is held with Hold.
type FakeConnFactory struct {
	mu sync.Mutex
	// +checklocks:mu
	failures map[string]error
	// +checklocks:mu
	holds map[string]chan struct{}
	// +checklocks:mu
	conns map[string][]*FakeConn
	// +checklocks:mu
	attempts map[string]int
}

// NewFakeConnFactory returns a factory where every connection succeeds.
func NewFakeConnFactory() *FakeConnFactory {
	return &FakeConnFactory{
		failures: map[string]error{},
		holds:    map[string]chan struct{}{},
		conns:    map[string][]*FakeConn{},
		attempts: map[string]int{},
	}
}

// Fail makes connection attempts to key fail with err. A nil err lets
// them succeed again.
func (f *FakeConnFactory) Fail(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, key)
		return
	}
	f.failures[key] = err
}

// Hold makes connection attempts to key block until the returned
// function is called or the attempt's context is done.
func (f *FakeConnFactory) Hold(key string) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.holds[key] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.holds[key] == ch {
				delete(f.holds, key)
			}
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Connect simulates establishing a connection to key.
func (f *FakeConnFactory) Connect(ctx context.Context, key string) (*FakeConn, error) {
	f.mu.Lock()
	f.attempts[key]++
	hold := f.holds[key]
	f.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures[key]; err != nil {
		return nil, err
	}
	c := NewFakeConn(key)
	f.conns[key] = append(f.conns[key], c)
	return c, nil
}

// Attempts returns how many times a connection to key was attempted.
func (f *FakeConnFactory) Attempts(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[key]
}

// Conns returns the connections created for key, oldest first.
func (f *FakeConnFactory) Conns(key string) []*FakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeConn(nil), f.conns[key]...)
}

// OpenConns returns every connection the factory created that has not
// been closed.
func (f *FakeConnFactory) OpenConns() []*FakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	var open []*FakeConn
	for _, list := range f.conns {
		for _, c := range list {
			if closed, _ := c.IsClosed(); !closed {
				open = append(open, c)
			}
		}
	}
	return open
}

// FakeHealthChecker is a health.Checker whose verdicts are set by tests.
// New connections start in the configured initial state, healthy by
// default.
type FakeHealthChecker struct {
	mu sync.Mutex
	// +checklocks:mu
	initialState health.State
	// +checklocks:mu
	trackers map[conn.Conn]health.Tracker
}

var _ health.Checker = (*FakeHealthChecker)(nil)

// NewFakeHealthChecker creates a new FakeHealthChecker.
func NewFakeHealthChecker() *FakeHealthChecker {
	return &FakeHealthChecker{
		initialState: health.StateHealthy,
		trackers:     map[conn.Conn]health.Tracker{},
	}
}

func (hc *FakeHealthChecker) New(_ context.Context, connection conn.Conn, tracker health.Tracker) io.Closer {
	hc.mu.Lock()
	state := hc.initialState
	hc.trackers[connection] = tracker
	hc.mu.Unlock()
	go tracker.UpdateHealthState(connection, state)
	return closerFunc(func() error {
		hc.mu.Lock()
		defer hc.mu.Unlock()
		delete(hc.trackers, connection)
		return nil
	})
}

// SetInitialState sets the state reported for connections checked from
// now on.
func (hc *FakeHealthChecker) SetInitialState(state health.State) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.initialState = state
}

// Report sends state for connection to its tracker. It reports false if
// the connection is not being checked.
func (hc *FakeHealthChecker) Report(connection conn.Conn, state health.State) bool {
	hc.mu.Lock()
	tracker := hc.trackers[connection]
	hc.mu.Unlock()
	if tracker == nil {
		return false
	}
	tracker.UpdateHealthState(connection, state)
	return true
}

// Checked returns the number of connections currently being checked.
func (hc *FakeHealthChecker) Checked() int {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return len(hc.trackers)
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}
