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

package health

import (
	"context"
	"io"
	"strconv"

	"github.com/bufbuild/h2rpc/conn"
)

// State is what health checking last concluded about a pooled
// connection. Lower values are better.
type State int

const (
	StateHealthy State = iota - 1
	StateUnknown
	StateDegraded
	StateUnhealthy
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateUnknown:
		return "unknown"
	case StateDegraded:
		return "degraded"
	case StateUnhealthy:
		return "unhealthy"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// Evicts reports whether a connection in state s must leave its pool.
func (s State) Evicts() bool {
	return s >= StateUnhealthy
}

// Preferred reports whether connections in state s are picked ahead of
// the others. Non-preferred connections that are not evicted are only
// used when no preferred connection exists.
func (s State) Preferred() bool {
	return s == StateHealthy
}

// Checker starts one checking process per pooled connection.
type Checker interface {
	// New begins checking c and returns the handle that stops it. The
	// process also stops when ctx is done.
	//
	// New must not call tracker before returning: the pool holds its
	// lock while starting a checker.
	New(ctx context.Context, c conn.Conn, tracker Tracker) io.Closer
}

// Tracker is where checking processes report.
type Tracker interface {
	UpdateHealthState(c conn.Conn, state State)
}

// NopChecker never probes; every connection is considered healthy as
// soon as it joins the pool.
//
//nolint:gochecknoglobals
var NopChecker Checker = checkerFunc(func(_ context.Context, c conn.Conn, tracker Tracker) io.Closer {
	go tracker.UpdateHealthState(c, StateHealthy)
	return stopped{}
})

type checkerFunc func(ctx context.Context, c conn.Conn, tracker Tracker) io.Closer

func (f checkerFunc) New(ctx context.Context, c conn.Conn, tracker Tracker) io.Closer {
	return f(ctx, c, tracker)
}

type stopped struct{}

func (stopped) Close() error { return nil }
