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

package picker

import (
	"net/http"
	"sync/atomic"

	"github.com/bufbuild/h2rpc/conn"
)

// RoundRobinFactory creates pickers that rotate through the connections
// in the order given, which for a Channel is endpoint discovery order.
// A replacement picker resumes the rotation where its predecessor was.
//
//nolint:gochecknoglobals
var RoundRobinFactory Factory = FactoryFunc(newRoundRobin)

func newRoundRobin(prev Picker, allConns conn.Conns) Picker {
	next := &roundRobin{conns: allConns}
	if prev, ok := prev.(*roundRobin); ok {
		next.picks.Store(prev.picks.Load())
	}
	return next
}

type roundRobin struct {
	conns conn.Conns
	// +checkatomic
	picks atomic.Uint64
}

func (r *roundRobin) Pick(*http.Request) (conn conn.Conn, whenDone func(), err error) {
	n := r.picks.Add(1) - 1
	return r.conns.Get(int(n % uint64(r.conns.Len()))), nil, nil
}
