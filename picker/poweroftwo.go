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
	"math/rand/v2"
	"net/http"
	"sync/atomic"

	"github.com/bufbuild/h2rpc/conn"
)

//nolint:gochecknoglobals
var (
	// PowerOfTwoFactory creates pickers that sample two connections at
	// random and pick the one with fewer calls in flight. Unlike the
	// least-loaded policy, picks never contend on a lock.
	PowerOfTwoFactory Factory = FactoryFunc(newPowerOfTwo)

	// RandomFactory creates pickers that pick a connection uniformly at
	// random.
	RandomFactory Factory = FactoryFunc(newRandom)
)

func newPowerOfTwo(prev Picker, allConns conn.Conns) Picker {
	carried := map[conn.Conn]*loadCounter{}
	if prev, ok := prev.(*powerOfTwo); ok {
		for _, entry := range prev.conns {
			carried[entry.conn] = entry
		}
	}
	entries := make([]*loadCounter, allConns.Len())
	for i := range entries {
		c := allConns.Get(i)
		if entry, ok := carried[c]; ok {
			entries[i] = entry
		} else {
			entries[i] = &loadCounter{conn: c}
		}
	}
	return &powerOfTwo{conns: entries}
}

type powerOfTwo struct {
	conns []*loadCounter
}

type loadCounter struct {
	conn conn.Conn
	// +checkatomic
	load atomic.Int64
}

func (p *powerOfTwo) Pick(*http.Request) (conn conn.Conn, whenDone func(), err error) {
	first := p.conns[rand.IntN(len(p.conns))]
	second := p.conns[rand.IntN(len(p.conns))]
	entry := first
	if second.load.Load() < first.load.Load() {
		entry = second
	}
	entry.load.Add(1)
	return entry.conn, func() { entry.load.Add(-1) }, nil
}

func newRandom(_ Picker, allConns conn.Conns) Picker {
	return pickerFunc(func(*http.Request) (conn.Conn, func(), error) {
		return allConns.Get(rand.IntN(allConns.Len())), nil, nil
	})
}
