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
	"container/heap"
	"math/bits"
	"net/http"
	"sync"

	"github.com/bufbuild/h2rpc/conn"
)

//nolint:gochecknoglobals
var (
	// LeastLoadedRoundRobinFactory creates pickers that pick the connection
	// with the fewest calls in flight. Ties are broken by picking the
	// connection that was picked least recently.
	LeastLoadedRoundRobinFactory Factory = FactoryFunc(newLeastLoaded)
)

func newLeastLoaded(prev Picker, allConns conn.Conns) Picker {
	if prev, ok := prev.(*leastLoaded); ok {
		prev.mu.Lock()
		defer prev.mu.Unlock()
		prev.loads.update(allConns)
		return prev
	}
	return &leastLoaded{loads: newLoadHeap(allConns)}
}

type leastLoaded struct {
	mu sync.Mutex
	// +checklocks:mu
	loads *loadHeap
	// +checklocks:mu
	picks uint64
}

func (p *leastLoaded) Pick(*http.Request) (conn conn.Conn, whenDone func(), err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.picks++
	entry := p.loads.acquire(p.picks)
	return entry.conn, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.loads.release(entry)
	}, nil
}

// loadHeap is a min-heap ordered by load, then by the pick sequence
// number of the last time the entry was chosen.
//
//nolint:recvcheck // heap.Interface needs both receiver kinds
type loadHeap []*loadEntry

type loadEntry struct {
	conn     conn.Conn
	load     uint64
	lastPick uint64
	// index is -1 once the entry has been removed from the heap.
	index int
}

func newLoadHeap(allConns conn.Conns) *loadHeap {
	entries := make(loadHeap, allConns.Len())
	for i := range entries {
		entries[i] = &loadEntry{conn: allConns.Get(i), index: i}
	}
	heap.Init(&entries)
	return &entries
}

// update replaces the heap's contents with allConns, keeping the load of
// connections that are still present.
func (h *loadHeap) update(allConns conn.Conns) {
	added := make(map[conn.Conn]struct{}, allConns.Len())
	for i := range allConns.Len() {
		added[allConns.Get(i)] = struct{}{}
	}
	kept := 0
	old := *h
	for _, entry := range old {
		if _, ok := added[entry.conn]; !ok {
			entry.index = -1
			continue
		}
		delete(added, entry.conn)
		entry.index = kept
		old[kept] = entry
		kept++
	}
	newLen := kept + len(added)
	if kept == len(old) && len(added) <= newLen/bits.Len(uint(newLen)) {
		// Nothing removed and few additions: individual pushes are
		// cheaper than re-heapifying.
		for c := range added {
			heap.Push(h, &loadEntry{conn: c})
		}
		return
	}
	for i := kept; i < len(old); i++ {
		old[i] = nil
	}
	entries := old[:kept]
	for c := range added {
		entries = append(entries, &loadEntry{conn: c, index: len(entries)})
	}
	*h = entries
	heap.Init(h)
}

func (h *loadHeap) acquire(pick uint64) *loadEntry {
	entry := (*h)[0]
	entry.load++
	entry.lastPick = pick
	heap.Fix(h, entry.index)
	return entry
}

func (h *loadHeap) release(entry *loadEntry) {
	entry.load--
	if entry.index != -1 {
		heap.Fix(h, entry.index)
	}
}

func (h loadHeap) Len() int { return len(h) }

func (h loadHeap) Less(i, j int) bool {
	if h[i].load == h[j].load {
		return h[i].lastPick < h[j].lastPick
	}
	return h[i].load < h[j].load
}

func (h loadHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *loadHeap) Push(x any) {
	entry := x.(*loadEntry) //nolint:forcetypeassert,errcheck
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *loadHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[:n-1]
	return entry
}
