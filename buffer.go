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
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var errQueueFull = newError(KindResourceExhausted, errors.New("queue is full"))

// admission bounds the amount of work running at once: calls dispatched
// by a Channel, or handlers run by a Server. Work beyond the limit waits
// in arrival order.
type admission struct {
	sem       *semaphore.Weighted // nil means unlimited
	maxQueued int64               // zero means unbounded
	limiter   *rate.Limiter       // nil means unlimited
	queue     Gauge

	// +checkatomic
	waiting atomic.Int64
}

func newAdmission(limit, maxQueued int, limiter *rate.Limiter, queue Gauge) *admission {
	a := &admission{maxQueued: int64(maxQueued), limiter: limiter, queue: queue}
	if limit > 0 {
		a.sem = semaphore.NewWeighted(int64(limit))
	}
	return a
}

// acquire waits for a slot and, if rate limited, a token. It fails with
// errQueueFull if the queue already holds maxQueued waiters. The
// returned release function may be called more than once.
func (a *admission) acquire(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, contextError(ctx, err)
	}
	release := func() {}
	if a.sem != nil {
		if !a.sem.TryAcquire(1) {
			if n := a.waiting.Add(1); a.maxQueued > 0 && n > a.maxQueued {
				a.waiting.Add(-1)
				return nil, errQueueFull
			}
			a.queue.Inc()
			err := a.sem.Acquire(ctx, 1)
			a.queue.Dec()
			a.waiting.Add(-1)
			if err != nil {
				return nil, contextError(ctx, err)
			}
		}
		var once sync.Once
		release = func() {
			once.Do(func() { a.sem.Release(1) })
		}
	}
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			release()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, contextError(ctx, ctxErr)
			}
			// The limiter refuses to wait past the deadline.
			return nil, newError(KindTimeout, err)
		}
	}
	return release, nil
}

// queued returns the number of waiters.
func (a *admission) queued() int {
	return int(a.waiting.Load())
}
