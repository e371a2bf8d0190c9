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
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestAdmission_Unlimited(t *testing.T) {
	t.Parallel()
	admission := newAdmission(0, 0, nil, nilGauge{})
	for range 100 {
		release, err := admission.acquire(context.Background())
		require.NoError(t, err)
		defer release()
	}
	assert.Zero(t, admission.queued())
}

func TestAdmission_FIFO(t *testing.T) {
	t.Parallel()
	queue := prometheus.NewGauge(prometheus.GaugeOpts{Name: "queued"})
	admission := newAdmission(1, 0, nil, queue)
	release, err := admission.acquire(context.Background())
	require.NoError(t, err)

	const waiters = 5
	order := make(chan int, waiters)
	for i := range waiters {
		go func() {
			release, err := admission.acquire(context.Background())
			if err != nil {
				order <- -1
				return
			}
			order <- i
			release()
		}()
		require.Eventually(t, func() bool {
			return admission.queued() == i+1
		}, 5*time.Second, time.Millisecond)
	}
	assert.InDelta(t, waiters, testutil.ToFloat64(queue), 0)

	release()
	release() // no effect the second time
	for i := range waiters {
		assert.Equal(t, i, <-order)
	}
	assert.Zero(t, admission.queued())
	assert.InDelta(t, 0, testutil.ToFloat64(queue), 0)
}

func TestAdmission_QueueLimit(t *testing.T) {
	t.Parallel()
	admission := newAdmission(1, 1, nil, nilGauge{})
	release, err := admission.acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_, _ = admission.acquire(ctx)
	}()
	require.Eventually(t, func() bool {
		return admission.queued() == 1
	}, 5*time.Second, time.Millisecond)

	_, err = admission.acquire(context.Background())
	require.ErrorIs(t, err, errQueueFull)
	assert.Equal(t, KindResourceExhausted, KindOf(err))
	assert.Equal(t, 1, admission.queued())
}

func TestAdmission_DeadlineWhileQueued(t *testing.T) {
	t.Parallel()
	admission := newAdmission(1, 0, nil, nilGauge{})
	release, err := admission.acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = admission.acquire(ctx)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Zero(t, admission.queued())

	_, err = admission.acquire(ctx)
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestAdmission_RateLimit(t *testing.T) {
	t.Parallel()
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	admission := newAdmission(1, 0, limiter, nilGauge{})
	release, err := admission.acquire(context.Background())
	require.NoError(t, err)
	release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = admission.acquire(ctx)
	assert.Equal(t, KindTimeout, KindOf(err))
	// The concurrency slot taken before waiting for the limiter is
	// given back.
	limiter.SetLimit(rate.Inf)
	release, err = admission.acquire(context.Background())
	require.NoError(t, err)
	release()
}
