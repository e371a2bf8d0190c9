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
	"time"

	"github.com/bufbuild/h2rpc/conn"
	"github.com/bufbuild/h2rpc/internal"
)

const defaultPingInterval = 30 * time.Second

// PingCheckerConfig configures a checker created by NewPingChecker.
type PingCheckerConfig struct {
	// Interval between PINGs. Defaults to 30 seconds.
	Interval time.Duration
	// Timeout for each PING. Defaults to Interval.
	Timeout time.Duration
	// HealthyThreshold is the number of consecutive answered PINGs
	// needed to become healthy. Defaults to 1.
	HealthyThreshold int
	// UnhealthyThreshold is the number of consecutive unanswered PINGs
	// needed to become unhealthy. Defaults to 1.
	UnhealthyThreshold int
}

// NewPingChecker returns a checker that sends an HTTP/2 PING on each
// connection at a fixed interval. The first PING is sent immediately.
// The tracker only hears about state transitions.
func NewPingChecker(config PingCheckerConfig) Checker {
	if config.Interval <= 0 {
		config.Interval = defaultPingInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = config.Interval
	}
	if config.HealthyThreshold <= 0 {
		config.HealthyThreshold = 1
	}
	if config.UnhealthyThreshold <= 0 {
		config.UnhealthyThreshold = 1
	}
	return &pingChecker{config: config, clock: internal.NewRealClock()}
}

type pingChecker struct {
	config PingCheckerConfig
	clock  internal.Clock
}

func (p *pingChecker) New(ctx context.Context, c conn.Conn, tracker Tracker) io.Closer {
	ctx, cancel := context.WithCancel(ctx)
	task := &pingTask{cancel: cancel, done: make(chan struct{})}
	go task.run(ctx, p, c, tracker)
	return task
}

type pingTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *pingTask) run(ctx context.Context, checker *pingChecker, c conn.Conn, tracker Tracker) {
	defer close(t.done)
	ticker := checker.clock.NewTicker(checker.config.Interval)
	defer ticker.Stop()

	state := StateUnknown
	var answered, missed int
	for {
		pingCtx, cancel := context.WithTimeout(ctx, checker.config.Timeout)
		err := c.Ping(pingCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		next := state
		if err == nil {
			answered, missed = answered+1, 0
			if answered >= checker.config.HealthyThreshold {
				next = StateHealthy
			}
		} else {
			answered, missed = 0, missed+1
			if missed >= checker.config.UnhealthyThreshold {
				next = StateUnhealthy
			}
		}
		if next != state {
			state = next
			tracker.UpdateHealthState(c, state)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

func (t *pingTask) Close() error {
	t.cancel()
	<-t.done
	return nil
}
