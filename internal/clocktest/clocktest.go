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

// Package clocktest provides a manually advanced internal.Clock for
// tests of timer-driven code.
package clocktest

import (
	"context"
	"time"

	"github.com/bufbuild/h2rpc/internal"
	"github.com/jonboulle/clockwork"
)

// FakeClock only moves when Advance is called.
type FakeClock interface {
	internal.Clock
	Advance(d time.Duration)
	// BlockUntilContext waits until n timers or tickers are pending.
	BlockUntilContext(ctx context.Context, n int) error
}

// NewFakeClock returns a FakeClock starting at an arbitrary time.
func NewFakeClock() FakeClock {
	return &fake{FakeClock: clockwork.NewFakeClock()}
}

// fake wraps clockwork so that NewTicker and NewTimer return the
// internal interfaces; clockwork's own return types do not satisfy
// internal.Clock.
type fake struct {
	*clockwork.FakeClock
}

func (f *fake) NewTicker(d time.Duration) internal.Ticker {
	return f.FakeClock.NewTicker(d)
}

func (f *fake) NewTimer(d time.Duration) internal.Timer {
	return f.FakeClock.NewTimer(d)
}
