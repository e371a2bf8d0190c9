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

// Package internal holds code shared by this module's packages that is
// not part of the public API.
package internal

import "time"

// Clock is the time source behind the pool's unready backoff, keep-alive
// pings, and DNS polling. Production code uses NewRealClock; tests swap
// in the fake from package clocktest.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	NewTicker(d time.Duration) Ticker
	NewTimer(d time.Duration) Timer
}

// Ticker mirrors [time.Ticker] with its channel behind a method.
type Ticker interface {
	Chan() <-chan time.Time
	Reset(d time.Duration)
	Stop()
}

// Timer mirrors [time.Timer] with its channel behind a method.
type Timer interface {
	Chan() <-chan time.Time
	Reset(d time.Duration) bool
	Stop() bool
}

// NewRealClock returns the wall clock.
func NewRealClock() Clock {
	return wallClock{}
}

type wallClock struct{}

func (wallClock) Now() time.Time {
	return time.Now()
}

func (wallClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

func (wallClock) NewTicker(d time.Duration) Ticker {
	return wallTicker{time.NewTicker(d)}
}

func (wallClock) NewTimer(d time.Duration) Timer {
	return wallTimer{time.NewTimer(d)}
}

type wallTicker struct {
	*time.Ticker
}

func (t wallTicker) Chan() <-chan time.Time {
	return t.C
}

type wallTimer struct {
	*time.Timer
}

func (t wallTimer) Chan() <-chan time.Time {
	return t.C
}
