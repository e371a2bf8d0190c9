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

// Package health provides liveness checking for the connections of an
// h2rpc.Channel.
//
// A [Checker] starts one checking process per pooled connection and
// reports results to a [Tracker]. The channel prefers healthy connections
// when picking and evicts connections reported as [StateUnhealthy].
//
// [NewPingChecker] is the checker behind endpoint keep-alive: it sends an
// HTTP/2 PING on a fixed interval and declares the connection unhealthy
// once enough PINGs in a row go unanswered.
package health
