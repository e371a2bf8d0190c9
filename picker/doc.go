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

// Package picker provides the load-balancing policies of an h2rpc.Channel.
//
// A [Picker] selects one ready connection for each call. The channel's
// pool builds a new picker through a [Factory] whenever the set of ready
// connections changes; the previous picker is handed to the factory so
// that state such as a rotation counter or per-connection load can carry
// over.
//
// [RoundRobinFactory], the default, cycles through connections in
// endpoint discovery order. [LeastLoadedRoundRobinFactory] prefers the
// connection with the fewest calls in flight, and [PowerOfTwoFactory]
// approximates it without a shared lock. [RandomFactory] picks uniformly.
package picker
