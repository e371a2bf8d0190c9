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

// Package conns holds the connection collections handed to pickers.
package conns

import (
	"maps"

	"github.com/bufbuild/h2rpc/conn"
)

// Set is an unordered set of connections. The pool uses it to tell
// whether the usable connections changed since the last picker.
type Set map[conn.Conn]struct{}

// SetFromSlice collects the given connections into a Set.
func SetFromSlice(all []conn.Conn) Set {
	set := make(Set, len(all))
	for _, c := range all {
		set[c] = struct{}{}
	}
	return set
}

// Equals reports whether both sets hold the same connections.
func (s Set) Equals(other Set) bool {
	return maps.Equal(s, other)
}

// List is a conn.Conns backed by a slice. Pickers may keep it, so it
// must not be modified once handed out.
type List []conn.Conn

// FromSlice wraps all without copying.
func FromSlice(all []conn.Conn) conn.Conns {
	return List(all)
}

func (l List) Len() int           { return len(l) }
func (l List) Get(i int) conn.Conn { return l[i] }
