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

package health_test

import (
	"testing"

	"github.com/bufbuild/h2rpc/health"
	"github.com/stretchr/testify/assert"
)

func TestState(t *testing.T) {
	t.Parallel()
	for _, test := range []struct {
		state     health.State
		name      string
		evicts    bool
		preferred bool
	}{
		{state: health.StateHealthy, name: "healthy", preferred: true},
		{state: health.StateUnknown, name: "unknown"},
		{state: health.StateDegraded, name: "degraded"},
		{state: health.StateUnhealthy, name: "unhealthy", evicts: true},
		{state: health.State(7), name: "State(7)", evicts: true},
	} {
		assert.Equal(t, test.name, test.state.String())
		assert.Equal(t, test.evicts, test.state.Evicts(), test.name)
		assert.Equal(t, test.preferred, test.state.Preferred(), test.name)
	}
	assert.Less(t, health.StateHealthy, health.StateUnknown)
	assert.Less(t, health.StateDegraded, health.StateUnhealthy)
}
