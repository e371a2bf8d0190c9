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
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"
)

// TimeoutHeader carries a per-call timeout, in the gRPC wire format: up
// to eight ASCII digits followed by one of the units H, M, S, m, u, n.
const TimeoutHeader = "Grpc-Timeout"

const maxTimeoutValue = 99999999

var errNoTimeout = errors.New("no timeout")

// parseTimeout decodes a TimeoutHeader value. It returns errNoTimeout for
// an empty value.
func parseTimeout(value string) (time.Duration, error) {
	if value == "" {
		return 0, errNoTimeout
	}
	if len(value) < 2 || len(value) > 9 {
		return 0, fmt.Errorf("h2rpc: invalid %s %q", TimeoutHeader, value)
	}
	var unit time.Duration
	switch value[len(value)-1] {
	case 'H':
		unit = time.Hour
	case 'M':
		unit = time.Minute
	case 'S':
		unit = time.Second
	case 'm':
		unit = time.Millisecond
	case 'u':
		unit = time.Microsecond
	case 'n':
		unit = time.Nanosecond
	default:
		return 0, fmt.Errorf("h2rpc: invalid %s unit in %q", TimeoutHeader, value)
	}
	digits := value[:len(value)-1]
	for i := range len(digits) {
		if digits[i] < '0' || digits[i] > '9' {
			return 0, fmt.Errorf("h2rpc: invalid %s %q", TimeoutHeader, value)
		}
	}
	amount, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("h2rpc: invalid %s %q: %w", TimeoutHeader, value, err)
	}
	if amount > math.MaxInt64/int64(unit) {
		// Eight digits of hours exceeds time.Duration: no effective limit.
		return math.MaxInt64, nil
	}
	return time.Duration(amount) * unit, nil
}

// encodeTimeout formats d as a TimeoutHeader value, using the finest unit
// that fits in eight digits. Non-positive durations encode as "0n".
func encodeTimeout(d time.Duration) string {
	if d <= 0 {
		return "0n"
	}
	units := []struct {
		size time.Duration
		char byte
	}{
		{time.Nanosecond, 'n'},
		{time.Microsecond, 'u'},
		{time.Millisecond, 'm'},
		{time.Second, 'S'},
		{time.Minute, 'M'},
		{time.Hour, 'H'},
	}
	for _, u := range units {
		// Round up so the peer never sees a shorter deadline.
		value := d / u.size
		if d%u.size != 0 {
			value++
		}
		if value <= maxTimeoutValue {
			return strconv.FormatInt(int64(value), 10) + string(u.char)
		}
	}
	return strconv.Itoa(maxTimeoutValue) + "H"
}

// headerTimeout returns the timeout requested by header, if any. Invalid
// values are reported as errors.
func headerTimeout(header http.Header) (time.Duration, bool, error) {
	timeout, err := parseTimeout(header.Get(TimeoutHeader))
	switch {
	case errors.Is(err, errNoTimeout):
		return 0, false, nil
	case err != nil:
		return 0, false, err
	default:
		return timeout, true, nil
	}
}
