// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter bounds MCP tool calls with token buckets.
type RateLimiter struct {
	calls *rate.Limiter
	opens *rate.Limiter
}

// NewRateLimiter creates a rate limiter with specified limits.
// callsPerMinute: max total tool calls per minute
// opensPerMinute: max ssh_open_session calls per minute
// A limit of zero or less disables that bucket.
func NewRateLimiter(callsPerMinute, opensPerMinute int) *RateLimiter {
	return &RateLimiter{
		calls: perMinute(callsPerMinute),
		opens: perMinute(opensPerMinute),
	}
}

func perMinute(n int) *rate.Limiter {
	if n <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(float64(n)/60.0), n)
}

// AllowCall checks if any tool call is allowed.
func (rl *RateLimiter) AllowCall() bool {
	return rl.calls.Allow()
}

// AllowOpen checks if an ssh_open_session call is allowed. It draws from
// both the call and open buckets, and from neither when either is empty.
func (rl *RateLimiter) AllowOpen() bool {
	now := time.Now()

	call := rl.calls.ReserveN(now, 1)
	if !call.OK() || call.DelayFrom(now) > 0 {
		call.CancelAt(now)
		return false
	}

	open := rl.opens.ReserveN(now, 1)
	if !open.OK() || open.DelayFrom(now) > 0 {
		open.CancelAt(now)
		call.CancelAt(now)
		return false
	}
	return true
}
