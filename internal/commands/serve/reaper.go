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

package serve

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper closes idle sessions.
type Sweeper interface {
	SweepExpired(ctx context.Context) int
}

// Reaper sweeps expired sessions on a fixed interval so idle control
// masters are released even when no tool call arrives.
type Reaper struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *slog.Logger
}

// NewReaper creates a reaper. interval must be positive.
func NewReaper(sweeper Sweeper, interval time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger.With(slog.String("component", "reaper")),
	}
}

// Run sweeps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("reaper started", slog.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("reaper stopped")
			return
		case <-ticker.C:
			if n := r.sweeper.SweepExpired(ctx); n > 0 {
				r.logger.Info("reaped idle sessions", slog.Int("count", n))
			}
		}
	}
}
