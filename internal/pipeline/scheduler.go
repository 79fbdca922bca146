// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts both 5-field (no seconds) and 6-field (with
// seconds) cron expressions, per the spec's "standard cron semantics (5
// or 6 field)".
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// scheduler arms a pipeline's Schedule: either a plain interval ticker or
// a cron expression, never both (interval takes precedence if a caller
// sets both). Overlap policy is skip-if-running, enforced with an atomic
// flag rather than serializing through the work queue, so a slow
// execution never queues up a backlog of pending triggers.
type scheduler struct {
	cronSched *cron.Cron
	cancel    context.CancelFunc
	running   atomic.Bool
}

// newScheduler arms fn to run on sched's cadence. fn is expected to be
// Engine.Execute for the owning pipeline; errors are the caller's
// responsibility to observe via the emitted pipeline:failed event.
func newScheduler(sched Schedule, fn func()) (*scheduler, error) {
	s := &scheduler{}
	guarded := func() {
		if !s.running.CompareAndSwap(false, true) {
			return
		}
		defer s.running.Store(false)
		fn()
	}

	switch {
	case sched.Interval > 0:
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		ticker := time.NewTicker(sched.Interval)
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					guarded()
				}
			}
		}()
	case sched.Cron != "":
		schedule, err := cronParser.Parse(sched.Cron)
		if err != nil {
			return nil, fmt.Errorf("pipeline: parse cron schedule %q: %w", sched.Cron, err)
		}
		c := cron.New(cron.WithParser(cronParser))
		c.Schedule(schedule, cron.FuncJob(guarded))
		c.Start()
		s.cronSched = c
	default:
		return nil, fmt.Errorf("pipeline: schedule has neither interval nor cron set")
	}

	return s, nil
}

func (s *scheduler) stop() {
	if s == nil {
		return
	}
	if s.cronSched != nil {
		<-s.cronSched.Stop().Done()
	}
	if s.cancel != nil {
		s.cancel()
	}
}
