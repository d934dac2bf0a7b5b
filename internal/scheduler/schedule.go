package scheduler

import (
	"fmt"
	"math"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultInterval is used when the configured interval is not positive.
const DefaultInterval = 5 * time.Second

// DefaultBudgetRatio is the share of the interval a tick may spend evaluating.
const DefaultBudgetRatio = 0.8

// AlignedSchedule fires on multiples of Interval since the Unix epoch, so
// ticks land on round wall-clock boundaries regardless of when the previous
// tick finished.
type AlignedSchedule struct {
	Interval time.Duration
}

// Next returns t + (interval - t mod interval). A t exactly on a boundary
// yields the following boundary.
func (s AlignedSchedule) Next(t time.Time) time.Time {
	iv := s.Interval.Milliseconds()
	if iv <= 0 {
		iv = DefaultInterval.Milliseconds()
	}
	ms := t.UnixMilli()
	rem := ms % iv
	if rem < 0 {
		rem += iv
	}
	return t.Add(time.Duration(iv-rem) * time.Millisecond).Truncate(time.Millisecond)
}

var _ cron.Schedule = AlignedSchedule{}

// NewSchedule returns a cron schedule when spec is set, else an aligned
// interval schedule.
func NewSchedule(interval time.Duration, spec string) (cron.Schedule, error) {
	if spec != "" {
		sched, err := cron.ParseStandard(spec)
		if err != nil {
			return nil, fmt.Errorf("parse cron expression %q: %w", spec, err)
		}
		return sched, nil
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return AlignedSchedule{Interval: interval}, nil
}

// Delay is how long to wait at now before the next fire time.
func Delay(sched cron.Schedule, now time.Time) time.Duration {
	d := sched.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Budget is floor(period x ratio) where period is the gap between the fire
// time at and the one after it.
func Budget(sched cron.Schedule, at time.Time, ratio float64) time.Duration {
	if ratio <= 0 || ratio > 1 {
		ratio = DefaultBudgetRatio
	}
	next := sched.Next(at)
	period := next.Sub(at)
	if a, ok := sched.(AlignedSchedule); ok {
		period = a.Interval
		if period <= 0 {
			period = DefaultInterval
		}
	} else if after := sched.Next(next); after.After(next) {
		period = after.Sub(next)
	}
	ms := math.Floor(float64(period.Milliseconds()) * ratio)
	return time.Duration(ms) * time.Millisecond
}
