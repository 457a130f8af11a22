package scheduler

import (
	"fmt"
	"time"

	"density/task"

	"github.com/robfig/cron/v3"
)

// Trigger computes the next fire instant of a recurring task.
type Trigger interface {
	Next(prev time.Time) time.Time
}

// Every fires d after prev, prev being the end of the previous run.
type Every time.Duration

func (e Every) Next(prev time.Time) time.Time {
	return prev.Add(time.Duration(e))
}

// Cron fires on a cron schedule, prev being the previous fire.
type Cron struct {
	schedule cron.Schedule
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func ParseCron(spec string) (*Cron, error) {
	s, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %v", task.ErrInvalidSpec, spec, err)
	}
	return &Cron{schedule: s}, nil
}

func (c *Cron) Next(prev time.Time) time.Time {
	return c.schedule.Next(prev)
}

// TriggerFor returns the trigger of t, or nil for one-shot tasks.
func TriggerFor(t *task.Task) (Trigger, error) {
	switch {
	case t.Every > 0:
		return Every(t.Every), nil
	case t.Cron != "":
		return ParseCron(t.Cron)
	}
	return nil, nil
}

// NextFire decides when a task armed at fired runs again, its run
// having ended at end. An interval counts from the end of the run, a
// cron expression from the armed instant. A past instant means "now".
func NextFire(trigger Trigger, fired, end, now time.Time) time.Time {
	var next time.Time
	switch trigger.(type) {
	case Every:
		next = trigger.Next(end)
	default:
		next = trigger.Next(fired)
	}
	if next.Before(now) {
		return now
	}
	return next
}
