package scheduler

import (
	"fmt"
	"time"
)

// Cadence computes when a recurring task fires next.
type Cadence interface {
	// Next returns the first firing strictly after t.
	Next(t time.Time) time.Time
	String() string
}

type every struct {
	d time.Duration
}

// Every fires at multiples of d since the Unix epoch, so instances started
// at different times share firing instants.
func Every(d time.Duration) Cadence {
	if d <= 0 {
		panic("scheduler: Every requires a positive interval")
	}
	return every{d: d}
}

func (e every) Next(t time.Time) time.Time {
	return t.Truncate(e.d).Add(e.d)
}

func (e every) String() string { return "every " + e.d.String() }

type daily struct {
	hour, minute int
	loc          *time.Location
}

// Daily fires once a day at hh:mm wall-clock time in loc.
func Daily(hhmm string, loc *time.Location) (Cadence, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return nil, fmt.Errorf("daily cadence %q: want HH:MM", hhmm)
	}
	if loc == nil {
		loc = time.UTC
	}
	return daily{hour: t.Hour(), minute: t.Minute(), loc: loc}, nil
}

func (d daily) Next(t time.Time) time.Time {
	local := t.In(d.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), d.hour, d.minute, 0, 0, d.loc)
	if !next.After(t) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, d.hour, d.minute, 0, 0, d.loc)
	}
	return next
}

func (d daily) String() string {
	return fmt.Sprintf("daily %02d:%02d %s", d.hour, d.minute, d.loc)
}
