package policy

import (
	"fmt"
	"strings"
	"time"
)

// Clock is a local time of day in minutes since midnight.
type Clock int

// ParseClock parses "HH:MM".
func ParseClock(s string) (Clock, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}
	if h < 0 || h > 24 || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return Clock(h*60 + m), nil
}

// MustClock is ParseClock for constants.
func MustClock(s string) Clock {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60) }

// UnmarshalText lets TOML decode "HH:MM" strings.
func (c *Clock) UnmarshalText(b []byte) error {
	v, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// MarshalText encodes the clock as "HH:MM".
func (c Clock) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// at returns the instant of clock c on the calendar day of t in loc.
func (c Clock) at(t time.Time, dayOffset int, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+dayOffset, int(c)/60, int(c)%60, 0, 0, loc)
}

// Window is a recurring local-time range during which sends are allowed.
// Start > End describes a range that crosses midnight.
type Window struct {
	Start    Clock
	End      Clock
	Weekdays []time.Weekday // empty = every day
}

// DefaultWindow is 08:00 to 18:00 every day.
var DefaultWindow = Window{Start: 8 * 60, End: 18 * 60}

func (w Window) dayAllowed(d time.Weekday) bool {
	if len(w.Weekdays) == 0 {
		return true
	}
	for _, v := range w.Weekdays {
		if v == d {
			return true
		}
	}
	return false
}

// Contains reports whether t falls inside the window in loc.
func (w Window) Contains(t time.Time, loc *time.Location) bool {
	if w.Start == w.End {
		return w.dayAllowed(t.In(loc).Weekday())
	}
	local := t.In(loc)
	now := Clock(local.Hour()*60 + local.Minute())
	if w.Start < w.End {
		return now >= w.Start && now < w.End && w.dayAllowed(local.Weekday())
	}
	if now >= w.Start {
		return w.dayAllowed(local.Weekday())
	}
	if now < w.End {
		return w.dayAllowed(local.AddDate(0, 0, -1).Weekday())
	}
	return false
}

// NextOpen returns the first window start strictly after t.
func (w Window) NextOpen(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	for i := 0; i <= 8; i++ {
		start := w.Start.at(local, i, loc)
		if start.After(local) && w.dayAllowed(start.Weekday()) {
			return start
		}
	}
	// No allowed weekday configured; fall back to tomorrow.
	return w.Start.at(local, 1, loc)
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// ParseWeekdays parses names like "mon", "Tuesday", or "weekdays".
func ParseWeekdays(names []string) ([]time.Weekday, error) {
	var out []time.Weekday
	for _, n := range names {
		key := strings.ToLower(strings.TrimSpace(n))
		if key == "weekdays" {
			out = append(out, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday)
			continue
		}
		if len(key) > 3 {
			key = key[:3]
		}
		d, ok := weekdayNames[key]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", n)
		}
		out = append(out, d)
	}
	return out, nil
}
