// Package quiet models time-of-day windows and the assistant's quiet hours.
package quiet

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is minutes since local midnight, in [0, 1440).
type TimeOfDay int

func NewTimeOfDay(hour, minute int) TimeOfDay {
	return TimeOfDay(((hour%24)*60 + minute%60) % (24 * 60))
}

// At returns the time-of-day of t in t's location.
func At(t time.Time) TimeOfDay {
	return TimeOfDay(t.Hour()*60 + t.Minute())
}

func (d TimeOfDay) Hour() int   { return int(d) / 60 }
func (d TimeOfDay) Minute() int { return int(d) % 60 }

func (d TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", d.Hour(), d.Minute())
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(raw string) (TimeOfDay, error) {
	s := strings.TrimSpace(raw)
	hs, ms, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("invalid time of day %q: want HH:MM", raw)
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", raw)
	}
	m, err := strconv.Atoi(ms)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", raw)
	}
	return NewTimeOfDay(h, m), nil
}

// Window is a daily [Start, End) range. When Start > End the window wraps
// midnight. Start == End is an empty window.
type Window struct {
	Start TimeOfDay
	End   TimeOfDay
}

func ParseWindow(start, end string) (Window, error) {
	s, err := ParseTimeOfDay(start)
	if err != nil {
		return Window{}, err
	}
	e, err := ParseTimeOfDay(end)
	if err != nil {
		return Window{}, err
	}
	return Window{Start: s, End: e}, nil
}

// Contains reports whether t's time-of-day falls inside the window.
func (w Window) Contains(t time.Time) bool {
	now := At(t)
	if w.Start <= w.End {
		return w.Start <= now && now < w.End
	}
	return now >= w.Start || now < w.End
}

// ContainsThrough is Contains with the End instant itself included, so a
// 22:00-07:00 window still holds at exactly 07:00:00.
func (w Window) ContainsThrough(t time.Time) bool {
	if w.Contains(t) {
		return true
	}
	return At(t) == w.End && t.Second() == 0 && t.Nanosecond() == 0
}

func (w Window) String() string {
	return w.Start.String() + "-" + w.End.String()
}
