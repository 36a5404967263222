package util

import (
	"fmt"
	"time"
)

// SessionCalendar computes daily session boundaries: the wall-clock time in
// a given location at which per-day trading state (daily P&L, order-rate
// windows) rolls over.
type SessionCalendar struct {
	loc    *time.Location
	hour   int
	minute int
}

// NewSessionCalendar creates a calendar whose boundary is clock ("HH:MM") in
// the named IANA zone. Empty values default to 17:00 America/New_York.
func NewSessionCalendar(zone, clock string) (*SessionCalendar, error) {
	if zone == "" {
		zone = "America/New_York"
	}
	if clock == "" {
		clock = "17:00"
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("loading session zone %q: %w", zone, err)
	}
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return nil, fmt.Errorf("parsing session boundary %q: %w", clock, err)
	}
	return &SessionCalendar{loc: loc, hour: t.Hour(), minute: t.Minute()}, nil
}

// NextBoundary returns the first boundary strictly after t.
func (c *SessionCalendar) NextBoundary(t time.Time) time.Time {
	lt := t.In(c.loc)
	b := time.Date(lt.Year(), lt.Month(), lt.Day(), c.hour, c.minute, 0, 0, c.loc)
	if !b.After(lt) {
		b = time.Date(lt.Year(), lt.Month(), lt.Day()+1, c.hour, c.minute, 0, 0, c.loc)
	}
	return b
}

// SessionStart returns the most recent boundary at or before t.
func (c *SessionCalendar) SessionStart(t time.Time) time.Time {
	next := c.NextBoundary(t)
	lt := next.In(c.loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day()-1, c.hour, c.minute, 0, 0, c.loc)
}

// SessionDate returns the trading date a time belongs to, formatted
// YYYY-MM-DD. Times after the boundary belong to the next date.
func (c *SessionCalendar) SessionDate(t time.Time) string {
	return c.NextBoundary(t).In(c.loc).Format("2006-01-02")
}

// Location returns the calendar's time zone.
func (c *SessionCalendar) Location() *time.Location {
	return c.loc
}
