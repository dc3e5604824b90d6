// Package calendar provides US equity exchange session information.
package calendar

import (
	"time"
)

// Calendar answers trading-day and session-bound questions for a US equity
// exchange in America/New_York time.
type Calendar struct {
	loc      *time.Location
	holidays map[string]bool // "2006-01-02" keys
	halfDays map[string]bool // early closes at 13:00 ET
}

// NYSE holidays, observed dates. Extend this table as years roll over.
var nyseHolidays = []string{
	// 2024
	"2024-01-01", "2024-01-15", "2024-02-19", "2024-03-29", "2024-05-27",
	"2024-06-19", "2024-07-04", "2024-09-02", "2024-11-28", "2024-12-25",
	// 2025
	"2025-01-01", "2025-01-20", "2025-02-17", "2025-04-18", "2025-05-26",
	"2025-06-19", "2025-07-04", "2025-09-01", "2025-11-27", "2025-12-25",
	// 2026
	"2026-01-01", "2026-01-19", "2026-02-16", "2026-04-03", "2026-05-25",
	"2026-06-19", "2026-07-03", "2026-09-07", "2026-11-26", "2026-12-25",
}

var nyseHalfDays = []string{
	"2024-07-03", "2024-11-29", "2024-12-24",
	"2025-07-03", "2025-11-28", "2025-12-24",
	"2026-11-27", "2026-12-24",
}

// NewNYSE creates a calendar for the New York Stock Exchange.
func NewNYSE() (*Calendar, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, err
	}
	c := &Calendar{
		loc:      loc,
		holidays: make(map[string]bool, len(nyseHolidays)),
		halfDays: make(map[string]bool, len(nyseHalfDays)),
	}
	for _, d := range nyseHolidays {
		c.holidays[d] = true
	}
	for _, d := range nyseHalfDays {
		c.halfDays[d] = true
	}
	return c, nil
}

// Location returns the exchange time zone.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// IsTradingDay reports whether the exchange is open on the given date.
func (c *Calendar) IsTradingDay(date time.Time) bool {
	d := date.In(c.loc)
	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !c.holidays[d.Format("2006-01-02")]
}

// SessionBounds returns the regular session open and close for a date.
// The second return is false on non-trading days.
func (c *Calendar) SessionBounds(date time.Time) (open, close time.Time, ok bool) {
	d := date.In(c.loc)
	if !c.IsTradingDay(d) {
		return time.Time{}, time.Time{}, false
	}
	y, m, day := d.Date()
	open = time.Date(y, m, day, 9, 30, 0, 0, c.loc)
	closeHour := 16
	if c.halfDays[d.Format("2006-01-02")] {
		closeHour = 13
	}
	close = time.Date(y, m, day, closeHour, 0, 0, 0, c.loc)
	return open, close, true
}

// InRegularSession reports whether t falls inside [09:30, 16:00] ET on a
// trading day.
func (c *Calendar) InRegularSession(t time.Time) bool {
	open, close, ok := c.SessionBounds(t)
	if !ok {
		return false
	}
	lt := t.In(c.loc)
	return !lt.Before(open) && !lt.After(close)
}

// InExtendedSession reports whether t falls inside the extended window
// 04:00-20:00 ET on a trading day. The real-time stream only runs in this
// window.
func (c *Calendar) InExtendedSession(t time.Time) bool {
	lt := t.In(c.loc)
	if !c.IsTradingDay(lt) {
		return false
	}
	y, m, d := lt.Date()
	start := time.Date(y, m, d, 4, 0, 0, 0, c.loc)
	end := time.Date(y, m, d, 20, 0, 0, 0, c.loc)
	return !lt.Before(start) && !lt.After(end)
}

// PrevTradingDay returns the latest trading day strictly before the date.
func (c *Calendar) PrevTradingDay(date time.Time) time.Time {
	d := date.In(c.loc).AddDate(0, 0, -1)
	for !c.IsTradingDay(d) {
		d = d.AddDate(0, 0, -1)
	}
	return d
}
