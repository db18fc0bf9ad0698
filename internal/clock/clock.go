package clock

import (
	"fmt"
	"time"
)

// Clock returns the current time in the business timezone
type Clock interface {
	Now() time.Time
	Location() *time.Location
}

type zoneClock struct {
	loc *time.Location
}

// New returns a wall clock pinned to the named timezone
func New(timezone string) (Clock, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", timezone, err)
	}
	return &zoneClock{loc: loc}, nil
}

func (c *zoneClock) Now() time.Time           { return time.Now().In(c.loc) }
func (c *zoneClock) Location() *time.Location { return c.loc }

// Fixed is a settable clock for tests and replays
type Fixed struct {
	T time.Time
}

func (f *Fixed) Now() time.Time           { return f.T }
func (f *Fixed) Location() *time.Location { return f.T.Location() }

// Set moves the clock to t
func (f *Fixed) Set(t time.Time) { f.T = t }

// SameDay reports whether a and b carry the same calendar date, each read in its own location.
// Due dates are civil dates, so they are never converted between zones.
func SameDay(a, b time.Time) bool {
	return DaysBetween(a, b) == 0
}

// DaysBetween counts calendar days from a to b ignoring the time of day.
// It is negative when b is before a.
func DaysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}

// Date builds a civil date value (midnight UTC) for storage in DATE columns
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
