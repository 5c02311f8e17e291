// Package system provides the process clock used to stamp export sessions.
package system

import "time"

// Clock reports wall time derived from a monotonic anchor taken at
// construction, so successive readings never go backwards even if the host
// clock is stepped. Readings are expressed in the clock's location.
type Clock struct {
	anchor time.Time
	loc    *time.Location
}

// New returns a Clock reporting UTC.
func New() *Clock {
	return NewIn(time.UTC)
}

// NewIn returns a Clock reporting times in loc. A nil loc means UTC.
func NewIn(loc *time.Location) *Clock {
	if loc == nil {
		loc = time.UTC
	}
	return &Clock{anchor: time.Now(), loc: loc}
}

// Now returns the current time.
func (c *Clock) Now() time.Time {
	if c == nil || c.anchor.IsZero() {
		return time.Now().UTC()
	}
	return c.anchor.Add(time.Since(c.anchor)).In(c.loc)
}
