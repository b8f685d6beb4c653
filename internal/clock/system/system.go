// Package system provides the wall clock implementation of crawler.Clock.
package system

import "time"

// Clock reads the system time in UTC.
type Clock struct{}

// New returns a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (c *Clock) Now() time.Time {
	return time.Now().UTC()
}
