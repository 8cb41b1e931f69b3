// Package system provides the wall-clock implementation used for browser recycling.
package system

import "time"

// Clock supplies browser.WithClock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

