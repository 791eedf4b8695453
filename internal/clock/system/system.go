// Package system provides the wall clock used for checkpoint timestamps.
package system

import "time"

// Clock satisfies images.Clock and pipeline.Clock with time.Now in UTC.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time truncated to the second, matching the
// precision of wiki revision timestamps.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
