// Package system provides the wall clock used to stamp runs and artifacts.
package system

import (
	"fmt"
	"time"
)

// Clock implements tracker.Clock in a fixed location.
type Clock struct {
	loc *time.Location
}

// New creates a Clock reporting times in loc. A nil loc means UTC.
func New(loc *time.Location) *Clock {
	if loc == nil {
		loc = time.UTC
	}
	return &Clock{loc: loc}
}

// FromName loads the named IANA zone. An empty name means UTC.
func FromName(name string) (*Clock, error) {
	if name == "" {
		return New(time.UTC), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return New(loc), nil
}

// Now returns the current time.
func (c *Clock) Now() time.Time {
	return time.Now().In(c.loc)
}

// Zone returns the location name stamped into artifact metadata.
func (c *Clock) Zone() string {
	return c.loc.String()
}
