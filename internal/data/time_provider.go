package data

import "time"

// TimeProvider is the clock repositories stamp rows and compute cutoffs with.
type TimeProvider interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// FixedClock is a TimeProvider stuck at one instant.
type FixedClock time.Time

// Now returns the pinned instant.
func (c FixedClock) Now() time.Time { return time.Time(c) }
