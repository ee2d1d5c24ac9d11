package beacon

import "time"

// Clock abstracts time for deterministic tests.
type Clock interface {
	// Now returns the current time in the device's local zone.
	Now() time.Time
}

// SystemClock uses the system time. The local zone is kept because requests
// carry the local hour and weekday.
type SystemClock struct{}

// Now returns the current local time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// FixedClock always returns the same instant.
type FixedClock struct {
	T time.Time
}

// Now returns the fixed time.
func (c FixedClock) Now() time.Time {
	return c.T
}
