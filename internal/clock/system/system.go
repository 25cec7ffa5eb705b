// Package system provides the wall clock the scheduler and event hub stamp
// times with.
package system

import (
	"time"

	"github.com/JakeFAU/scraper-runtime/internal/scraper"
)

// Clock implements scraper.Clock using time.Now in UTC.
type Clock struct{}

var _ scraper.Clock = Clock{}

// New creates a new Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current time. The monotonic reading is kept so durations
// measured between two calls are immune to wall clock steps.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
