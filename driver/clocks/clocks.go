// Package clocks provides the platform clock implementations behind the
// timebase interfaces. Platform-specific code is confined to this package.

package clocks

import (
	"time"

	"example.com/trusted-time/base/timebase"
)

type systemClock struct{}

var _ timebase.SystemClock = systemClock{}

func NewSystemClock() timebase.SystemClock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}
