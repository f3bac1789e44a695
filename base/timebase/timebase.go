package timebase

import (
	"time"
)

// MonotonicClock provides milliseconds since an arbitrary fixed reference
// point. Readings must not decrease while the device is powered on, must
// include time spent in low-power states, and reset toward zero only on
// reboot.
type MonotonicClock interface {
	UptimeMillis() int64
}

// SystemClock provides the device wall-clock time. It is subject to user
// edits and NTP steps and must not be trusted for anchor arithmetic.
type SystemClock interface {
	Now() time.Time
}
