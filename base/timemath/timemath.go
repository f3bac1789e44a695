package timemath

import (
	"slices"
	"time"
)

const nanosecondsPerSecond = 1e9

// Duration converts a duration given in seconds to a time.Duration value.
func Duration(s float64) time.Duration {
	return time.Duration(s * nanosecondsPerSecond)
}

func Seconds(d time.Duration) float64 {
	return float64(d) / nanosecondsPerSecond
}

func Inv(d time.Duration) time.Duration {
	if d == minDuration {
		panic("invalid argument: duration must not be the minimum duration value")
	}
	return -d
}

const minDuration = time.Duration(-1 << 63)

// Median returns the median of ds. It must not be called with an empty slice;
// the median of zero samples is undefined.
func Median(ds []time.Duration) time.Duration {
	n := len(ds)
	if n == 0 {
		panic("invalid argument: ds must not be empty")
	}
	s := slices.Clone(ds)
	slices.Sort(s)
	if n%2 == 0 {
		return s[n/2-1] + (s[n/2]-s[n/2-1])/2
	}
	return s[n/2]
}

// Midpoint returns the value halfway between a and b, a <= b.
func Midpoint(a, b int64) int64 {
	return a + (b-a)/2
}
