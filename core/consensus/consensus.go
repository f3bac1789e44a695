// Package consensus finds the time range covered by a quorum of candidate
// intervals, in the style of Marzullo's algorithm.

package consensus

import (
	"errors"
	"slices"
)

// Interval is a candidate's plausible true-time range in milliseconds.
type Interval struct {
	Start int64
	End   int64
}

func (i Interval) Width() int64 {
	return i.End - i.Start
}

var ErrNoQuorum = errors.New("no interval overlap reached quorum")

type event struct {
	value int64
	delta int
}

// Intersect returns the interval covered by the maximum number of overlapping
// inputs together with that count, provided the count reaches quorum.
//
// The sweep processes start events before end events at equal values, so
// intervals that merely touch still count as overlapping. Among windows with
// equal maximum overlap the earliest one in sweep order wins; this is a
// deterministic policy, not an accuracy claim.
func Intersect(intervals []Interval, quorum int) (Interval, int, error) {
	if quorum < 1 {
		panic("invalid argument: quorum must be >= 1")
	}

	events := make([]event, 0, 2*len(intervals))
	for _, iv := range intervals {
		if iv.End < iv.Start {
			panic("invalid argument: interval end must not precede start")
		}
		events = append(events, event{value: iv.Start, delta: +1})
		events = append(events, event{value: iv.End, delta: -1})
	}
	slices.SortFunc(events, func(a, b event) int {
		if a.value != b.value {
			if a.value < b.value {
				return -1
			}
			return 1
		}
		return b.delta - a.delta
	})

	count, best := 0, 0
	var win Interval
	for i, e := range events {
		count += e.delta
		if count >= quorum && count > best && i+1 < len(events) {
			best = count
			win = Interval{Start: e.value, End: events[i+1].value}
		}
	}
	if best < quorum {
		return Interval{}, 0, ErrNoQuorum
	}
	return win, best, nil
}
