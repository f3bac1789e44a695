package consensus

import (
	"errors"
	"testing"
)

func TestIntersectTwoOfThree(t *testing.T) {
	intervals := []Interval{
		{Start: 100, End: 140},
		{Start: 120, End: 160},
		{Start: 500, End: 540},
	}

	win, n, err := Intersect(intervals, 2)
	if err != nil {
		t.Fatalf("Intersect: %v", err)
	}
	if win.Start != 120 || win.End != 140 {
		t.Errorf("window: got [%d, %d], want [120, 140]", win.Start, win.End)
	}
	if n != 2 {
		t.Errorf("overlap count: got %d, want 2", n)
	}
}

func TestIntersectCommonPoint(t *testing.T) {
	// All three share the point 50; the quorum window must contain it.
	intervals := []Interval{
		{Start: 0, End: 60},
		{Start: 40, End: 100},
		{Start: 50, End: 55},
	}

	win, n, err := Intersect(intervals, 3)
	if err != nil {
		t.Fatalf("Intersect: %v", err)
	}
	if win.Start > 50 || win.End < 50 {
		t.Errorf("window [%d, %d] does not contain common point 50", win.Start, win.End)
	}
	if n < 3 {
		t.Errorf("overlap count: got %d, want >= 3", n)
	}
}

func TestIntersectDisjointGroups(t *testing.T) {
	intervals := []Interval{
		{Start: 0, End: 10},
		{Start: 100, End: 110},
		{Start: 200, End: 210},
	}

	_, _, err := Intersect(intervals, 2)
	if !errors.Is(err, ErrNoQuorum) {
		t.Errorf("got %v, want ErrNoQuorum", err)
	}
}

func TestIntersectTouchingIntervals(t *testing.T) {
	// Touching endpoints count as overlapping, yielding a zero-width window.
	intervals := []Interval{
		{Start: 100, End: 120},
		{Start: 120, End: 140},
	}

	win, n, err := Intersect(intervals, 2)
	if err != nil {
		t.Fatalf("Intersect: %v", err)
	}
	if win.Start != 120 || win.End != 120 {
		t.Errorf("window: got [%d, %d], want [120, 120]", win.Start, win.End)
	}
	if n != 2 {
		t.Errorf("overlap count: got %d, want 2", n)
	}
}

func TestIntersectTieBreaksEarliest(t *testing.T) {
	// Two separate windows reach the same maximum overlap; the earliest in
	// sweep order wins.
	intervals := []Interval{
		{Start: 0, End: 20},
		{Start: 10, End: 30},
		{Start: 100, End: 120},
		{Start: 110, End: 130},
	}

	win, n, err := Intersect(intervals, 2)
	if err != nil {
		t.Fatalf("Intersect: %v", err)
	}
	if win.Start != 10 || win.End != 20 {
		t.Errorf("window: got [%d, %d], want [10, 20]", win.Start, win.End)
	}
	if n != 2 {
		t.Errorf("overlap count: got %d, want 2", n)
	}
}

func TestIntersectEmpty(t *testing.T) {
	_, _, err := Intersect(nil, 2)
	if !errors.Is(err, ErrNoQuorum) {
		t.Errorf("got %v, want ErrNoQuorum", err)
	}
}

func TestIntersectInvalidQuorum(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for quorum < 1")
		}
	}()
	_, _, _ = Intersect([]Interval{{Start: 0, End: 1}}, 0)
}
