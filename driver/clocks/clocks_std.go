//go:build !linux

package clocks

import (
	"context"
	"log/slog"
	"time"

	"example.com/trusted-time/base/timebase"
)

// processClock falls back to the Go runtime's monotonic reading, anchored at
// process start. It restarts from zero with every process, so persisted
// anchors from earlier runs are always treated as reboots; a conservative
// degradation on platforms without a boot-relative clock source.
type processClock struct {
	base time.Time
}

var _ timebase.MonotonicClock = (*processClock)(nil)

func NewMonotonicClock(log *slog.Logger) (timebase.MonotonicClock, error) {
	log.LogAttrs(context.Background(), slog.LevelInfo,
		"no boot-relative clock on this platform, using process-relative monotonic clock")
	return &processClock{base: time.Now()}, nil
}

func (c *processClock) UptimeMillis() int64 {
	return time.Since(c.base).Milliseconds()
}
