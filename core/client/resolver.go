// Package client resolves high-confidence network time from independent
// sources: an NTP quorum path, an HTTPS Date-header quorum path, and a
// hybrid strategy that prefers the former and falls back to the latter.

package client

import (
	"context"
	"errors"
)

// Result is the common shape produced by every resolution path.
type Result struct {
	// NetworkTimeMs is the resolved UTC time in Unix epoch milliseconds,
	// valid at the instant Resolve returned.
	NetworkTimeMs int64
	// UncertaintyMs is the ± confidence radius of NetworkTimeMs.
	UncertaintyMs int64
	// SourceCount is the number of independent sources that contributed.
	SourceCount int
}

type Resolver interface {
	Resolve(ctx context.Context) (Result, error)
}

var (
	// ErrNoQuorum indicates that fewer sources than the required quorum
	// produced valid, mutually consistent samples.
	ErrNoQuorum = errors.New("insufficient source quorum")

	// ErrNotAvailable indicates that a resolution path cannot operate on
	// this runtime at all, as opposed to having failed.
	ErrNotAvailable = errors.New("resolver not available on this runtime")

	errUnexpectedPacket = errors.New("received unexpected packet")
	errLatencyExceeded  = errors.New("request latency exceeded limit")
)
