package client

import (
	"context"
	"errors"
	"log/slog"
)

// HybridResolver tries the NTP path first for its higher precision and falls
// back to the HTTPS path, which works over standard web ports where UDP is
// blocked. The ordering is a preference, not a correctness requirement; both
// paths produce the same result shape.
type HybridResolver struct {
	Log   *slog.Logger
	NTP   Resolver
	HTTPS Resolver
}

var _ Resolver = (*HybridResolver)(nil)

func (r *HybridResolver) Resolve(ctx context.Context) (Result, error) {
	res, err := r.NTP.Resolve(ctx)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, ErrNotAvailable) {
		r.Log.LogAttrs(ctx, slog.LevelDebug, "ntp path not available, using https path")
	} else {
		r.Log.LogAttrs(ctx, slog.LevelInfo, "ntp resolution failed, falling back to https",
			slog.Any("error", err))
	}
	return r.HTTPS.Resolve(ctx)
}
