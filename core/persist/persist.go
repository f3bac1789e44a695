// Package persist defines the contract for carrying a trust anchor snapshot
// across process restarts, and validates whatever comes back.

package persist

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"
)

// Store is an already-encrypted key/value store. Implementations own the
// encryption mechanism; this package only defines what is stored.
type Store interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	DeleteAll() error
}

const (
	keyServerEpochMs = "trusted_time_server_epoch_ms"
	keyUptimeMs      = "trusted_time_uptime_ms"
	keyDriftMs       = "trusted_time_drift_ms"
)

// Values before 2000-01-01 UTC cannot be legitimate sync results.
var minEpochMs = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

// Snapshot is the minimal persisted state: the anchor pair plus its
// confidence radius. Source count is deliberately not carried.
type Snapshot struct {
	ServerEpochMs  int64
	UptimeAtSyncMs int64
	DriftMs        int64
}

var (
	// ErrNoSnapshot indicates a store without a complete snapshot.
	ErrNoSnapshot = errors.New("no persisted snapshot")

	// ErrCorrupted indicates a snapshot that failed validation.
	ErrCorrupted = errors.New("persisted snapshot corrupted")
)

type Gateway struct {
	log   *slog.Logger
	store Store
}

func NewGateway(log *slog.Logger, store Store) *Gateway {
	return &Gateway{log: log, store: store}
}

// Load reads and validates the persisted snapshot. Non-numeric values,
// epochs before the year 2000, and negative uptime or drift are rejected as
// corrupted.
func (g *Gateway) Load() (Snapshot, error) {
	epoch, err := g.loadInt(keyServerEpochMs)
	if err != nil {
		return Snapshot{}, err
	}
	uptime, err := g.loadInt(keyUptimeMs)
	if err != nil {
		return Snapshot{}, err
	}
	drift, err := g.loadInt(keyDriftMs)
	if err != nil {
		return Snapshot{}, err
	}

	if epoch < minEpochMs || uptime < 0 || drift < 0 {
		return Snapshot{}, ErrCorrupted
	}
	return Snapshot{
		ServerEpochMs:  epoch,
		UptimeAtSyncMs: uptime,
		DriftMs:        drift,
	}, nil
}

func (g *Gateway) loadInt(key string) (int64, error) {
	s, ok, err := g.store.Get(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNoSnapshot
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, ErrCorrupted
	}
	return v, nil
}

func (g *Gateway) Save(s Snapshot) error {
	if err := g.store.Set(keyServerEpochMs, strconv.FormatInt(s.ServerEpochMs, 10)); err != nil {
		return err
	}
	if err := g.store.Set(keyUptimeMs, strconv.FormatInt(s.UptimeAtSyncMs, 10)); err != nil {
		return err
	}
	return g.store.Set(keyDriftMs, strconv.FormatInt(s.DriftMs, 10))
}

// Clear removes all persisted state. Failures are logged, not surfaced:
// a stale snapshot is caught again by validation on the next load.
func (g *Gateway) Clear() {
	if err := g.store.DeleteAll(); err != nil {
		g.log.LogAttrs(context.Background(), slog.LevelWarn,
			"failed to clear persisted state", slog.Any("error", err))
	}
}
