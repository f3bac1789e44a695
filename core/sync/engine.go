// Package sync maintains the trust anchor: a (network epoch time, monotonic
// uptime) pair from which current UTC time is derived by pure arithmetic,
// immune to wall clock edits until the next resync or a reboot.

package sync

import (
	"context"
	"errors"
	"log/slog"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"example.com/trusted-time/base/metrics"
	"example.com/trusted-time/base/timebase"
	"example.com/trusted-time/core/client"
	"example.com/trusted-time/core/persist"
)

const (
	// maxConsecutiveFailures is how many sync failures in a row the engine
	// tolerates before revoking trust in the stale anchor.
	maxConsecutiveFailures = 3

	// resolveTimeout caps a whole resolution fan-out regardless of how
	// generous the per-source timeouts are.
	resolveTimeout = 30 * time.Second

	// The refresh timer also drives reboot detection, so it never waits
	// longer than this even under a long refresh interval.
	maxCheckInterval = time.Hour
)

// TrustAnchor is an immutable snapshot pairing a resolved network time with
// the monotonic uptime at which it was established. It is replaced
// wholesale on each successful sync, never updated in place.
type TrustAnchor struct {
	ServerEpochMs  int64
	UptimeAtSyncMs int64
	UncertaintyMs  int64
	SourceCount    int
}

type engineMetrics struct {
	syncsSucceeded  prometheus.Counter
	syncsFailed     prometheus.Counter
	rebootsDetected prometheus.Counter
	tamperEvents    prometheus.Counter
	demotions       prometheus.Counter
}

var newEngineMetrics = stdsync.OnceValue(func() *engineMetrics {
	return &engineMetrics{
		syncsSucceeded: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.EngineSyncsSucceededN,
			Help: metrics.EngineSyncsSucceededH,
		}),
		syncsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.EngineSyncsFailedN,
			Help: metrics.EngineSyncsFailedH,
		}),
		rebootsDetected: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.EngineRebootsDetectedN,
			Help: metrics.EngineRebootsDetectedH,
		}),
		tamperEvents: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.EngineTamperEventsN,
			Help: metrics.EngineTamperEventsH,
		}),
		demotions: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.EngineDemotionsN,
			Help: metrics.EngineDemotionsH,
		}),
	}
})

// Engine owns the anchor state machine. All mutable state lives in the
// instance; multiple isolated engines can coexist, which the tests rely on.
type Engine struct {
	log      *slog.Logger
	cfg      Config
	clk      timebase.MonotonicClock
	wall     timebase.SystemClock
	resolver client.Resolver
	gateway  *persist.Gateway
	mtrcs    *engineMetrics

	// Read path state: Now() only touches these, lock-free.
	anchor  atomic.Pointer[TrustAnchor]
	trusted atomic.Bool

	// Single-flight guard for the sync routine.
	syncing atomic.Bool

	mu            stdsync.Mutex
	integrityLost bool
	retryCount    int
	retryTimer    *time.Timer
	stopRefresh   chan struct{}
	closed        bool

	resyncFeed    feed
	integrityFeed feed
}

// NewEngine builds an engine around a monotonic clock, a wall clock used
// only for untrusted fallback, a resolver, and an optional persistence
// gateway (nil disables persistence).
func NewEngine(log *slog.Logger, cfg Config, clk timebase.MonotonicClock,
	wall timebase.SystemClock, resolver client.Resolver, gateway *persist.Gateway) (*Engine, error) {

	cfg = cfg.WithDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Engine{
		log:      log,
		cfg:      cfg,
		clk:      clk,
		wall:     wall,
		resolver: resolver,
		gateway:  gateway,
		mtrcs:    newEngineMetrics(),
	}, nil
}

// Initialize samples the monotonic baseline, restores persisted state if it
// survives validation, and arms the background sync machinery. It never
// blocks on the network; the first sync runs asynchronously. Calling it
// again re-arms the refresh timer.
func (e *Engine) Initialize(ctx context.Context) {
	uptimeZero := e.clk.UptimeMillis()

	if e.gateway != nil {
		e.restore(ctx, uptimeZero)
	}

	e.mu.Lock()
	if e.stopRefresh != nil {
		close(e.stopRefresh)
	}
	stop := make(chan struct{})
	e.stopRefresh = stop
	e.closed = false
	e.mu.Unlock()

	go e.runRefresh(stop)
	go e.performSync(context.Background())
}

func (e *Engine) restore(ctx context.Context, uptimeZero int64) {
	snap, err := e.gateway.Load()
	if err != nil {
		switch {
		case errors.Is(err, persist.ErrNoSnapshot):
			e.log.LogAttrs(ctx, slog.LevelDebug, "no persisted anchor to restore")
		case errors.Is(err, persist.ErrCorrupted):
			e.log.LogAttrs(ctx, slog.LevelWarn, "discarding corrupted persisted anchor")
			e.gateway.Clear()
		default:
			e.log.LogAttrs(ctx, slog.LevelWarn, "failed to read persisted anchor",
				slog.Any("error", err))
		}
		return
	}

	if uptimeZero < snap.UptimeAtSyncMs {
		// The monotonic clock rewound: the device rebooted since the
		// snapshot was taken, so the anchor pair no longer lines up.
		e.mtrcs.rebootsDetected.Inc()
		e.mu.Lock()
		e.integrityLost = true
		e.mu.Unlock()
		e.gateway.Clear()
		e.log.LogAttrs(ctx, slog.LevelInfo, "reboot detected, discarding persisted anchor",
			slog.Int64("uptime at snapshot [ms]", snap.UptimeAtSyncMs),
			slog.Int64("uptime now [ms]", uptimeZero))
		return
	}

	e.anchor.Store(&TrustAnchor{
		ServerEpochMs:  snap.ServerEpochMs,
		UptimeAtSyncMs: snap.UptimeAtSyncMs,
		UncertaintyMs:  snap.DriftMs,
	})
	e.trusted.Store(true)
	e.log.LogAttrs(ctx, slog.LevelInfo, "restored persisted anchor",
		slog.Int64("age [ms]", uptimeZero-snap.UptimeAtSyncMs))
}

// Now returns current UTC time in Unix epoch milliseconds. While trusted it
// is pure arithmetic over the anchor and the monotonic clock; untrusted it
// degrades to the device wall clock rather than failing. No I/O, no locks.
func (e *Engine) Now() int64 {
	if e.trusted.Load() {
		if a := e.anchor.Load(); a != nil {
			return e.clk.UptimeMillis() - a.UptimeAtSyncMs + a.ServerEpochMs
		}
	}
	return e.wall.Now().UnixMilli()
}

func (e *Engine) IsTrusted() bool {
	return e.trusted.Load()
}

func (e *Engine) IntegrityLost() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.integrityLost
}

// Anchor returns the current anchor snapshot, if any.
func (e *Engine) Anchor() (TrustAnchor, bool) {
	if a := e.anchor.Load(); a != nil {
		return *a, true
	}
	return TrustAnchor{}, false
}

// OnResync registers fn to run after every successful sync and returns its
// unsubscribe handle.
func (e *Engine) OnResync(fn func()) (unsubscribe func()) {
	return e.resyncFeed.subscribe(fn)
}

// OnIntegrityLost registers fn to run when a reboot, an external clock
// change, or repeated sync failure is detected.
func (e *Engine) OnIntegrityLost(fn func()) (unsubscribe func()) {
	return e.integrityFeed.subscribe(fn)
}

// ForceResync starts a sync immediately. If one is already in flight the
// call is a no-op rather than queuing a duplicate.
func (e *Engine) ForceResync() {
	go e.performSync(context.Background())
}

// HandleTamperEvent is the hook for external collaborators reporting a
// manual clock/timezone change or a device boot-completed event.
func (e *Engine) HandleTamperEvent() {
	e.mtrcs.tamperEvents.Inc()
	e.latchIntegrityLost("external clock or timezone change")
	go e.performSync(context.Background())
}

// Close stops the refresh timer and any pending retry.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	if e.stopRefresh != nil {
		close(e.stopRefresh)
		e.stopRefresh = nil
	}
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
}

func (e *Engine) runRefresh(stop chan struct{}) {
	t := time.NewTicker(min(e.cfg.RefreshInterval, maxCheckInterval))
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			e.validateOrResync()
		}
	}
}

func (e *Engine) validateOrResync() {
	a := e.anchor.Load()
	if a == nil {
		go e.performSync(context.Background())
		return
	}
	now := e.clk.UptimeMillis()
	if now < a.UptimeAtSyncMs {
		// Conclusive reboot evidence mid-process.
		e.mtrcs.rebootsDetected.Inc()
		e.latchIntegrityLost("monotonic clock rewound")
		go e.performSync(context.Background())
		return
	}
	if e.trusted.Load() && now-a.UptimeAtSyncMs > e.cfg.RefreshInterval.Milliseconds() {
		// Stale anchor: refresh without revoking current trust.
		go e.performSync(context.Background())
	}
}

func (e *Engine) latchIntegrityLost(reason string) {
	e.mu.Lock()
	e.integrityLost = true
	e.mu.Unlock()
	if e.trusted.Swap(false) {
		e.mtrcs.demotions.Inc()
	}
	e.log.LogAttrs(context.Background(), slog.LevelWarn, "time integrity lost",
		slog.String("reason", reason))
	e.integrityFeed.emit(e.log)
}

func (e *Engine) performSync(ctx context.Context) {
	if !e.syncing.CompareAndSwap(false, true) {
		e.log.LogAttrs(ctx, slog.LevelDebug, "sync already in flight")
		return
	}
	defer e.syncing.Store(false)

	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	res, err := e.resolver.Resolve(ctx)
	if err != nil {
		e.handleSyncFailure(ctx, err)
		return
	}

	// Re-sample the monotonic clock only after resolution completes so the
	// anchor pair is taken as close together as achievable.
	a := &TrustAnchor{
		ServerEpochMs:  res.NetworkTimeMs,
		UptimeAtSyncMs: e.clk.UptimeMillis(),
		UncertaintyMs:  res.UncertaintyMs,
		SourceCount:    res.SourceCount,
	}
	e.anchor.Store(a)
	e.trusted.Store(true)

	e.mu.Lock()
	e.integrityLost = false
	e.retryCount = 0
	e.mu.Unlock()

	e.mtrcs.syncsSucceeded.Inc()
	e.log.LogAttrs(ctx, slog.LevelInfo, "trust anchor synchronized",
		slog.Int64("server epoch [ms]", a.ServerEpochMs),
		slog.Int64("uncertainty [ms]", a.UncertaintyMs),
		slog.Int("sources", a.SourceCount))

	if e.gateway != nil {
		go func() {
			err := e.gateway.Save(persist.Snapshot{
				ServerEpochMs:  a.ServerEpochMs,
				UptimeAtSyncMs: a.UptimeAtSyncMs,
				DriftMs:        a.UncertaintyMs,
			})
			if err != nil {
				e.log.LogAttrs(context.Background(), slog.LevelWarn,
					"failed to persist anchor", slog.Any("error", err))
			}
		}()
	}
	e.resyncFeed.emit(e.log)
}

func (e *Engine) handleSyncFailure(ctx context.Context, err error) {
	e.mtrcs.syncsFailed.Inc()

	e.mu.Lock()
	e.retryCount++
	r := e.retryCount
	e.mu.Unlock()

	delay := backoffDelay(r)
	e.log.LogAttrs(ctx, slog.LevelInfo, "sync failed",
		slog.Any("error", err),
		slog.Int("consecutive failures", r),
		slog.Duration("retry in", delay))

	if r > maxConsecutiveFailures && e.trusted.Swap(false) {
		e.mtrcs.demotions.Inc()
		e.mu.Lock()
		e.integrityLost = true
		e.mu.Unlock()
		e.log.LogAttrs(ctx, slog.LevelWarn, "revoking trust after repeated sync failures",
			slog.Int("consecutive failures", r))
		e.integrityFeed.emit(e.log)
	}

	t := time.AfterFunc(delay, func() { e.performSync(context.Background()) })
	e.mu.Lock()
	if e.retryTimer != nil {
		e.retryTimer.Stop()
	}
	e.retryTimer = t
	if e.closed {
		t.Stop()
	}
	e.mu.Unlock()
}
