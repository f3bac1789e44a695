package sync

import (
	"context"
	"errors"
	"log/slog"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"example.com/trusted-time/core/client"
	"example.com/trusted-time/core/persist"
)

type fakeMono struct {
	ms atomic.Int64
}

func (c *fakeMono) UptimeMillis() int64 { return c.ms.Load() }

type fakeWall struct {
	t time.Time
}

func (c *fakeWall) Now() time.Time { return c.t }

type resolverFunc func(ctx context.Context) (client.Result, error)

func (f resolverFunc) Resolve(ctx context.Context) (client.Result, error) { return f(ctx) }

type memStore struct {
	mu stdsync.Mutex
	m  map[string]string
}

func newMemStore() *memStore { return &memStore{m: make(map[string]string)} }

func (s *memStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *memStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *memStore) DeleteAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = make(map[string]string)
	return nil
}

func newTestEngine(t *testing.T, clk *fakeMono, wall *fakeWall,
	res client.Resolver, gw *persist.Gateway) *Engine {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	e, err := NewEngine(log, Config{}, clk, wall, res, gw)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func fixedResolver(ms, uncertainty int64, sources int) resolverFunc {
	return func(context.Context) (client.Result, error) {
		return client.Result{
			NetworkTimeMs: ms,
			UncertaintyMs: uncertainty,
			SourceCount:   sources,
		}, nil
	}
}

func failingResolver(err error) resolverFunc {
	return func(context.Context) (client.Result, error) {
		return client.Result{}, err
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestNowTrustedArithmetic(t *testing.T) {
	clk := &fakeMono{}
	clk.ms.Store(10_000)
	wall := &fakeWall{t: time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC)}
	const epoch = int64(1_700_000_000_000)
	e := newTestEngine(t, clk, wall, fixedResolver(epoch, 40, 3), nil)

	e.performSync(context.Background())

	if !e.IsTrusted() {
		t.Fatal("expected trusted state after successful sync")
	}
	if got := e.Now(); got != epoch {
		t.Errorf("Now() == %d, want %d", got, epoch)
	}

	clk.ms.Add(2_500)
	if got := e.Now(); got != epoch+2_500 {
		t.Errorf("Now() after 2500ms uptime == %d, want %d", got, epoch+2_500)
	}

	a, ok := e.Anchor()
	if !ok {
		t.Fatal("expected anchor after sync")
	}
	if a.UncertaintyMs != 40 || a.SourceCount != 3 {
		t.Errorf("anchor = %+v", a)
	}
}

func TestNowUntrustedUsesWallClock(t *testing.T) {
	clk := &fakeMono{}
	wallTime := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	e := newTestEngine(t, clk, &fakeWall{t: wallTime},
		failingResolver(client.ErrNoQuorum), nil)

	if e.IsTrusted() {
		t.Fatal("expected untrusted state before any sync")
	}
	if got := e.Now(); got != wallTime.UnixMilli() {
		t.Errorf("Now() == %d, want wall clock %d", got, wallTime.UnixMilli())
	}
}

func TestRestoreAfterReboot(t *testing.T) {
	log := slog.New(slog.DiscardHandler)
	store := newMemStore()
	gw := persist.NewGateway(log, store)
	err := gw.Save(persist.Snapshot{
		ServerEpochMs:  1_700_000_000_000,
		UptimeAtSyncMs: 100_000,
		DriftMs:        50,
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Uptime is below the persisted value: the device rebooted.
	clk := &fakeMono{}
	clk.ms.Store(5_000)
	e := newTestEngine(t, clk, &fakeWall{t: time.Now()},
		failingResolver(client.ErrNoQuorum), gw)

	e.restore(context.Background(), clk.UptimeMillis())

	if e.IsTrusted() {
		t.Error("expected untrusted state after reboot detection")
	}
	if !e.IntegrityLost() {
		t.Error("expected integrity lost after reboot detection")
	}
	if _, err := gw.Load(); !errors.Is(err, persist.ErrNoSnapshot) {
		t.Errorf("expected cleared snapshot, got %v", err)
	}
}

func TestRestoreWithoutReboot(t *testing.T) {
	log := slog.New(slog.DiscardHandler)
	gw := persist.NewGateway(log, newMemStore())
	const epoch = int64(1_700_000_000_000)
	err := gw.Save(persist.Snapshot{
		ServerEpochMs:  epoch,
		UptimeAtSyncMs: 100_000,
		DriftMs:        50,
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	clk := &fakeMono{}
	clk.ms.Store(160_000)
	e := newTestEngine(t, clk, &fakeWall{t: time.Now()},
		failingResolver(client.ErrNoQuorum), gw)

	e.restore(context.Background(), clk.UptimeMillis())

	if !e.IsTrusted() {
		t.Fatal("expected trusted state after valid restore")
	}
	if got := e.Now(); got != epoch+60_000 {
		t.Errorf("Now() == %d, want %d", got, epoch+60_000)
	}
}

func TestTrustSurvivesFailuresUntilThreshold(t *testing.T) {
	clk := &fakeMono{}
	clk.ms.Store(1_000)
	var failing atomic.Bool
	res := resolverFunc(func(context.Context) (client.Result, error) {
		if failing.Load() {
			return client.Result{}, client.ErrNoQuorum
		}
		return client.Result{NetworkTimeMs: 1_700_000_000_000, SourceCount: 2}, nil
	})
	e := newTestEngine(t, clk, &fakeWall{t: time.Now()}, res, nil)

	lost := make(chan struct{}, 1)
	e.OnIntegrityLost(func() { lost <- struct{}{} })

	e.performSync(context.Background())
	if !e.IsTrusted() {
		t.Fatal("expected trusted state after initial sync")
	}

	failing.Store(true)
	for i := 0; i < maxConsecutiveFailures; i++ {
		e.performSync(context.Background())
	}
	if !e.IsTrusted() {
		t.Fatal("trust revoked too early")
	}
	if e.IntegrityLost() {
		t.Fatal("integrity lost too early")
	}

	e.performSync(context.Background())
	if e.IsTrusted() {
		t.Error("expected demotion after exceeding failure threshold")
	}
	if !e.IntegrityLost() {
		t.Error("expected integrity lost after demotion")
	}
	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Error("integrity lost event not delivered")
	}

	// Recovery clears the failure streak and the integrity flag.
	failing.Store(false)
	e.performSync(context.Background())
	if !e.IsTrusted() || e.IntegrityLost() {
		t.Error("expected full recovery after successful sync")
	}
}

func TestSuccessfulSyncPersistsAndNotifies(t *testing.T) {
	log := slog.New(slog.DiscardHandler)
	gw := persist.NewGateway(log, newMemStore())
	clk := &fakeMono{}
	clk.ms.Store(42_000)
	const epoch = int64(1_700_000_000_000)
	e := newTestEngine(t, clk, &fakeWall{t: time.Now()},
		fixedResolver(epoch, 75, 3), gw)

	resynced := make(chan struct{}, 1)
	e.OnResync(func() { resynced <- struct{}{} })

	e.performSync(context.Background())

	select {
	case <-resynced:
	case <-time.After(2 * time.Second):
		t.Error("resync event not delivered")
	}

	// Persistence is asynchronous and best-effort.
	eventually(t, func() bool {
		snap, err := gw.Load()
		return err == nil && snap.ServerEpochMs == epoch &&
			snap.UptimeAtSyncMs == 42_000 && snap.DriftMs == 75
	}, "snapshot not persisted")
}

func TestSyncSingleFlight(t *testing.T) {
	clk := &fakeMono{}
	var calls atomic.Int32
	release := make(chan struct{})
	res := resolverFunc(func(ctx context.Context) (client.Result, error) {
		calls.Add(1)
		<-release
		return client.Result{NetworkTimeMs: 1_700_000_000_000, SourceCount: 2}, nil
	})
	e := newTestEngine(t, clk, &fakeWall{t: time.Now()}, res, nil)

	done := make(chan struct{})
	go func() {
		e.performSync(context.Background())
		close(done)
	}()
	eventually(t, func() bool { return calls.Load() == 1 }, "first sync did not start")

	// Overlapping request must be dropped, not queued.
	e.performSync(context.Background())
	if got := calls.Load(); got != 1 {
		t.Errorf("resolver called %d times during overlap, want 1", got)
	}

	close(release)
	<-done
	if !e.IsTrusted() {
		t.Error("expected trusted state after sync completed")
	}
}

func TestValidateOrResyncDetectsRewind(t *testing.T) {
	clk := &fakeMono{}
	clk.ms.Store(50_000)
	e := newTestEngine(t, clk, &fakeWall{t: time.Now()},
		fixedResolver(1_700_000_000_000, 40, 2), nil)

	e.performSync(context.Background())
	if !e.IsTrusted() {
		t.Fatal("expected trusted state after sync")
	}

	lost := make(chan struct{}, 1)
	e.OnIntegrityLost(func() { lost <- struct{}{} })

	// Monotonic rewind mid-process is conclusive reboot evidence.
	clk.ms.Store(1_000)
	e.validateOrResync()

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Error("integrity lost event not delivered on rewind")
	}
	eventually(t, func() bool { return e.IntegrityLost() == false && e.IsTrusted() },
		"expected recovery via automatic resync")
}

func TestHandleTamperEventForcesResync(t *testing.T) {
	clk := &fakeMono{}
	clk.ms.Store(10_000)
	var calls atomic.Int32
	res := resolverFunc(func(context.Context) (client.Result, error) {
		calls.Add(1)
		return client.Result{NetworkTimeMs: 1_700_000_000_000, SourceCount: 2}, nil
	})
	e := newTestEngine(t, clk, &fakeWall{t: time.Now()}, res, nil)

	e.performSync(context.Background())
	before := calls.Load()

	e.HandleTamperEvent()

	eventually(t, func() bool { return calls.Load() > before },
		"tamper event did not trigger a resync")
	eventually(t, func() bool { return e.IsTrusted() && !e.IntegrityLost() },
		"engine did not recover after tamper-triggered resync")
}

func TestNewEngineRejectsBadConfig(t *testing.T) {
	log := slog.New(slog.DiscardHandler)
	_, err := NewEngine(log, Config{MinimumQuorum: 1}, &fakeMono{},
		&fakeWall{t: time.Now()}, failingResolver(client.ErrNoQuorum), nil)
	if err == nil {
		t.Error("expected error for quorum below 2")
	}
}
