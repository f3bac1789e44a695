package sync

import (
	"context"
	"log/slog"
	"slices"
	stdsync "sync"
)

// feed is a minimal observer list. Delivery happens in subscription order on
// a dedicated goroutine, fire-and-forget: slow handlers never back-pressure
// the sync path.
type feed struct {
	mu   stdsync.Mutex
	next int
	subs []subscriber
}

type subscriber struct {
	id int
	fn func()
}

func (f *feed) subscribe(fn func()) (unsubscribe func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.subs = append(f.subs, subscriber{id: id, fn: fn})
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.subs = slices.DeleteFunc(f.subs, func(s subscriber) bool {
			return s.id == id
		})
	}
}

func (f *feed) emit(log *slog.Logger) {
	f.mu.Lock()
	subs := slices.Clone(f.subs)
	f.mu.Unlock()
	if len(subs) == 0 {
		return
	}
	go func() {
		for _, s := range subs {
			deliver(log, s.fn)
		}
	}()
}

func deliver(log *slog.Logger, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.LogAttrs(context.Background(), slog.LevelError,
				"event handler panicked", slog.Any("panic", r))
		}
	}()
	fn()
}
