package benchmark

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"example.com/trusted-time/core/client"
)

// RunResolverBenchmark hammers a resolver from concurrent goroutines and
// prints a latency percentile table per goroutine. Intended for sizing
// quorum and latency limits against real source pools.
func RunResolverBenchmark(res client.Resolver, numGoroutine, numRequestPerGoroutine int, log *slog.Logger) {
	ctx := context.Background()
	dlog := slog.New(slog.DiscardHandler)

	var mu sync.Mutex
	sg := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(numGoroutine)

	for range numGoroutine {
		go func() {
			hg := hdrhistogram.New(1, 50000, 5)

			defer wg.Done()
			<-sg
			for range numRequestPerGoroutine {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				t0 := time.Now()
				_, err := res.Resolve(ctx)
				if err != nil {
					dlog.LogAttrs(ctx, slog.LevelInfo,
						"failed to resolve network time",
						slog.Any("error", err),
					)
				} else {
					_ = hg.RecordValue(time.Since(t0).Milliseconds())
				}
				cancel()
			}
			mu.Lock()
			defer mu.Unlock()
			_, _ = hg.PercentilesPrint(os.Stdout, 1, 1.0)
		}()
	}
	t0 := time.Now()
	close(sg)
	wg.Wait()
	log.LogAttrs(ctx, slog.LevelInfo, "time elapsed", slog.Duration("duration", time.Since(t0)))
}
