package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	stdsync "sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"example.com/trusted-time/base/metrics"
	"example.com/trusted-time/base/timebase"
	"example.com/trusted-time/base/timemath"
	"example.com/trusted-time/core/consensus"
	"example.com/trusted-time/net/httpdate"
)

// httpsUncertaintyBuffer absorbs scheduling delay between taking the
// monotonic samples and the actual wire transmission. The Date header only
// carries whole seconds, which the ±rtt/2 radius does not cover; the buffer
// does not try to hide that, it mirrors the upstream behavior.
const httpsUncertaintyBuffer = 100 * time.Millisecond

type httpsResolverMetrics struct {
	reqsSent        prometheus.Counter
	samplesAccepted prometheus.Counter
	quorumFailures  prometheus.Counter
}

var newHTTPSResolverMetrics = stdsync.OnceValue(func() *httpsResolverMetrics {
	return &httpsResolverMetrics{
		reqsSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.HTTPSResolverReqsSentN,
			Help: metrics.HTTPSResolverReqsSentH,
		}),
		samplesAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.HTTPSResolverSamplesAcceptedN,
			Help: metrics.HTTPSResolverSamplesAcceptedH,
		}),
		quorumFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.HTTPSResolverQuorumFailuresN,
			Help: metrics.HTTPSResolverQuorumFailuresH,
		}),
	}
})

// HTTPSQuorumResolver derives per-endpoint time intervals from Date response
// headers and round-trip times, then intersects them: the result is only
// accepted where at least Quorum endpoints overlap.
type HTTPSQuorumResolver struct {
	Log               *slog.Logger
	Clock             timebase.MonotonicClock
	Sources           []string
	MaxRequestLatency time.Duration
	Quorum            int

	// Client is used for all requests. Left nil, a client with sane
	// defaults is created on first use.
	Client *http.Client

	clientOnce stdsync.Once
}

var _ Resolver = (*HTTPSQuorumResolver)(nil)

func (r *HTTPSQuorumResolver) httpClient() *http.Client {
	r.clientOnce.Do(func() {
		if r.Client == nil {
			r.Client = &http.Client{
				CheckRedirect: func(req *http.Request, via []*http.Request) error {
					return http.ErrUseLastResponse
				},
			}
		}
	})
	return r.Client
}

func (r *HTTPSQuorumResolver) Resolve(ctx context.Context) (Result, error) {
	if r.Quorum < 2 {
		panic("invalid argument: quorum must be >= 2")
	}
	mtrcs := newHTTPSResolverMetrics()
	c := r.httpClient()

	// All samples are expressed as estimates of the true epoch time at this
	// shared monotonic baseline.
	baseline := r.Clock.UptimeMillis()

	type reply struct {
		source   string
		interval consensus.Interval
		err      error
	}
	replies := make(chan reply, len(r.Sources))
	for _, src := range r.Sources {
		go func() {
			ctx, cancel := context.WithTimeout(ctx, r.MaxRequestLatency)
			defer cancel()
			mtrcs.reqsSent.Inc()
			iv, err := r.sample(ctx, c, src, baseline)
			replies <- reply{source: src, interval: iv, err: err}
		}()
	}

	intervals := make([]consensus.Interval, 0, len(r.Sources))
	for range r.Sources {
		re := <-replies
		if re.err != nil {
			r.Log.LogAttrs(ctx, slog.LevelInfo, "failed to sample source date",
				slog.String("source", re.source), slog.Any("error", re.err))
			continue
		}
		r.Log.LogAttrs(ctx, slog.LevelDebug, "sampled source date",
			slog.String("source", re.source),
			slog.Int64("interval start", re.interval.Start),
			slog.Int64("interval end", re.interval.End))
		mtrcs.samplesAccepted.Inc()
		intervals = append(intervals, re.interval)
	}

	if len(intervals) < r.Quorum {
		mtrcs.quorumFailures.Inc()
		return Result{}, fmt.Errorf("%w: %d of %d sources responded, need %d",
			ErrNoQuorum, len(intervals), len(r.Sources), r.Quorum)
	}

	win, n, err := consensus.Intersect(intervals, r.Quorum)
	if err != nil {
		mtrcs.quorumFailures.Inc()
		return Result{}, fmt.Errorf("%w: %d samples with no quorum overlap", ErrNoQuorum, len(intervals))
	}

	epochAtBaseline := timemath.Midpoint(win.Start, win.End)
	uncertainty := win.Width()/2 + httpsUncertaintyBuffer.Milliseconds()

	return Result{
		NetworkTimeMs: epochAtBaseline + (r.Clock.UptimeMillis() - baseline),
		UncertaintyMs: uncertainty,
		SourceCount:   n,
	}, nil
}

// sample estimates, from a single endpoint, the true epoch time at the
// shared baseline, assuming symmetric request latency.
func (r *HTTPSQuorumResolver) sample(ctx context.Context, c *http.Client, url string,
	baseline int64) (consensus.Interval, error) {

	sendUptime := r.Clock.UptimeMillis()
	date, err := httpdate.FetchDate(ctx, c, url)
	if err != nil {
		return consensus.Interval{}, err
	}
	rtt := r.Clock.UptimeMillis() - sendUptime
	if rtt > r.MaxRequestLatency.Milliseconds() {
		return consensus.Interval{}, fmt.Errorf("%w: %dms", errLatencyExceeded, rtt)
	}

	est := date.UnixMilli() - (sendUptime + rtt/2 - baseline)
	radius := rtt / 2
	return consensus.Interval{Start: est - radius, End: est + radius}, nil
}
