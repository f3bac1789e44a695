package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"slices"
	stdsync "sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"example.com/trusted-time/base/metrics"
	"example.com/trusted-time/base/timebase"
	"example.com/trusted-time/base/timemath"
	"example.com/trusted-time/net/ntp"
)

// ntpUncertaintyBuffer guards against systematic asymmetric path delay that
// the min-max spread across servers does not capture.
const ntpUncertaintyBuffer = 50 * time.Millisecond

type ntpResolverMetrics struct {
	reqsSent       prometheus.Counter
	respsAccepted  prometheus.Counter
	quorumFailures prometheus.Counter
}

var newNTPResolverMetrics = stdsync.OnceValue(func() *ntpResolverMetrics {
	return &ntpResolverMetrics{
		reqsSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.NTPResolverReqsSentN,
			Help: metrics.NTPResolverReqsSentH,
		}),
		respsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.NTPResolverRespsAcceptedN,
			Help: metrics.NTPResolverRespsAcceptedH,
		}),
		quorumFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.NTPResolverQuorumFailuresN,
			Help: metrics.NTPResolverQuorumFailuresH,
		}),
	}
})

// NTPQuorumResolver queries a set of NTP servers concurrently and aggregates
// the collected clock offsets into a single estimate.
//
// The representative offset is the median across servers; the uncertainty
// derives from the full min-max spread plus a fixed buffer. A single bad
// server therefore inflates the reported uncertainty instead of being
// silently filtered out.
type NTPQuorumResolver struct {
	Log               *slog.Logger
	Clock             timebase.SystemClock
	Servers           []string
	MaxRequestLatency time.Duration
	Quorum            int
}

var _ Resolver = (*NTPQuorumResolver)(nil)

func (r *NTPQuorumResolver) Resolve(ctx context.Context) (Result, error) {
	if r.Quorum < 2 {
		panic("invalid argument: quorum must be >= 2")
	}
	if runtime.GOOS == "js" || len(r.Servers) == 0 {
		return Result{}, ErrNotAvailable
	}
	mtrcs := newNTPResolverMetrics()

	type reply struct {
		server string
		offset time.Duration
		err    error
	}
	replies := make(chan reply, len(r.Servers))
	for _, s := range r.Servers {
		go func() {
			ctx, cancel := context.WithTimeout(ctx, r.MaxRequestLatency)
			defer cancel()
			mtrcs.reqsSent.Inc()
			off, err := r.measureClockOffset(ctx, s)
			replies <- reply{server: s, offset: off, err: err}
		}()
	}

	// Wait for all servers; individual failures only shrink the sample set.
	offsets := make([]time.Duration, 0, len(r.Servers))
	for range r.Servers {
		re := <-replies
		if re.err != nil {
			r.Log.LogAttrs(ctx, slog.LevelInfo, "failed to measure clock offset",
				slog.String("server", re.server), slog.Any("error", re.err))
			continue
		}
		r.Log.LogAttrs(ctx, slog.LevelDebug, "measured clock offset",
			slog.String("server", re.server), slog.Duration("offset", re.offset))
		mtrcs.respsAccepted.Inc()
		offsets = append(offsets, re.offset)
	}

	if len(offsets) < r.Quorum {
		mtrcs.quorumFailures.Inc()
		return Result{}, fmt.Errorf("%w: %d of %d servers responded, need %d",
			ErrNoQuorum, len(offsets), len(r.Servers), r.Quorum)
	}

	med := timemath.Median(offsets)
	spread := slices.Max(offsets) - slices.Min(offsets)
	uncertainty := spread/2 + ntpUncertaintyBuffer

	return Result{
		NetworkTimeMs: r.Clock.Now().Add(med).UnixMilli(),
		UncertaintyMs: uncertainty.Milliseconds(),
		SourceCount:   len(offsets),
	}, nil
}

func (r *NTPQuorumResolver) measureClockOffset(ctx context.Context, server string) (
	offset time.Duration, err error) {

	raddr, err := net.ResolveUDPAddr("udp", withNTPPort(server))
	if err != nil {
		return offset, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return offset, err
	}
	defer func() { _ = conn.Close() }()
	deadline, deadlineIsSet := ctx.Deadline()
	if deadlineIsSet {
		err = conn.SetDeadline(deadline)
		if err != nil {
			return offset, err
		}
	}

	buf := make([]byte, ntp.PacketLen)
	cTxTime := r.Clock.Now()

	ntpreq := ntp.Packet{}
	ntpreq.SetVersion(ntp.VersionMax)
	ntpreq.SetMode(ntp.ModeClient)
	ntpreq.TransmitTime = ntp.Time64FromTime(cTxTime)
	ntp.EncodePacket(&buf, &ntpreq)

	_, err = conn.Write(buf)
	if err != nil {
		return offset, err
	}

	for {
		buf = buf[:cap(buf)]
		n, err := conn.Read(buf)
		if err != nil {
			return offset, err
		}
		cRxTime := r.Clock.Now()
		buf = buf[:n]

		var ntpresp ntp.Packet
		err = ntp.DecodePacket(&ntpresp, buf)
		if err != nil {
			if deadlineIsSet && cRxTime.Before(deadline) {
				continue
			}
			return offset, err
		}
		if ntpresp.OriginTime != ntpreq.TransmitTime {
			// Stray or replayed datagram; keep reading until the deadline.
			if deadlineIsSet && cRxTime.Before(deadline) {
				continue
			}
			return offset, errUnexpectedPacket
		}

		err = ntp.ValidateResponseMetadata(&ntpresp)
		if err != nil {
			return offset, err
		}

		t0 := cTxTime
		t1 := ntp.TimeFromTime64(ntpresp.ReceiveTime)
		t2 := ntp.TimeFromTime64(ntpresp.TransmitTime)
		t3 := cRxTime

		err = ntp.ValidateResponseTimestamps(t0, t1, t2, t3)
		if err != nil {
			return offset, err
		}

		rtd := ntp.RoundTripDelay(t0, t1, t2, t3)
		if rtd > r.MaxRequestLatency {
			return offset, fmt.Errorf("%w: %v", errLatencyExceeded, rtd)
		}

		return ntp.ClockOffset(t0, t1, t2, t3), nil
	}
}

func withNTPPort(server string) string {
	_, _, err := net.SplitHostPort(server)
	if err != nil {
		return net.JoinHostPort(server, "123")
	}
	return server
}
