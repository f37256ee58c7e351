// Package clocksync estimates the offset between the client's and server's
// monotonic clocks from a burst of timed ping/echo round trips, so that a
// single server timestamp can later be compared against client timestamps.
package clocksync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/crusader-labs/lull/internal/wire"
)

// Sample is one round trip of the sync burst, in microseconds on the
// client's clock except ServerRecvUS which is on the server's clock.
type Sample struct {
	ClientSendUS int64
	ClientRecvUS int64
	ServerRecvUS int64
}

// RTT returns the client-observed round-trip time of the sample.
func (s Sample) RTT() time.Duration {
	return time.Duration(s.ClientRecvUS-s.ClientSendUS) * time.Microsecond
}

// Offset returns this sample's estimate of server_time - client_time, using
// the classic midpoint assumption (network delay symmetric in both
// directions).
func (s Sample) Offset() int64 {
	rtt := s.ClientRecvUS - s.ClientSendUS
	return s.ServerRecvUS - (s.ClientSendUS + rtt/2)
}

// Result is the outcome of a sync burst.
type Result struct {
	// OffsetUS is server_time - client_time in microseconds, taken from the
	// sample with the minimum RTT (avoids the queueing bias a mean would
	// introduce).
	OffsetUS int64
	// ServerLatency is the median RTT/2 over the burst, reported for display
	// only.
	ServerLatency time.Duration
}

// ErrNoSamples is returned when a burst produced zero matched round trips.
var ErrNoSamples = fmt.Errorf("clocksync: no sync replies received")

// Estimate reduces a burst of samples to a single offset and median latency.
// It is pure so the selection algorithm (§4.B) can be unit tested without a
// network.
func Estimate(samples []Sample) (Result, error) {
	if len(samples) == 0 {
		return Result{}, ErrNoSamples
	}

	best := samples[0]
	for _, s := range samples[1:] {
		if s.RTT() < best.RTT() {
			best = s
		}
	}

	halfRTTs := make([]time.Duration, len(samples))
	for i, s := range samples {
		halfRTTs[i] = s.RTT() / 2
	}
	sort.Slice(halfRTTs, func(i, j int) bool { return halfRTTs[i] < halfRTTs[j] })

	return Result{
		OffsetUS:      best.Offset(),
		ServerLatency: median(halfRTTs),
	}, nil
}

func median(sorted []time.Duration) time.Duration {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// Burst runs the K-sample sync exchange described in the design (K~100,
// paced at pingInterval/4) and returns the reduced Result. conn abstracts
// the unreliable channel so tests can substitute an in-memory implementation
// instead of a real net.PacketConn.
func Burst(ctx context.Context, conn wire.PingConn, k int, pacing time.Duration, now func() int64) (Result, error) {
	samples := make([]Sample, 0, k)
	ticker := time.NewTicker(pacing)
	defer ticker.Stop()

	replies := make(chan wire.PingFrame, k)
	errs := make(chan error, 1)
	go func() {
		for i := 0; i < k; i++ {
			f, err := conn.RecvPing(ctx)
			if err != nil {
				select {
				case errs <- err:
				default:
				}
				return
			}
			select {
			case replies <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	sent := make(map[uint64]int64, k)
	for i := 0; i < k; i++ {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-ticker.C:
		default:
		}
		sendUS := now()
		if err := conn.SendPing(wire.PingFrame{ID: uint64(i), ClientSendUS: sendUS}); err != nil {
			return Result{}, err
		}
		sent[uint64(i)] = sendUS
		if i < k-1 {
			<-ticker.C
		}
	}

collect:
	for len(samples) < k {
		select {
		case <-ctx.Done():
			break collect
		case err := <-errs:
			if len(samples) == 0 {
				return Result{}, err
			}
			break collect
		case f := <-replies:
			sendUS, ok := sent[f.ID]
			if !ok {
				continue
			}
			samples = append(samples, Sample{
				ClientSendUS: sendUS,
				ClientRecvUS: now(),
				ServerRecvUS: f.ServerRecvUS,
			})
		}
	}

	return Estimate(samples)
}
