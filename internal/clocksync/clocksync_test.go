package clocksync

import (
	"errors"
	"testing"
	"time"
)

func TestEstimatePicksMinimumRTT(t *testing.T) {
	samples := []Sample{
		// RTT 100ms, offset = serverRecv - (send + 50ms) = 1_050_000 - (1_000_000+50_000) = 0
		{ClientSendUS: 1_000_000, ClientRecvUS: 1_100_000, ServerRecvUS: 1_050_000},
		// RTT 40ms (minimum), offset = 2_025_000 - (2_000_000+20_000) = 5_000, distinct from the others
		{ClientSendUS: 2_000_000, ClientRecvUS: 2_040_000, ServerRecvUS: 2_025_000},
		{ClientSendUS: 3_000_000, ClientRecvUS: 3_200_000, ServerRecvUS: 3_100_000},
	}
	got, err := Estimate(samples)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	want := samples[1].Offset()
	if got.OffsetUS != want {
		t.Fatalf("offset = %d, want %d (from min-RTT sample)", got.OffsetUS, want)
	}
}

func TestEstimateServerLatencyIsMedianHalfRTT(t *testing.T) {
	samples := []Sample{
		{ClientSendUS: 0, ClientRecvUS: 100_000, ServerRecvUS: 50_000},  // RTT 100ms -> half 50ms
		{ClientSendUS: 0, ClientRecvUS: 200_000, ServerRecvUS: 100_000}, // RTT 200ms -> half 100ms
		{ClientSendUS: 0, ClientRecvUS: 300_000, ServerRecvUS: 150_000}, // RTT 300ms -> half 150ms
	}
	got, err := Estimate(samples)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if got.ServerLatency != 100*time.Millisecond {
		t.Fatalf("ServerLatency = %v, want 100ms", got.ServerLatency)
	}
}

func TestEstimateNoSamples(t *testing.T) {
	_, err := Estimate(nil)
	if !errors.Is(err, ErrNoSamples) {
		t.Fatalf("err = %v, want ErrNoSamples", err)
	}
}
