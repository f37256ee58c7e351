package streamio

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/crusader-labs/lull/internal/model"
)

func TestSenderReceiverSamplesMonotonic(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	senderRec := &Recorder{}
	recvRec := &Recorder{}
	stop := make(chan struct{})

	done := make(chan error, 2)
	go func() { done <- RunSender(ctx, client, 10*time.Millisecond, senderRec, stop) }()
	go func() { done <- RunReceiver(ctx, server, 10*time.Millisecond, recvRec, stop) }()

	time.Sleep(120 * time.Millisecond)
	close(stop)
	client.Close()
	server.Close()

	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Logf("worker returned: %v", err) // pipe close races are expected
		}
	}

	checkMonotonic(t, "sender", senderRec.Samples())
	checkMonotonic(t, "receiver", recvRec.Samples())
}

func checkMonotonic(t *testing.T, label string, samples []model.StreamSample) {
	t.Helper()
	for i := 1; i < len(samples); i++ {
		if samples[i].TimeUS <= samples[i-1].TimeUS {
			t.Fatalf("%s: time not strictly increasing at %d: %+v", label, i, samples)
		}
		if samples[i].CumulativeBytes < samples[i-1].CumulativeBytes {
			t.Fatalf("%s: bytes decreased at %d: %+v", label, i, samples)
		}
	}
}

func TestRecorderDropsNonIncreasingTimestamp(t *testing.T) {
	r := &Recorder{}
	r.Record(100, 10)
	r.Record(100, 20) // same timestamp, must be dropped
	r.Record(50, 30)  // earlier timestamp, must be dropped
	r.Record(200, 40)
	got := r.Samples()
	if len(got) != 2 {
		t.Fatalf("got %d samples, want 2: %+v", len(got), got)
	}
	if got[0].TimeUS != 100 || got[1].TimeUS != 200 {
		t.Fatalf("unexpected samples: %+v", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i].TimeUS <= got[i-1].TimeUS {
			t.Fatalf("time not strictly increasing at %d: %+v", i, got)
		}
		if got[i].CumulativeBytes < got[i-1].CumulativeBytes {
			t.Fatalf("bytes decreased at %d: %+v", i, got)
		}
	}
}

func TestRecorderEmpty(t *testing.T) {
	r := &Recorder{}
	if got := r.Samples(); len(got) != 0 {
		t.Fatalf("expected no samples, got %v", got)
	}
}
