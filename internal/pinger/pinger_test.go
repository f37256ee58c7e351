package pinger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/crusader-labs/lull/internal/wire"
)

// loopbackConn echoes every sent frame back immediately, stamping
// ServerRecvUS as if a server received it with zero added latency plus a
// fixed skew, so tests can assert exact up/down/total values.
type loopbackConn struct {
	mu      sync.Mutex
	skewUS  int64
	replies chan wire.PingFrame
	closed  bool
}

func newLoopbackConn(skewUS int64) *loopbackConn {
	return &loopbackConn{skewUS: skewUS, replies: make(chan wire.PingFrame, 64)}
}

func (c *loopbackConn) SendPing(f wire.PingFrame) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("closed")
	}
	c.mu.Unlock()
	f.ServerRecvUS = f.ClientSendUS + c.skewUS
	c.replies <- f
	return nil
}

func (c *loopbackConn) RecvPing(ctx context.Context) (wire.PingFrame, error) {
	select {
	case f := <-c.replies:
		return f, nil
	case <-ctx.Done():
		return wire.PingFrame{}, ctx.Err()
	}
}

func TestEngineV1MatchesTotalAndSplitsUpDown(t *testing.T) {
	conn := newLoopbackConn(5_000) // pretend the one-way network delay is 5ms
	e := NewEngine(1, 0, 0)

	var clock int64
	now := func() int64 {
		clock += 1_000 // 1ms per call: one for send, one for the matching recv
		return clock
	}

	if err := e.Run(context.Background(), conn, time.Millisecond, 20*time.Millisecond, now); err != nil {
		t.Fatalf("Run: %v", err)
	}

	pings := e.Snapshot()
	if len(pings) == 0 {
		t.Fatal("expected at least one ping")
	}
	for _, p := range pings {
		if p.Lost() {
			t.Fatalf("ping %d unexpectedly lost: %+v", p.Index, p)
		}
		if p.Latency.Total == nil || *p.Latency.Total != p.Latency.Up+*p.Latency.Down {
			t.Fatalf("ping %d: total != up+down: %+v", p.Index, p.Latency)
		}
	}
}

func TestEngineV0OnlyRecordsTotal(t *testing.T) {
	conn := newLoopbackConn(0)
	e := NewEngine(0, 0, 0)

	var clock int64
	now := func() int64 {
		clock += 1_000
		return clock
	}

	if err := e.Run(context.Background(), conn, time.Millisecond, 10*time.Millisecond, now); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, p := range e.Snapshot() {
		if p.Lost() {
			t.Fatalf("ping %d unexpectedly lost", p.Index)
		}
		if p.Latency.Down != nil {
			t.Fatalf("v0 ping %d should not have Down set: %+v", p.Index, p.Latency)
		}
		if p.Latency.Total == nil {
			t.Fatalf("v0 ping %d should still have Total set", p.Index)
		}
	}
}

type silentConn struct{}

func (silentConn) SendPing(wire.PingFrame) error { return nil }
func (silentConn) RecvPing(ctx context.Context) (wire.PingFrame, error) {
	<-ctx.Done()
	return wire.PingFrame{}, ctx.Err()
}

func TestEngineUnansweredPingsAreLost(t *testing.T) {
	e := NewEngine(1, 0, 0)
	var clock int64
	now := func() int64 {
		clock += 1_000
		return clock
	}

	if err := e.Run(context.Background(), silentConn{}, time.Millisecond, 5*time.Millisecond, now); err != nil {
		t.Fatalf("Run: %v", err)
	}

	pings := e.Snapshot()
	if len(pings) == 0 {
		t.Fatal("expected at least one ping sent")
	}
	for _, p := range pings {
		if !p.Lost() {
			t.Fatalf("ping %d should be lost, got %+v", p.Index, p)
		}
	}
}

func TestEngineInFlightDecreasesOnReply(t *testing.T) {
	conn := newLoopbackConn(0)
	e := NewEngine(1, 0, 0)
	if err := e.send(conn, 1_000); err != nil {
		t.Fatalf("send: %v", err)
	}
	if n := e.InFlight(); n != 1 {
		t.Fatalf("InFlight = %d, want 1", n)
	}
	f, err := conn.RecvPing(context.Background())
	if err != nil {
		t.Fatalf("RecvPing: %v", err)
	}
	e.handleReply(f, 2_000)
	if n := e.InFlight(); n != 0 {
		t.Fatalf("InFlight = %d, want 0 after reply", n)
	}
}
