package control

import (
	"context"
	"net"
	"time"

	"github.com/crusader-labs/lull/internal/wire"
)

// NewUDPPingConn adapts pc/remote to wire.PingConn for callers outside this
// package that need to drive the ping channel directly, such as cmd/lull's
// standalone latency-monitor subcommand, which has no stream groups to
// negotiate and so never calls RunClientTest.
func NewUDPPingConn(pc net.PacketConn, remote net.Addr) wire.PingConn {
	return &udpPingConn{pc: pc, remote: remote}
}

// udpPingConn adapts a net.PacketConn plus a fixed remote address to
// wire.PingConn, so clocksync.Burst and pinger.Engine can drive it the same
// way they would an in-memory fake in tests.
type udpPingConn struct {
	pc     net.PacketConn
	remote net.Addr
}

func (c *udpPingConn) SendPing(f wire.PingFrame) error {
	b := f.Encode()
	_, err := c.pc.WriteTo(b[:], c.remote)
	return err
}

func (c *udpPingConn) RecvPing(ctx context.Context) (wire.PingFrame, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.pc.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	buf := make([]byte, wire.PingFrameSize)
	for {
		n, _, err := c.pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return wire.PingFrame{}, ctx.Err()
			}
			return wire.PingFrame{}, err
		}
		f, err := wire.DecodePingFrame(buf[:n])
		if err != nil {
			continue // malformed or short datagram, keep listening
		}
		return f, nil
	}
}

// PingRouter is a stateless echo service shared by every client on the
// server's single UDP socket: it stamps each incoming frame's ServerRecvUS
// and writes it straight back to its sender. It needs no per-client state
// because matching a reply to a send is entirely the client's job
// (internal/pinger.Engine tracks the in-flight map by id); the control
// channel's AssociatePing message exists to announce the test's intent to
// start pinging, not to set up server-side routing.
type PingRouter struct {
	pc  net.PacketConn
	now func() int64
}

// NewPingRouter builds a router over pc, stamping echoes with now.
func NewPingRouter(pc net.PacketConn, now func() int64) *PingRouter {
	return &PingRouter{pc: pc, now: now}
}

// Run drains incoming datagrams until ctx is cancelled, echoing each one
// back with ServerRecvUS filled in.
func (r *PingRouter) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = r.pc.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	buf := make([]byte, wire.PingFrameSize)
	for {
		n, addr, err := r.pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		f, err := wire.DecodePingFrame(buf[:n])
		if err != nil {
			continue
		}
		f.ServerRecvUS = r.now()
		out := f.Encode()
		_, _ = r.pc.WriteTo(out[:], addr)
	}
}
