package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/crusader-labs/lull/internal/clocksync"
	"github.com/crusader-labs/lull/internal/control"
	"github.com/crusader-labs/lull/internal/latency"
	"github.com/crusader-labs/lull/internal/pinger"
	"github.com/crusader-labs/lull/internal/wire"
)

// foreverDuration stands in for "until cancelled" for pinger.Engine.Run,
// which otherwise always expects a fixed observation window.
const foreverDuration = 365 * 24 * time.Hour

func newLatencyCmd() *cobra.Command {
	var (
		pingInterval time.Duration
		history      time.Duration
		syncBurst    int
	)

	cmd := &cobra.Command{
		Use:   "latency <server>",
		Short: "Continuously monitor latency to a server outside of a full test",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runLatency(ctx, args[0], pingInterval, history, syncBurst)
		},
	}

	cmd.Flags().DurationVar(&pingInterval, "latency-sample-rate", 5*time.Millisecond, "Ping interval")
	cmd.Flags().DurationVar(&history, "history", 5*time.Second, "How much recent history to keep in the rolling summary")
	cmd.Flags().IntVar(&syncBurst, "sync-burst", 100, "Number of samples used for the initial clock-sync burst")
	return cmd
}

func runLatency(ctx context.Context, addr string, pingInterval, history time.Duration, syncBurst int) error {
	start := time.Now()
	now := func() int64 { return int64(time.Since(start) / time.Microsecond) }

	data := latency.NewData(latency.HistoryCapacity(int64(history), int64(pingInterval)), nil)
	data.SetState(latency.Connecting)

	fmt.Fprintln(os.Stderr, "connecting")
	dialer := net.Dialer{Timeout: 8 * time.Second}
	ctrl, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return withExitCode(exitUserError, fmt.Errorf("connect: %w", err))
	}
	defer ctrl.Close()
	if _, err := ctrl.Write([]byte{control.KindControlByte}); err != nil {
		return withExitCode(exitUserError, fmt.Errorf("handshake: %w", err))
	}

	codec := wire.Codec{}
	if _, err := codec.EncodeTo(ctrl, &wire.Hello{Version: control.ProtocolVersion}); err != nil {
		return withExitCode(exitUserError, fmt.Errorf("handshake: %w", err))
	}
	peerHello, err := codec.Decode(ctrl)
	if err != nil {
		return withExitCode(exitUserError, fmt.Errorf("handshake: %w", err))
	}
	hello, ok := peerHello.(*wire.Hello)
	if !ok {
		return withExitCode(exitUserError, fmt.Errorf("handshake: expected Hello, got %T", peerHello))
	}
	protoVersion := int(hello.Version)
	if protoVersion > control.ProtocolVersion {
		protoVersion = control.ProtocolVersion
	}

	id := uuid.New()
	if _, err := codec.EncodeTo(ctrl, &wire.NewClient{UUID: id}); err != nil {
		return withExitCode(exitUserError, fmt.Errorf("handshake: %w", err))
	}

	pc, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return withExitCode(exitUserError, fmt.Errorf("ping socket: %w", err))
	}
	defer pc.Close()
	host, _, _ := net.SplitHostPort(addr)
	_, port, _ := net.SplitHostPort(ctrl.RemoteAddr().String())
	udpAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, port))
	if err != nil {
		return withExitCode(exitUserError, fmt.Errorf("ping socket: %w", err))
	}
	pingConn := control.NewUDPPingConn(pc, udpAddr)

	if _, err := codec.EncodeTo(ctrl, &wire.AssociatePing{UUID: id}); err != nil {
		return withExitCode(exitUserError, fmt.Errorf("handshake: %w", err))
	}

	fmt.Fprintln(os.Stderr, "syncing clocks")
	data.SetState(latency.Syncing)
	syncCtx, cancelSync := context.WithTimeout(ctx, 10*time.Second)
	syncResult, err := clocksync.Burst(syncCtx, pingConn, syncBurst, pingInterval/4, now)
	cancelSync()
	if err != nil {
		return withExitCode(exitUserError, fmt.Errorf("clock sync: %w", err))
	}

	engine := pinger.NewEngine(protoVersion, syncResult.OffsetUS, now())
	data.SetState(latency.Monitoring)
	fmt.Fprintln(os.Stderr, "monitoring, press ctrl-c to stop")

	var reported uint64
	go reportLoop(ctx, engine, data, &reported)

	err = engine.Run(ctx, pingConn, pingInterval, foreverDuration, now)
	fmt.Fprintln(os.Stderr)
	if err != nil && ctx.Err() == nil {
		return withExitCode(exitUserError, fmt.Errorf("ping engine: %w", err))
	}
	return nil
}

// reportLoop polls the engine's snapshot and feeds newly completed pings
// into data, printing a rolling one-line summary as it goes. The engine has
// no push-callback API, so polling is the cheapest way to drive a live
// display without changing pinger.Engine's shape for one caller.
func reportLoop(ctx context.Context, engine *pinger.Engine, data *latency.Data, reported *uint64) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := engine.Snapshot()
			last := atomic.LoadUint64(reported)
			// A ping counts as completed once it or a later ping has been
			// answered; pings after the newest answered one may still be
			// in flight and wait for a later tick.
			end := len(snap) - 1
			for end >= 0 && snap[end].Latency == nil {
				end--
			}
			for _, p := range snap[:end+1] {
				if p.Index < last {
					continue
				}
				data.Push(p)
			}
			if end >= 0 {
				atomic.StoreUint64(reported, snap[end].Index+1)
			}
			printSummary(data)
		}
	}
}

func printSummary(data *latency.Data) {
	pings, _ := data.Snapshot()
	if len(pings) == 0 {
		return
	}
	var sum time.Duration
	var n, lost int
	for _, p := range pings {
		if p.Lost() {
			lost++
			continue
		}
		sum += *p.Latency.Total
		n++
	}
	last := pings[len(pings)-1]
	if last.Lost() {
		fmt.Fprintf(os.Stderr, "\rlatency: --      avg(%d): --      lost: %d/%d   ", len(pings), lost, len(pings))
		return
	}
	avg := time.Duration(0)
	if n > 0 {
		avg = sum / time.Duration(n)
	}
	fmt.Fprintf(os.Stderr, "\rlatency: %-8s avg(%d): %-8s lost: %d/%d   ", last.Latency.Total.Round(time.Microsecond), len(pings), avg.Round(time.Microsecond), lost, len(pings))
}
