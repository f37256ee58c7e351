package control

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crusader-labs/lull/internal/clocksync"
	"github.com/crusader-labs/lull/internal/lullerrors"
	"github.com/crusader-labs/lull/internal/metrics"
	"github.com/crusader-labs/lull/internal/model"
	"github.com/crusader-labs/lull/internal/pinger"
	"github.com/crusader-labs/lull/internal/streamio"
	"github.com/crusader-labs/lull/internal/wire"
)

// RunClientTest drives one complete test against addr (host:port, used for
// both the TCP control/bulk channel and the UDP ping channel) and returns
// the assembled RawResult. abort, if closed before the test reaches
// Collecting, moves the state machine to Grace immediately; the result up
// to that point is preserved rather than discarded, per spec.md §5.
func RunClientTest(ctx context.Context, addr string, cfg model.Config, cb Callbacks, abort <-chan struct{}, opts ...ClientOption) (*model.RawResult, error) {
	s := defaultClientSettings()
	for _, o := range opts {
		o(&s)
	}
	if s.now == nil {
		start := time.Now()
		s.now = func() int64 { return int64(time.Since(start) / time.Microsecond) }
	}

	result, err := runClientTest(ctx, addr, cfg, cb, abort, s)
	if cb.OnDone != nil {
		cb.OnDone(result, err)
	}
	return result, err
}

func runClientTest(ctx context.Context, addr string, cfg model.Config, cb Callbacks, abort <-chan struct{}, s clientSettings) (*model.RawResult, error) {
	epochUS := s.now()

	cb.message("connecting")
	dialer := net.Dialer{Timeout: s.connectTimeout}
	ctrl, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		metrics.IncError(lullerrors.MetricLabel(lullerrors.ErrConnectFailed))
		return nil, fmt.Errorf("%w: %v", lullerrors.ErrConnectFailed, err)
	}
	defer ctrl.Close()
	if _, err := ctrl.Write([]byte{byte(kindControl)}); err != nil {
		return nil, fmt.Errorf("%w: %v", lullerrors.ErrIOError, err)
	}

	codec := wire.Codec{}
	if _, err := codec.EncodeTo(ctrl, &wire.Hello{Version: ProtocolVersion}); err != nil {
		return nil, fmt.Errorf("%w: %v", lullerrors.ErrIOError, err)
	}
	peerHello, err := codec.Decode(ctrl)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", lullerrors.ErrProtocolViolation, err)
	}
	hello, ok := peerHello.(*wire.Hello)
	if !ok {
		return nil, fmt.Errorf("%w: expected Hello, got %T", lullerrors.ErrProtocolViolation, peerHello)
	}
	if hello.Version > ProtocolVersion {
		return nil, fmt.Errorf("%w: server speaks version %d, this build supports up to %d", lullerrors.ErrPeerVersionTooNew, hello.Version, ProtocolVersion)
	}
	protoVersion := int(hello.Version)
	if protoVersion > int(ProtocolVersion) {
		protoVersion = ProtocolVersion
	}

	id := uuid.New()
	if _, err := codec.EncodeTo(ctrl, &wire.NewClient{UUID: id}); err != nil {
		return nil, fmt.Errorf("%w: %v", lullerrors.ErrIOError, err)
	}

	cb.message("syncing clocks")
	pc, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", lullerrors.ErrConnectFailed, err)
	}
	defer pc.Close()
	host, _, _ := net.SplitHostPort(addr)
	_, port, _ := net.SplitHostPort(ctrl.RemoteAddr().String())
	udpAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, port))
	if err != nil {
		udpAddr, err = net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", lullerrors.ErrConnectFailed, err)
		}
	}
	pingConn := &udpPingConn{pc: pc, remote: udpAddr}

	if _, err := codec.EncodeTo(ctrl, &wire.AssociatePing{UUID: id}); err != nil {
		return nil, fmt.Errorf("%w: %v", lullerrors.ErrIOError, err)
	}

	syncCtx, cancelSync := context.WithTimeout(ctx, 10*time.Second)
	syncResult, err := clocksync.Burst(syncCtx, pingConn, s.syncBurst, cfg.PingInterval/4, s.now)
	cancelSync()
	if err != nil {
		return nil, fmt.Errorf("%w: clock sync: %v", lullerrors.ErrTimeout, err)
	}

	cb.message("preparing load")
	groups := buildGroups(cfg)
	raw := &model.RawResult{
		Version:       rawfileCurrentVersionPlaceholder,
		GeneratedBy:   "lull",
		Config:        cfg,
		IPv6:          udpAddr.IP.To4() == nil,
		ServerLatency: syncResult.ServerLatency,
		Start:         time.Duration(epochUS) * time.Microsecond,
	}

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	engine := pinger.NewEngine(protoVersion, syncResult.OffsetUS, epochUS)
	pingTotal := pinger.PreRoll + cfg.Stagger + cfg.LoadDuration + cfg.GraceDuration + 2*time.Second
	pingDone := make(chan error, 1)
	go func() { pingDone <- engine.Run(pingCtx, pingConn, cfg.PingInterval, pingTotal, s.now) }()

	// Let the engine sample unloaded latency for PreRoll before any stream
	// opens.
	select {
	case <-time.After(pinger.PreRoll):
	case <-ctx.Done():
	}

	groupResults := make([]model.StreamGroup, len(groups))
	type openGroup struct {
		spec      groupSpec
		conns     []net.Conn
		recorders []*streamio.Recorder
		stopCh    chan struct{}
	}
	open := make([]*openGroup, len(groups))

	cb.message("opening streams")
	for i, g := range groups {
		og := &openGroup{spec: g, conns: make([]net.Conn, g.Streams), recorders: make([]*streamio.Recorder, g.Streams), stopCh: make(chan struct{})}
		open[i] = og
		if g.Download {
			if _, err := codec.EncodeTo(ctrl, &wire.LoadFromServer{GroupID: g.ID, Streams: uint32(g.Streams), Stagger: cfg.Stagger, Download: true}); err != nil {
				return raw, fmt.Errorf("%w: %v", lullerrors.ErrIOError, err)
			}
		} else {
			if _, err := codec.EncodeTo(ctrl, &wire.LoadFromClient{GroupID: g.ID, Streams: uint32(g.Streams), Stagger: cfg.Stagger}); err != nil {
				return raw, fmt.Errorf("%w: %v", lullerrors.ErrIOError, err)
			}
		}
		for idx := 0; idx < g.Streams; idx++ {
			time.Sleep(cfg.Stagger)
			conn, err := dialer.DialContext(ctx, "tcp", addr)
			if err != nil {
				return raw, fmt.Errorf("%w: %v", lullerrors.ErrConnectFailed, err)
			}
			if err := writeStreamHello(conn, streamHello{UUID: id, GroupID: g.ID, Index: uint32(idx), Download: g.Download}); err != nil {
				return raw, fmt.Errorf("%w: %v", lullerrors.ErrIOError, err)
			}
			og.conns[idx] = conn
			og.recorders[idx] = &streamio.Recorder{}
		}
	}
	metrics.SetStreamsActive(countStreams(groups))

	overloadWatch := watchServerOverload(ctrl, &codec)

	cb.message("loading")
	var wg sync.WaitGroup
	for _, og := range open {
		for idx, conn := range og.conns {
			wg.Add(1)
			go func(og *openGroup, idx int, conn net.Conn) {
				defer wg.Done()
				if og.spec.Download {
					_ = streamio.RunReceiver(pingCtx, conn, cfg.BandwidthInterval, og.recorders[idx], og.stopCh)
				} else {
					_ = streamio.RunSender(pingCtx, conn, cfg.BandwidthInterval, og.recorders[idx], og.stopCh)
				}
			}(og, idx, conn)
		}
	}

	loadTimer := time.NewTimer(cfg.LoadDuration)
	select {
	case <-loadTimer.C:
	case <-abort:
		loadTimer.Stop()
	case <-ctx.Done():
		loadTimer.Stop()
	}

	cb.message("grace period")
	for _, og := range open {
		// The sender side of a group stops producing the instant load
		// elapses; the receiver side keeps draining residual bytes until it
		// sees EOF or the grace timeout below forces it closed.
		if !og.spec.Download {
			close(og.stopCh)
		}
		if _, err := codec.EncodeTo(ctrl, &wire.LoadComplete{GroupID: og.spec.ID}); err != nil {
			metrics.IncError(lullerrors.MetricLabel(lullerrors.ErrIOError))
		}
	}

	graceDone := make(chan struct{})
	go func() { wg.Wait(); close(graceDone) }()
	select {
	case <-graceDone:
	case <-time.After(cfg.GraceDuration):
		raw.LoadTerminationTimeout = true
		for _, og := range open {
			select {
			case <-og.stopCh:
			default:
				close(og.stopCh)
			}
			for _, conn := range og.conns {
				_ = conn.Close()
			}
		}
		<-graceDone
	}

	raw.ServerOverload = overloadWatch.Stop()

	cb.message("collecting measurements")
	needRemote := 0
	for _, og := range open {
		if !og.spec.Download {
			needRemote++
		}
	}
	if needRemote > 0 {
		if _, err := codec.EncodeTo(ctrl, &wire.GetMeasurements{}); err != nil {
			return raw, fmt.Errorf("%w: %v", lullerrors.ErrIOError, err)
		}
		for i := 0; i < needRemote; i++ {
			msg, err := codec.Decode(ctrl)
			if err != nil {
				return raw, fmt.Errorf("%w: %v", lullerrors.ErrProtocolViolation, err)
			}
			meas, ok := msg.(*wire.Measurements)
			if !ok {
				return raw, fmt.Errorf("%w: expected Measurements, got %T", lullerrors.ErrProtocolViolation, msg)
			}
			for _, og := range open {
				if og.spec.ID == meas.GroupID {
					og.spec.remoteSamples = measurementsToSamples(meas)
				}
			}
		}
		final, err := codec.Decode(ctrl)
		if err != nil {
			return raw, fmt.Errorf("%w: %v", lullerrors.ErrProtocolViolation, err)
		}
		if _, ok := final.(*wire.Done); !ok {
			return raw, fmt.Errorf("%w: expected Done, got %T", lullerrors.ErrProtocolViolation, final)
		}
	}

	for i, og := range open {
		var streams [][]model.StreamSample
		if og.spec.Download {
			for _, r := range og.recorders {
				streams = append(streams, r.Samples())
			}
		} else {
			streams = og.spec.remoteSamples
		}
		groupResults[i] = model.StreamGroup{Download: og.spec.Download, Both: og.spec.Both, Streams: streams}
		for _, conn := range og.conns {
			_ = conn.Close()
		}
	}
	raw.StreamGroups = groupResults

	cancelPing()
	select {
	case <-pingDone:
	case <-time.After(2 * time.Second):
	}
	raw.Pings = engine.Snapshot()
	raw.Duration = time.Duration(s.now()-epochUS) * time.Microsecond

	cb.message("done")
	metrics.SetStreamsActive(0)
	return raw, nil
}

// rawfileCurrentVersionPlaceholder keeps RawResult.Version at the codec's
// current version at construction time without importing internal/rawfile
// here (that would invert the natural dependency direction: rawfile
// persists model values, it shouldn't be a dependency of the code that
// produces them).
const rawfileCurrentVersionPlaceholder = 1

func countStreams(groups []groupSpec) int {
	n := 0
	for _, g := range groups {
		n += g.Streams
	}
	return n
}

func measurementsToSamples(m *wire.Measurements) [][]model.StreamSample {
	out := make([][]model.StreamSample, len(m.Streams))
	for i, sm := range m.Streams {
		samples := make([]model.StreamSample, len(sm.TimeUS))
		for j := range sm.TimeUS {
			samples[j] = model.StreamSample{TimeUS: sm.TimeUS[j], CumulativeBytes: sm.CumulativeBytes[j]}
		}
		out[i] = samples
	}
	return out
}
