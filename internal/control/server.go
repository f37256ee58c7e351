package control

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/crusader-labs/lull/internal/lullerrors"
	"github.com/crusader-labs/lull/internal/metrics"
	"github.com/crusader-labs/lull/internal/model"
	"github.com/crusader-labs/lull/internal/streamio"
	"github.com/crusader-labs/lull/internal/transport"
	"github.com/crusader-labs/lull/internal/wire"
)

// ctrlSendBuf sizes the control channel's outbound AsyncTx: Measurements (at
// most one per group) plus Done plus a possible ServerOverload comfortably
// fit without ever hitting the queue's drop path.
const ctrlSendBuf = 32

// serverGroup is the server's bookkeeping for one negotiated group: where
// Download is true the server is the sender and keeps no canonical
// recording (the client, as receiver, is authoritative); where Download is
// false the server is the receiver and its recorders are later served back
// to the client via GetMeasurements.
type serverGroup struct {
	download  bool
	streams   int
	recorders []*streamio.Recorder
	connCh    chan net.Conn
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// ConnHandler owns one accepted control connection's lifetime: reading the
// Hello/NewClient/AssociatePing/Load*/GetMeasurements sequence, and the bulk
// connections belonging to its groups, delivered by the caller via Deliver
// once it has demultiplexed them by UUID and GroupID (see StreamHeader).
type ConnHandler struct {
	settings serverSettings

	mu      sync.Mutex
	groups  map[uint32]*serverGroup
	pending map[uint32][]net.Conn
	state   ServerState

	ctrlTx       *transport.AsyncTx[wire.Message]
	overloadOnce sync.Once
}

// NewConnHandler builds a handler for one client.
func NewConnHandler(opts ...ServerOption) *ConnHandler {
	s := defaultServerSettings()
	for _, o := range opts {
		o(&s)
	}
	if s.now == nil {
		start := time.Now()
		s.now = func() int64 { return int64(time.Since(start) / time.Microsecond) }
	}
	return &ConnHandler{settings: s, groups: make(map[uint32]*serverGroup), pending: make(map[uint32][]net.Conn), state: Accepting}
}

// Deliver hands a bulk connection already identified as belonging to
// groupID to this handler. If the group hasn't been registered yet (the
// Load* control message and the stream dial raced), the connection is
// buffered until registerGroup catches up.
func (h *ConnHandler) Deliver(groupID uint32, conn net.Conn) {
	h.mu.Lock()
	g := h.groups[groupID]
	if g == nil {
		h.pending[groupID] = append(h.pending[groupID], conn)
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	select {
	case g.connCh <- conn:
	default:
		_ = conn.Close()
	}
}

func (h *ConnHandler) setState(s ServerState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Serve runs the control protocol on conn until the client disconnects,
// the test finishes, or ctx is cancelled.
func (h *ConnHandler) Serve(ctx context.Context, conn net.Conn) error {
	logger := h.settings.logger
	codec := wire.Codec{}
	r := bufio.NewReader(conn)

	if err := conn.SetReadDeadline(time.Now().Add(h.settings.idleTimeout)); err != nil {
		return fmt.Errorf("%w: %v", lullerrors.ErrIOError, err)
	}
	msg, err := codec.Decode(r)
	if err != nil {
		return fmt.Errorf("%w: %v", lullerrors.ErrProtocolViolation, err)
	}
	clientHello, ok := msg.(*wire.Hello)
	if !ok {
		return fmt.Errorf("%w: expected Hello, got %T", lullerrors.ErrProtocolViolation, msg)
	}
	if clientHello.Version > ProtocolVersion {
		_, _ = codec.EncodeTo(conn, &wire.Hello{Version: ProtocolVersion})
		return fmt.Errorf("%w: client speaks version %d", lullerrors.ErrPeerVersionTooNew, clientHello.Version)
	}
	if _, err := codec.EncodeTo(conn, &wire.Hello{Version: ProtocolVersion}); err != nil {
		return fmt.Errorf("%w: %v", lullerrors.ErrIOError, err)
	}

	msg, err = codec.Decode(r)
	if err != nil {
		return fmt.Errorf("%w: %v", lullerrors.ErrProtocolViolation, err)
	}
	newClient, ok := msg.(*wire.NewClient)
	if !ok {
		return fmt.Errorf("%w: expected NewClient, got %T", lullerrors.ErrProtocolViolation, msg)
	}
	logger = logger.With("client", newClient.UUID.String())
	if h.settings.onClientID != nil {
		h.settings.onClientID(newClient.UUID)
	}

	h.setState(ServerSyncing)
	msg, err = codec.Decode(r)
	if err != nil {
		return fmt.Errorf("%w: %v", lullerrors.ErrProtocolViolation, err)
	}
	if _, ok := msg.(*wire.AssociatePing); !ok {
		return fmt.Errorf("%w: expected AssociatePing, got %T", lullerrors.ErrProtocolViolation, msg)
	}

	h.setState(Serving)
	metrics.SetClientsActive(1)
	defer metrics.SetClientsActive(0)

	h.ctrlTx = transport.NewAsyncTx[wire.Message](ctx, ctrlSendBuf, func(m wire.Message) error {
		_, err := codec.EncodeTo(conn, m)
		return err
	}, transport.Hooks{
		OnError: func(err error) { logger.Warn("control_write_error", "error", err) },
	})
	defer h.ctrlTx.Close()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(h.settings.idleTimeout)); err != nil {
			return fmt.Errorf("%w: %v", lullerrors.ErrIOError, err)
		}
		msg, err := codec.Decode(r)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("%w: %v", lullerrors.ErrProtocolViolation, err)
		}
		switch m := msg.(type) {
		case *wire.LoadFromClient:
			h.registerGroup(m.GroupID, false, int(m.Streams))
			go h.acceptGroupStreams(ctx, m.GroupID)
		case *wire.LoadFromServer:
			h.registerGroup(m.GroupID, true, int(m.Streams))
			go h.acceptGroupStreams(ctx, m.GroupID)
		case *wire.LoadComplete:
			h.setState(Draining)
			h.completeGroup(m.GroupID)
		case *wire.GetMeasurements:
			h.setState(Finalizing)
			if err := h.sendMeasurements(); err != nil {
				return err
			}
		case *wire.Done:
			return nil
		default:
			logger.Warn("unexpected_message", "tag", msg.Tag())
		}
	}
}

func (h *ConnHandler) registerGroup(id uint32, download bool, streams int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.groups[id]; ok {
		return
	}
	g := &serverGroup{download: download, streams: streams, connCh: make(chan net.Conn, streams), stopCh: make(chan struct{})}
	if !download {
		// The client is the sender here, so the server is the receiver of
		// record: its recorders are what GetMeasurements later serves back.
		g.recorders = make([]*streamio.Recorder, streams)
		for i := range g.recorders {
			g.recorders[i] = &streamio.Recorder{}
		}
	}
	h.groups[id] = g
	backlog := h.pending[id]
	delete(h.pending, id)
	for _, conn := range backlog {
		select {
		case g.connCh <- conn:
		default:
			_ = conn.Close()
		}
	}
}

// acceptGroupStreams waits for exactly Streams bulk connections to arrive
// via Deliver and spawns the matching sender/receiver goroutines.
func (h *ConnHandler) acceptGroupStreams(ctx context.Context, groupID uint32) {
	h.mu.Lock()
	g := h.groups[groupID]
	h.mu.Unlock()
	if g == nil {
		return
	}
	for i := 0; i < g.streams; i++ {
		var conn net.Conn
		select {
		case conn = <-g.connCh:
		case <-ctx.Done():
			return
		}
		g.wg.Add(1)
		go func(idx int, conn net.Conn) {
			defer g.wg.Done()
			if g.download {
				ow := newOverloadWriter(ctx, conn, h.reportOverload)
				_ = streamio.RunSender(ctx, ow, 60*time.Millisecond, &streamio.Recorder{}, g.stopCh)
				ow.Close()
			} else if idx < len(g.recorders) {
				_ = streamio.RunReceiver(ctx, conn, 60*time.Millisecond, g.recorders[idx], g.stopCh)
			}
			_ = conn.Close()
		}(i, conn)
	}
}

// completeGroup handles a client's LoadComplete for id. Only the sender
// side of a group should stop writing the instant load elapses; for a
// download group that's the server, so its stopCh closes here. For an
// upload group the server is the receiver and keeps draining until the
// client closes its connections at the end of its own grace window --
// closing stopCh here would truncate residual bytes still in flight.
func (h *ConnHandler) completeGroup(id uint32) {
	h.mu.Lock()
	g := h.groups[id]
	h.mu.Unlock()
	if g == nil || !g.download {
		return
	}
	select {
	case <-g.stopCh:
	default:
		close(g.stopCh)
	}
}

// reportOverload fires ServerOverload at most once per connection: it bumps
// the Prometheus counter and queues the message on ctrlTx alongside
// whatever Measurements/Done traffic is already serialized through it.
func (h *ConnHandler) reportOverload() {
	h.overloadOnce.Do(func() {
		metrics.IncServerOverload()
		if h.ctrlTx != nil {
			_ = h.ctrlTx.Send(&wire.ServerOverload{})
		}
	})
}

func (h *ConnHandler) sendMeasurements() error {
	h.mu.Lock()
	var ids []uint32
	for id, g := range h.groups {
		if !g.download {
			ids = append(ids, id)
		}
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.mu.Lock()
		g := h.groups[id]
		h.mu.Unlock()

		done := make(chan struct{})
		go func() { g.wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}

		sm := make([]wire.StreamMeasurement, len(g.recorders))
		for i, r := range g.recorders {
			samples := r.Samples()
			sm[i] = wire.StreamMeasurement{
				TimeUS:          toUS(samples),
				CumulativeBytes: toBytes(samples),
			}
		}
		if err := h.ctrlTx.Send(&wire.Measurements{GroupID: id, Streams: sm}); err != nil {
			return fmt.Errorf("%w: %v", lullerrors.ErrIOError, err)
		}
	}
	if err := h.ctrlTx.Send(&wire.Done{}); err != nil {
		return fmt.Errorf("%w: %v", lullerrors.ErrIOError, err)
	}
	return nil
}

func toUS(s []model.StreamSample) []uint64 {
	out := make([]uint64, len(s))
	for i, v := range s {
		out[i] = v.TimeUS
	}
	return out
}

func toBytes(s []model.StreamSample) []uint64 {
	out := make([]uint64, len(s))
	for i, v := range s {
		out[i] = v.CumulativeBytes
	}
	return out
}
