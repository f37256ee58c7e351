// Package control implements the client- and server-side state machines
// that drive one latency-under-load test end to end: negotiating the
// control channel, running the clock-sync burst, opening the bulk streams,
// pumping the ping engine, and assembling the final RawResult. It wires
// together internal/wire, internal/clocksync, internal/streamio and
// internal/pinger the way cmd/can-server's main.go wires up the hub,
// backend, server and metrics before blocking on a single control loop.
package control

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/crusader-labs/lull/internal/logging"
	"github.com/crusader-labs/lull/internal/model"
)

// ProtocolVersion is the highest wire protocol version this build speaks.
const ProtocolVersion = 2

// State is the client-side state machine's current phase, per spec.md §4.E.
type State int

const (
	Idle State = iota
	Connecting
	Syncing
	PreLoad
	Loading
	Grace
	Collecting
	Done
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Syncing:
		return "syncing"
	case PreLoad:
		return "preload"
	case Loading:
		return "loading"
	case Grace:
		return "grace"
	case Collecting:
		return "collecting"
	case Done:
		return "done"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// ServerState mirrors State on the server's per-client mirror, per spec.md
// §4.E.
type ServerState int

const (
	Accepting ServerState = iota
	ServerSyncing
	Serving
	Draining
	Finalizing
)

func (s ServerState) String() string {
	switch s {
	case Accepting:
		return "accepting"
	case ServerSyncing:
		return "syncing"
	case Serving:
		return "serving"
	case Draining:
		return "draining"
	case Finalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

// Callbacks are the embedder-facing hooks exposed by a running test, per
// spec.md §6.
type Callbacks struct {
	OnMessage func(string)
	OnDone    func(*model.RawResult, error)
}

func (c Callbacks) message(format string, args ...any) {
	if c.OnMessage != nil {
		c.OnMessage(fmt.Sprintf(format, args...))
	}
}

// ClientOption configures RunClientTest beyond its required arguments,
// mirroring the teacher's ServerOption functional-option pattern.
type ClientOption func(*clientSettings)

type clientSettings struct {
	connectTimeout time.Duration
	syncBurst      int
	logger         *slog.Logger
	now            func() int64
}

func defaultClientSettings() clientSettings {
	return clientSettings{
		connectTimeout: 8 * time.Second,
		syncBurst:      100,
		logger:         logging.L(),
	}
}

// WithConnectTimeout overrides the default 8-second connect deadline.
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(c *clientSettings) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithSyncBurst overrides the default K=100 clock-sync sample count.
func WithSyncBurst(k int) ClientOption {
	return func(c *clientSettings) {
		if k > 0 {
			c.syncBurst = k
		}
	}
}

// WithLogger overrides the package-global logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *clientSettings) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the monotonic microsecond clock used for all
// client-side timestamps; tests inject a deterministic one.
func WithClock(now func() int64) ClientOption {
	return func(c *clientSettings) {
		if now != nil {
			c.now = now
		}
	}
}

// ServerOption configures the per-connection server-side handler.
type ServerOption func(*serverSettings)

type serverSettings struct {
	idleTimeout time.Duration
	logger      *slog.Logger
	now         func() int64
	onClientID  func(uuid.UUID)
}

func defaultServerSettings() serverSettings {
	return serverSettings{
		idleTimeout: 30 * time.Second,
		logger:      logging.L(),
	}
}

// WithServerIdleTimeout overrides the default 30-second idle-peer drop.
func WithServerIdleTimeout(d time.Duration) ServerOption {
	return func(s *serverSettings) {
		if d > 0 {
			s.idleTimeout = d
		}
	}
}

// WithServerLogger overrides the package-global logger on the server side.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *serverSettings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithServerClock overrides the monotonic microsecond clock held in the
// handler's settings. Stream samples are timed by internal/streamio's own
// clock, not by this one.
func WithServerClock(now func() int64) ServerOption {
	return func(s *serverSettings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithOnClientID registers a callback fired the instant the control
// handshake identifies the client's test UUID, before any bulk streams are
// expected. internal/lullserver uses this to start routing stream
// connections tagged with that UUID to this handler's Deliver method.
func WithOnClientID(fn func(uuid.UUID)) ServerOption {
	return func(s *serverSettings) {
		s.onClientID = fn
	}
}
