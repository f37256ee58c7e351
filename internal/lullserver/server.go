// Package lullserver owns the TCP listener and shared UDP ping socket and
// demultiplexes incoming connections into per-client internal/control
// sessions, the way internal/server.Server owned a single hub-backed accept
// loop for the CAN bridge.
package lullserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crusader-labs/lull/internal/control"
	"github.com/crusader-labs/lull/internal/logging"
	"github.com/crusader-labs/lull/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is,
// mirroring the teacher's internal/server/errors.go.
var (
	ErrListen  = errors.New("listen")
	ErrAccept  = errors.New("accept")
	ErrContext = errors.New("context_cancelled")
)

// Server accepts every connection for the measurement protocol on one TCP
// listener and one UDP socket, peeking the leading connKind/streamHello
// bytes to route each bulk connection to the control session it belongs to.
type Server struct {
	mu         sync.RWMutex
	addr       string
	maxClients int

	readyOnce sync.Once
	readyCh   chan struct{}
	errCh     chan error
	lastErrMu sync.Mutex
	lastErr   error

	listener net.Listener
	udpConn  *net.UDPConn

	sessMu         sync.Mutex
	sessions       map[uuid.UUID]*control.ConnHandler
	pendingStreams map[uuid.UUID][]pendingStream

	logger *slog.Logger
	opts   []control.ServerOption
	wg     sync.WaitGroup
	now    func() int64
}

type Option func(*Server)

func NewServer(opts ...Option) *Server {
	s := &Server{
		readyCh:        make(chan struct{}),
		errCh:          make(chan error, 4),
		sessions:       make(map[uuid.UUID]*control.ConnHandler),
		pendingStreams: make(map[uuid.UUID][]pendingStream),
		logger:         logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	return s
}

// WithListenAddr sets the TCP/UDP bind address; both share the same port.
func WithListenAddr(a string) Option { return func(s *Server) { s.addr = a } }

// WithMaxClients rejects new control connections once the active client
// count reaches n. 0 means unlimited.
func WithMaxClients(n int) Option { return func(s *Server) { s.maxClients = n } }

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSessionOptions forwards control.ServerOption values to every
// per-client control.ConnHandler this server creates.
func WithSessionOptions(opts ...control.ServerOption) Option {
	return func(s *Server) { s.opts = append(s.opts, opts...) }
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) SetListenAddr(a string) { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}

func (s *Server) LastError() error {
	s.lastErrMu.Lock()
	defer s.lastErrMu.Unlock()
	return s.lastErr
}

// Serve binds the listener and UDP socket and runs until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.RLock()
	addr := s.addr
	s.mu.RUnlock()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError("listen")
		s.setError(wrap)
		return wrap
	}
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	pc, err := net.ListenPacket("udp", net.JoinHostPort("", port))
	if err != nil {
		_ = ln.Close()
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError("listen")
		s.setError(wrap)
		return wrap
	}
	udpConn := pc.(*net.UDPConn)

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.listener = ln
	s.udpConn = udpConn
	s.mu.Unlock()

	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr())

	clockStart := time.Now()
	s.now = func() int64 { return int64(time.Since(clockStart) / time.Microsecond) }
	router := control.NewPingRouter(udpConn, s.now)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := router.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("ping_router_error", "error", err)
		}
	}()

	go func() { <-ctx.Done(); _ = ln.Close(); _ = udpConn.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			wrap := fmt.Errorf("%w: %v", ErrAccept, err)
			metrics.IncError("accept")
			s.setError(wrap)
			return wrap
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn reads the single leading byte every connection starts with and
// routes it to either a fresh control session or an existing one's stream
// channel, per the connKind convention in internal/control.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	kindBuf := make([]byte, 1)
	if _, err := conn.Read(kindBuf); err != nil {
		_ = conn.Close()
		return
	}
	switch kindBuf[0] {
	case control.KindControlByte:
		s.handleControlConn(ctx, conn)
	case control.KindStreamByte:
		s.handleStreamConn(conn)
	default:
		_ = conn.Close()
	}
}

func (s *Server) handleControlConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if s.maxClients > 0 {
		s.sessMu.Lock()
		n := len(s.sessions)
		s.sessMu.Unlock()
		if n >= s.maxClients {
			s.logger.Warn("client_reject_max", "max_clients", s.maxClients)
			return
		}
	}

	var id uuid.UUID
	var handler *control.ConnHandler
	onID := func(got uuid.UUID) {
		id = got
		s.registerSession(got, handler)
	}
	opts := append([]control.ServerOption{control.WithOnClientID(onID), control.WithServerClock(s.now)}, s.opts...)
	handler = control.NewConnHandler(opts...)

	if err := handler.Serve(ctx, conn); err != nil {
		s.logger.Warn("session_error", "error", err)
		s.setError(err)
	}
	if id != (uuid.UUID{}) {
		s.unregisterSession(id)
	}
}

// pendingStream holds a bulk connection that arrived before its client's
// control session finished the handshake and registered.
type pendingStream struct {
	groupID uint32
	conn    net.Conn
}

func (s *Server) handleStreamConn(conn net.Conn) {
	header, err := control.ReadStreamHeader(conn)
	if err != nil {
		_ = conn.Close()
		return
	}
	s.sessMu.Lock()
	h, ok := s.sessions[header.UUID]
	if !ok {
		s.pendingStreams[header.UUID] = append(s.pendingStreams[header.UUID], pendingStream{groupID: header.GroupID, conn: conn})
		s.sessMu.Unlock()
		return
	}
	s.sessMu.Unlock()
	h.Deliver(header.GroupID, conn)
}

func (s *Server) registerSession(id uuid.UUID, h *control.ConnHandler) {
	s.sessMu.Lock()
	s.sessions[id] = h
	backlog := s.pendingStreams[id]
	delete(s.pendingStreams, id)
	s.sessMu.Unlock()
	for _, p := range backlog {
		h.Deliver(p.groupID, p.conn)
	}
}

func (s *Server) unregisterSession(id uuid.UUID) {
	s.sessMu.Lock()
	delete(s.sessions, id)
	backlog := s.pendingStreams[id]
	delete(s.pendingStreams, id)
	s.sessMu.Unlock()
	for _, p := range backlog {
		_ = p.conn.Close()
	}
}

// Shutdown stops accepting new connections and waits for in-flight sessions
// to finish, mirroring the teacher's listener-then-wg-drain sequence.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	pc := s.udpConn
	s.listener = nil
	s.udpConn = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	if pc != nil {
		_ = pc.Close()
	}
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		return nil
	}
}
