// Package server implements the livelock TCP server: the listener, the
// per-connection protocol state machine and the protocol error table.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/livelock/internal/lock"
	"github.com/kneutral-org/livelock/internal/metrics"
	"github.com/kneutral-org/livelock/internal/resp"
)

// Server accepts client connections and runs one session per connection.
// All sessions share one lock.Storage.
type Server struct {
	storage      lock.Storage
	logger       zerolog.Logger
	password     string
	maxPayload   int
	commandRate  float64
	commandBurst int
	newID        func() string

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithPassword requires clients to send PASS with this password first.
// An empty password disables authentication.
func WithPassword(password string) Option {
	return func(s *Server) {
		s.password = password
	}
}

// WithMaxPayload bounds the size of a single command in bytes.
func WithMaxPayload(n int) Option {
	return func(s *Server) {
		s.maxPayload = n
	}
}

// WithCommandRate limits each connection to perSecond commands per second
// with the given burst. Excess commands are delayed, not rejected.
func WithCommandRate(perSecond float64, burst int) Option {
	return func(s *Server) {
		s.commandRate = perSecond
		s.commandBurst = burst
	}
}

// WithIDGenerator replaces the generator of client ids issued by CONN.
func WithIDGenerator(fn func() string) Option {
	return func(s *Server) {
		s.newID = fn
	}
}

// New creates a server backed by storage.
func New(storage lock.Storage, logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		storage:    storage,
		logger:     logger.With().Str("component", "server").Logger(),
		maxPayload: resp.DefaultMaxPayload,
		newID:      uuid.NewString,
		conns:      make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. On cancellation it
// closes the listener and every open connection, waits for their sessions to
// finish and returns nil.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("lock server listening")

	stop := context.AfterFunc(ctx, s.shutdown)
	defer stop()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				s.logger.Info().Msg("lock server stopped")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return err
			}

			backoff = nextBackoff(backoff)
			s.logger.Error().Err(err).Dur("retryIn", backoff).Msg("failed to accept connection")
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if !s.track(conn) {
			_ = conn.Close()
			continue
		}
		s.wg.Add(1)
		go s.handle(ctx, conn)
	}
}

// Addr returns the listener address, or nil before Serve is called.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveConnections returns the number of open client connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)

	metrics.ConnectionOpened()
	defer metrics.ConnectionClosed()

	sess := newSession(conn, s)
	sess.logger.Debug().Msg("connection accepted")
	sess.serve(ctx)
	_ = conn.Close()
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// shutdown closes the listener and every tracked connection. Sessions then
// observe a read error and run their connection-loss handling.
func (s *Server) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		_ = s.listener.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = nil
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}
