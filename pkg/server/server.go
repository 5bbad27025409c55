// Package server implements the line-oriented TCP transport.
package server

import (
	"bufio"
	"errors"
	"net"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zfoobar/kvs/pkg/metrics"
	"github.com/zfoobar/kvs/pkg/protocol"
	"github.com/zfoobar/kvs/pkg/wire"
)

var (
	ErrServerClosed = errors.New("server is closed")
)

// Config contains server configuration
type Config struct {
	Address      string
	IdleTimeout  time.Duration
	MaxLineBytes int
}

// DefaultConfig returns the default server configuration
func DefaultConfig() *Config {
	return &Config{
		Address:      ":8888",
		IdleTimeout:  5 * time.Minute,
		MaxLineBytes: 1 << 20,
	}
}

// Server accepts TCP connections and feeds each one's command lines to the
// processor. Every connection gets an opaque session id; per-session commands
// are processed sequentially by the connection's own goroutine, which is what
// gives the processor its in-order delivery guarantee.
type Server struct {
	processor *protocol.Processor
	config    *Config
	log       *zap.Logger
	metrics   *metrics.Metrics

	listener net.Listener
	clients  map[string]*ClientConn
	mu       sync.RWMutex
	closed   bool
}

// New creates a new server. config, logger and m may be nil.
func New(p *protocol.Processor, config *Config, logger *zap.Logger, m *metrics.Metrics) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Server{
		processor: p,
		config:    config,
		log:       logger,
		metrics:   m,
		clients:   make(map[string]*ClientConn),
	}
}

// ListenAndServe starts listening on the given address and serves until the
// server is closed.
func (s *Server) ListenAndServe(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve accepts connections from the listener until the server is closed.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		listener.Close()
		return ErrServerClosed
	}
	s.listener = listener
	s.mu.Unlock()

	s.log.Info("listening", zap.String("addr", listener.Addr().String()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.RLock()
			closed := s.closed
			s.mu.RUnlock()
			if closed {
				return nil
			}
			return err
		}

		client := &ClientConn{
			ID:     uuid.NewString(),
			Conn:   conn,
			Server: s,
		}

		s.mu.Lock()
		s.clients[client.ID] = client
		s.mu.Unlock()
		s.metrics.ConnectedSessions.Inc()

		s.log.Debug("client connected",
			zap.String("session", client.ID),
			zap.String("remote", conn.RemoteAddr().String()),
		)

		go client.Handle()
	}
}

// Addr returns the listen address, or nil before Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ClientCount returns the number of connected sessions.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Close closes the server and all client connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	for _, client := range s.clients {
		client.Conn.Close()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	return nil
}

func (s *Server) removeClient(id string) {
	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
	s.metrics.ConnectedSessions.Dec()
}

// ClientConn represents a client connection and its session.
type ClientConn struct {
	ID     string
	Conn   net.Conn
	Server *Server
}

// Handle reads command lines until the client disconnects. Any transaction
// left open is discarded, the equivalent of an implicit ROLLBACK.
func (c *ClientConn) Handle() {
	s := c.Server

	defer func() {
		c.Conn.Close()
		s.removeClient(c.ID)
		s.processor.EndSession(c.ID)
		s.log.Debug("client disconnected", zap.String("session", c.ID))
	}()

	scanner := bufio.NewScanner(c.Conn)
	scanner.Buffer(make([]byte, 0, 4096), s.config.MaxLineBytes)

	for {
		if s.config.IdleTimeout > 0 {
			c.Conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				s.log.Debug("read failed", zap.String("session", c.ID), zap.Error(err))
			}
			return
		}

		line := scanner.Text()
		if !utf8.ValidString(line) {
			c.Conn.Write([]byte("ERROR: Invalid UTF-8 sequence\n"))
			return
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		resp := s.processor.Process(c.ID, line)
		data, err := wire.Encode(resp)
		if err != nil {
			s.log.Error("encode failed", zap.String("session", c.ID), zap.Error(err))
			return
		}
		if _, err := c.Conn.Write(append(data, '\n')); err != nil {
			return
		}
	}
}
