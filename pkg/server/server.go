// Package server implements the Babble server: the acceptor, the
// per-connection read loops, the typed-message dispatch table, the shared
// session/channel store, and the broadcast engine.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/babblenet/babble/pkg/datastore"
	"github.com/babblenet/babble/pkg/protocol"
)

// Config holds server configuration.
type Config struct {
	Addr         string // TCP bind address (e.g. ":8888")
	DBPath       string // SQLite database path
	ChannelsFile string // YAML file defining channels to create on startup
	MetricsAddr  string // HTTP bind address for /metrics endpoint (empty = disabled)

	// CLI-only actions (run and exit)
	ExportChannels bool // export all channels as YAML and exit
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:        ":8888",
		MetricsAddr: ":8889",
		DBPath:      "babble.db",
	}
}

// Dependencies holds external collaborators for the server.
// Server assumes ownership of Store and will Close() it on shutdown.
type Dependencies struct {
	Store datastore.DataStore
}

// Server is the Babble server.
type Server struct {
	cfg      Config
	db       datastore.DataStore
	store    *Store
	registry *Registry
	handlers map[protocol.MessageType]handlerFunc
	metrics  *Metrics

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		db:       deps.Store,
		store:    NewStore(deps.Store),
		registry: NewRegistry(),
		metrics:  NewMetrics(),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.handlers = s.newDispatchTable()
	return s
}

// Store returns the session & channel store.
func (s *Server) Store() *Store {
	return s.store
}

// Registry returns the connection registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the listener and launches the accept loop. The accept loop
// only accepts and spawns; everything else happens on the per-connection
// goroutines.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.listener = ln
	slog.Info("server listening", "addr", ln.Addr())

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
					slog.Error("accept error", "err", err)
					continue
				}
			}
			s.acceptConn(conn)
		}
	}()

	return nil
}

// acceptConn registers a fresh connection and spawns its handler goroutine.
func (s *Server) acceptConn(netConn net.Conn) {
	c := NewConn(netConn)
	s.registry.Add(c)
	s.metrics.ConnectionsTotal.Inc()
	s.metrics.ActiveConnections.Inc()
	slog.Info("client connected", "remote", c.RemoteAddr(), "connected", s.registry.Count())

	s.wg.Add(1)
	go s.handleConn(c)
}

// handleConn is the per-connection loop: it blocks on the next message,
// dispatches it, and on exit — read failure, client disconnect, or server
// shutdown — performs teardown exactly once. Handler panics are contained
// by dispatch and do not end the loop; transport errors do.
func (s *Server) handleConn(c *Conn) {
	defer s.wg.Done()
	defer s.cleanupConn(c)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		msg, err := c.ReadMessage()
		if err != nil {
			if err == io.EOF || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("read error", "remote", c.RemoteAddr(), "err", err)
			return
		}

		s.dispatch(c, msg)
	}
}

// cleanupConn is the single teardown path for a connection: notify the
// remaining clients, close the socket, drop the connection from the
// registry, and remove the session (if any) from its channel and the store.
func (s *Server) cleanupConn(c *Conn) {
	sess := c.Session()
	if sess != nil {
		// Announce before the registry drop; the broadcast excludes the
		// leaving connection itself.
		if snapshot, err := s.store.FindUser(sess.ID); err == nil {
			s.broadcastAll(c, protocol.MustMessage(protocol.TypeUserDisconnected, snapshot), false)
		}
	}

	_ = c.Close()
	s.registry.Remove(c)
	if sess != nil {
		s.store.RemoveUser(sess.ID)
	}

	s.metrics.ActiveConnections.Dec()
	s.metrics.DisconnectsTotal.Inc()

	username := "<unknown>"
	if sess != nil {
		username = sess.User.Username
	}
	slog.Info("client disconnected", "user", username, "remote", c.RemoteAddr(), "connected", s.registry.Count())
}
