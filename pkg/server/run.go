package server

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Run starts the server and blocks until a shutdown signal.
func (s *Server) Run() error {
	if s.db == nil {
		return fmt.Errorf("server: missing store dependency")
	}
	defer func() { _ = s.db.Close() }()

	// Rebuild channel state from persistence; creates the lobby on first boot.
	if err := s.store.Load(); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	// Load channels from YAML config if provided
	if s.cfg.ChannelsFile != "" {
		if err := LoadChannelsFromYAML(s.cfg.ChannelsFile, s.db); err != nil {
			slog.Error("failed to load channels config", "err", err)
		}
		if err := s.store.Load(); err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	if err := s.Start(); err != nil {
		return err
	}

	slog.Info("Babble server running", "addr", s.cfg.Addr)

	s.StartMetricsHTTP()
	s.startPeriodicStatusLog(60 * time.Second)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")
	s.Shutdown()
	return nil
}

// Shutdown gracefully stops the server: the acceptor stops first, then
// every connection is closed so its handler unwinds through the standard
// teardown, and finally the handlers are drained.
func (s *Server) Shutdown() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for _, c := range s.registry.All() {
		_ = c.Close()
	}
	s.wg.Wait()
}

// startPeriodicStatusLog logs a status summary every interval until
// shutdown.
func (s *Server) startPeriodicStatusLog(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				sessions, channels := s.store.Counts()
				slog.Info("status",
					"connections", s.registry.Count(),
					"sessions", sessions,
					"channels", channels,
				)
			}
		}
	}()
}
