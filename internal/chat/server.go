package chat

import (
	"log/slog"
	"net"
	"sync"
	"time"
)

// Server accepts client connections and runs one session goroutine per
// connection, bounded by the configured client cap.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	creds    *CredentialStore
	reg      *Registry
	listener net.Listener
	slots    chan struct{}
	stopped  chan struct{}
	wg       sync.WaitGroup
}

func NewServer(cfg Config, creds *CredentialStore, logger *slog.Logger) *Server {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if creds == nil {
		creds = SeededCredentialStore()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		creds:   creds,
		reg:     NewRegistry(cfg, logger),
		slots:   make(chan struct{}, cfg.MaxClients),
		stopped: make(chan struct{}),
	}
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = ln

	go s.reg.Run()
	go s.acceptLoop(ln)

	s.logger.Info("server started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address, useful when configured with port 0.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop closes the listener, walks every registered session through its leave
// path, and gives in-flight workers a bounded grace period to drain.
func (s *Server) Stop() {
	s.logger.Info("shutting down")

	close(s.stopped)
	if s.listener != nil {
		_ = s.listener.Close()
	}

	done := make(chan error, 1)
	s.reg.Events() <- Event{Type: EventShutdown, ReplyChan: done}
	<-done

	idle := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-time.After(s.cfg.ShutdownGrace):
		s.logger.Warn("grace period elapsed with sessions still active", "grace", s.cfg.ShutdownGrace)
	}

	s.reg.Stop()
	s.reg.Wait()

	s.logger.Info("shutdown complete")
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Listener closed: normal shutdown.
			return
		}

		s.logger.Info("client connected", "addr", conn.RemoteAddr().String())

		// A full slot table means the bound is reached; the accepted
		// connection waits for a slot rather than being dropped.
		select {
		case s.slots <- struct{}{}:
		case <-s.stopped:
			_ = conn.Close()
			return
		}

		sess := NewSession(conn, s.cfg.SendBuffer)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.slots }()
			s.handleSession(sess)
		}()
	}
}
