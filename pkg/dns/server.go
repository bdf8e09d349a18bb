package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"adward/pkg/blocklist"
	"adward/pkg/config"
	"adward/pkg/logging"
	"adward/pkg/telemetry"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrBind is returned when the listening socket cannot be claimed
	ErrBind = errors.New("failed to bind DNS listener")

	// ErrAlreadyRunning is returned by Start on a running server
	ErrAlreadyRunning = errors.New("server already running")
)

// maxDatagramSize is the classic DNS-over-UDP limit; longer datagrams are
// truncated by the read and then fail to decode.
const maxDatagramSize = 512

// Server owns the UDP socket and the receive loop. Every datagram is handled
// on its own goroutine.
type Server struct {
	cfg     *config.Config
	handler *Handler
	lists   *blocklist.Manager
	logger  *logging.Logger
	metrics *telemetry.Metrics

	// nil when unbounded
	sem *semaphore.Weighted

	mu       sync.Mutex
	conn     net.PacketConn
	loopDone chan struct{}
	running  atomic.Bool
	// handlers of the current run; replaced on every Start
	inflight *sync.WaitGroup
}

// NewServer creates a server. Nothing is loaded or bound until Start.
func NewServer(cfg *config.Config, handler *Handler, lists *blocklist.Manager, logger *logging.Logger, metrics *telemetry.Metrics) *Server {
	if metrics == nil {
		metrics = telemetry.NoopMetrics()
	}
	s := &Server{
		cfg:     cfg,
		handler: handler,
		lists:   lists,
		logger:  logger,
		metrics: metrics,
	}
	if n := cfg.Server.MaxConcurrentQueries; n > 0 {
		s.sem = semaphore.NewWeighted(int64(n))
	}
	handler.SetBindHost(cfg.Server.Host)
	return s
}

// Start loads the block and allow lists, binds the listener and starts the
// receive loop. Lists are loaded first so a missing block directory fails
// before any socket is bound.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return ErrAlreadyRunning
	}

	if err := s.lists.Reload(ctx); err != nil {
		return fmt.Errorf("failed to load block lists: %w", err)
	}

	addr := s.cfg.ListenAddress()
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return fmt.Errorf("%w on %s: %w", ErrBind, addr, err)
	}

	s.conn = conn
	s.loopDone = make(chan struct{})
	s.inflight = new(sync.WaitGroup)
	s.running.Store(true)

	go s.serve(context.WithoutCancel(ctx), conn, s.loopDone, s.inflight)

	s.logger.Info("DNS server started",
		"address", conn.LocalAddr().String(),
		"max_concurrent_queries", s.cfg.Server.MaxConcurrentQueries)
	return nil
}

func (s *Server) serve(ctx context.Context, conn net.PacketConn, done chan struct{}, inflight *sync.WaitGroup) {
	defer close(done)

	buf := make([]byte, maxDatagramSize)
	for {
		n, client, err := conn.ReadFrom(buf)
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			// ICMP errors for earlier replies surface here on some platforms
			s.logger.Debug("Receive failed", "error", err)
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		if s.sem != nil && !s.sem.TryAcquire(1) {
			s.metrics.DNSOverloadDropped.Add(ctx, 1)
			s.logger.Debug("Dropping datagram, handler limit reached", "client", addrString(client))
			continue
		}

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			if s.sem != nil {
				defer s.sem.Release(1)
			}
			s.handler.ServeDatagram(ctx, datagram, client, conn)
		}()
	}
}

// Stop closes the socket, which ends the receive loop, then waits for
// in-flight handlers until ctx is done. Handlers are never cancelled.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running.Load() {
		s.mu.Unlock()
		return nil
	}
	s.running.Store(false)
	conn, done, inflight := s.conn, s.loopDone, s.inflight
	s.conn = nil
	s.mu.Unlock()

	s.logger.Info("Shutting down DNS server")

	closeErr := conn.Close()
	<-done

	waited := make(chan struct{})
	go func() {
		inflight.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight queries: %w", ctx.Err())
	}

	if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		return fmt.Errorf("failed to close listener: %w", closeErr)
	}
	s.logger.Info("DNS server shut down successfully")
	return nil
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Addr returns the bound address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}
