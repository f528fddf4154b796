// Package gateway is the UDP front of the relay: it accepts DNS queries,
// hands each one to the proxy path, and writes the replies back.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"doh-relay/pkg/codec"
	"doh-relay/pkg/config"
	"doh-relay/pkg/logging"
	"doh-relay/pkg/ratelimit"
	"doh-relay/pkg/storage"
	"doh-relay/pkg/telemetry"
)

// maxDatagramSize bounds an inbound query datagram. Queries are small; the
// generous read buffer just avoids truncating EDNS-padded ones.
const maxDatagramSize = 4096

// shutdownGrace bounds how long Stop waits for in-flight queries.
const shutdownGrace = 5 * time.Second

// Fetcher performs one upstream fetch. *upstream.Client satisfies it; tests
// substitute doubles.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Server owns the UDP socket and the per-query goroutines.
type Server struct {
	cfg     *config.Config
	fetcher Fetcher
	limiter *ratelimit.Manager
	store   storage.Storage
	logger  *logging.Logger
	metrics *telemetry.Metrics

	format       codec.Format
	answerTTL    uint32
	baseURL      string
	subnetSuffix string
	upstreamHost string

	conn    *net.UDPConn
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewServer wires the proxy path together. The request URL prefix and the
// EDNS subnet suffix are computed once here, not per query.
func NewServer(cfg *config.Config, fetcher Fetcher, limiter *ratelimit.Manager, store storage.Storage, logger *logging.Logger, metrics *telemetry.Metrics) (*Server, error) {
	format, err := codec.ParseFormat(cfg.Upstream.BodyFormat)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:          cfg,
		fetcher:      fetcher,
		limiter:      limiter,
		store:        store,
		logger:       logger,
		metrics:      metrics,
		format:       format,
		answerTTL:    uint32(cfg.Upstream.AnswerTTL / time.Second),
		upstreamHost: cfg.UpstreamHost(),
	}
	s.baseURL, s.subnetSuffix = buildURLParts(&cfg.Upstream)
	return s, nil
}

// Start binds the listen socket and serves until ctx is cancelled or the
// socket fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}

	addr, err := net.ResolveUDPAddr("udp", s.cfg.Server.ListenAddress)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("invalid listen address %q: %w", s.cfg.Server.ListenAddress, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("binding %s: %w", s.cfg.Server.ListenAddress, err)
	}

	serveCtx, cancel := context.WithCancel(ctx)
	s.conn = conn
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.logger.Info("DNS gateway listening",
		"address", s.cfg.Server.ListenAddress,
		"upstream", s.cfg.Upstream.Endpoint,
		"format", s.format.String(),
	)

	errChan := make(chan error, 1)
	go func() {
		errChan <- s.readLoop(serveCtx)
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		return err
	}
}

// readLoop pulls datagrams off the socket and dispatches them. It returns
// nil once the socket closes during shutdown.
func (s *Server) readLoop(ctx context.Context) error {
	buf := make([]byte, maxDatagramSize)
	for {
		n, raddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("reading from socket: %w", err)
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		s.dispatch(ctx, raddr, payload)
	}
}

// dispatch applies rate limiting and kicks off a query goroutine. Each
// query is independent; a slow upstream fetch never blocks the read loop.
func (s *Server) dispatch(ctx context.Context, raddr *net.UDPAddr, payload []byte) {
	if s.metrics != nil {
		s.metrics.QueriesTotal.Add(ctx, 1)
	}

	if !s.limiter.Allow(raddr.IP.String()) {
		if s.metrics != nil {
			s.metrics.RateLimitDropped.Add(ctx, 1)
		}
		s.logger.Debug("Query dropped by rate limit", "client", raddr.IP.String())
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handleQuery(ctx, raddr, payload)
	}()
}

// LocalAddr returns the bound socket address, or nil before Start.
func (s *Server) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop closes the socket, cancels in-flight fetches and waits briefly for
// query goroutines to drain. No replies are sent after Stop begins.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	conn := s.conn
	s.mu.Unlock()

	s.logger.Info("Shutting down DNS gateway")

	cancel()
	err := conn.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGrace):
		s.logger.Warn("Shutdown grace period elapsed with queries in flight")
	}

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
