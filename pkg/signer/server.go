package signer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/jnovack/cert-forge/pkg/agentproto"
)

// Metrics receives counters from the serving loop. The admin package provides
// an implementation; tests usually pass nil.
type Metrics interface {
	IncRequests()
	IncSigned()
	IncFailed()
	IncDropped()
	InflightAdd(id string)
	InflightRemove(id string)
	ObserveSignDuration(d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) IncRequests()                      {}
func (nopMetrics) IncSigned()                        {}
func (nopMetrics) IncFailed()                        {}
func (nopMetrics) IncDropped()                       {}
func (nopMetrics) InflightAdd(string)                {}
func (nopMetrics) InflightRemove(string)             {}
func (nopMetrics) ObserveSignDuration(time.Duration) {}

// ServerConfig tunes the datagram listener.
type ServerConfig struct {
	// Addr is the UDP listen address, e.g. "127.0.0.1:2999".
	Addr string
	// MaxInflight bounds concurrent signing work. Datagrams arriving beyond
	// the bound are dropped; the client retries by timing out.
	MaxInflight int64
	// ReadBufferSize is the per-datagram receive buffer.
	ReadBufferSize int
	// Metrics is optional.
	Metrics Metrics
}

// Server answers signing requests over UDP. Each datagram is one request;
// the reply goes back to the sender's address. A request that cannot be
// served gets no reply at all, so a failure and a lost packet look the same
// to the client.
type Server struct {
	backend *Backend
	cfg     ServerConfig
	conn    net.PacketConn
	sem     *semaphore.Weighted
	metrics Metrics
}

// NewServer binds the listen socket. Call Serve to start answering.
func NewServer(backend *Backend, cfg ServerConfig) (*Server, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:2999"
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 64
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 64 << 10
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	conn, err := net.ListenPacket("udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("signer: listen %s: %w", cfg.Addr, err)
	}
	return &Server{
		backend: backend,
		cfg:     cfg,
		conn:    conn,
		sem:     semaphore.NewWeighted(cfg.MaxInflight),
		metrics: cfg.Metrics,
	}, nil
}

// LocalAddr returns the bound address, useful when listening on port 0.
func (s *Server) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Serve reads datagrams until ctx is cancelled or the socket fails.
func (s *Server) Serve(ctx context.Context) error {
	log.Info().Str("addr", s.conn.LocalAddr().String()).Msg("signing daemon listening")
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()
	buf := make([]byte, s.cfg.ReadBufferSize)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("signer: read datagram: %w", err)
		}
		s.metrics.IncRequests()
		if !s.sem.TryAcquire(1) {
			s.metrics.IncDropped()
			log.Warn().Str("from", from.String()).Msg("dropping request, signing queue full")
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		go func(pkt []byte, from net.Addr) {
			defer s.sem.Release(1)
			s.handle(pkt, from)
		}(pkt, from)
	}
}

// Close shuts the listen socket down.
func (s *Server) Close() error {
	return s.conn.Close()
}

func (s *Server) handle(pkt []byte, from net.Addr) {
	id := uuid.New().String()
	s.metrics.InflightAdd(id)
	defer s.metrics.InflightRemove(id)
	req, err := agentproto.DecodeRequest(pkt)
	if err != nil {
		s.metrics.IncFailed()
		log.Warn().Str("id", id).Str("from", from.String()).Err(err).Msg("undecodable request")
		return
	}
	logger := log.With().
		Str("id", id).
		Str("host", req.Host).
		Str("service", req.Service.String()).
		Str("usage", req.Usage.String()).
		Logger()

	start := time.Now()
	resp, err := s.backend.Sign(req)
	s.metrics.ObserveSignDuration(time.Since(start))
	if err != nil {
		s.metrics.IncFailed()
		logger.Warn().Err(err).Msg("signing failed")
		return
	}
	out, err := resp.Encode()
	if err != nil {
		s.metrics.IncFailed()
		logger.Error().Err(err).Msg("encode response")
		return
	}
	if _, err := s.conn.WriteTo(out, from); err != nil {
		s.metrics.IncFailed()
		logger.Warn().Err(err).Msg("send response")
		return
	}
	s.metrics.IncSigned()
	logger.Debug().
		Dur("elapsed", time.Since(start)).
		Int("bytes", len(out)).
		Msg("certificate minted")
}
