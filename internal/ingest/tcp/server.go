// Package tcp accepts camera producers that push an unframed JPEG byte
// stream over TCP.
package tcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/zsiec/camrelay/internal/ingest"
	"github.com/zsiec/camrelay/internal/media"
	"github.com/zsiec/camrelay/internal/pipeline"
)

// Server accepts producer connections and extracts frames from each one
// independently.
type Server struct {
	log       *slog.Logger
	addr      string
	registry  *ingest.Registry
	pub       *pipeline.Publisher
	maxBuffer int
	ready     chan net.Addr
}

// NewServer creates a TCP producer server on addr. If log is nil,
// slog.Default() is used.
func NewServer(addr string, registry *ingest.Registry, pub *pipeline.Publisher, maxBuffer int, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:       log.With("component", "tcp-ingest"),
		addr:      addr,
		registry:  registry,
		pub:       pub,
		maxBuffer: maxBuffer,
		ready:     make(chan net.Addr, 1),
	}
}

// Ready yields the bound address once the listener is up.
func (s *Server) Ready() <-chan net.Addr {
	return s.ready
}

// Start accepts producers until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("TCP listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", l.Addr().String())
	s.ready <- l.Addr()

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	remote := conn.RemoteAddr().String()
	err := s.registry.Serve(ctx, ingest.Stream{
		Key:        remote,
		Protocol:   media.SourceTCP,
		RemoteAddr: remote,
		Input:      conn,
	}, s.pub, s.maxBuffer, s.log)
	if err != nil {
		s.log.Info("producer read failed", "remote", remote, "error", err)
	}
}
