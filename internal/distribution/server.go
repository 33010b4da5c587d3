package distribution

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/zsiec/camrelay/internal/media"
)

// Server accepts raw TCP viewers. Each viewer receives the cached latest
// frame immediately, then one write per published frame with no framing
// beyond the JPEG markers themselves.
type Server struct {
	log   *slog.Logger
	addr  string
	relay *Relay
	gauge ConsumerGauge
	ready chan net.Addr
}

// NewServer creates a TCP viewer server listening on addr. If log is nil,
// slog.Default() is used.
func NewServer(addr string, relay *Relay, gauge ConsumerGauge, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:   log.With("component", "viewer-server"),
		addr:  addr,
		relay: relay,
		gauge: gauge,
		ready: make(chan net.Addr, 1),
	}
}

// Ready yields the bound address once the listener is up.
func (s *Server) Ready() <-chan net.Addr {
	return s.ready
}

// Start listens and accepts viewers until ctx is cancelled. A bind failure
// is returned; accept errors are logged and accepting continues.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("viewer listen on %s: %w", s.addr, err)
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

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	sess := NewSession(SessionConfig{
		Relay:      s.relay,
		Writer:     connWriter{conn},
		Gauge:      s.gauge,
		Transport:  "tcp",
		RemoteAddr: conn.RemoteAddr().String(),
		Log:        s.log,
	})
	if err := sess.Run(ctx); err != nil {
		s.log.Info("viewer write failed", "remote", conn.RemoteAddr().String(), "error", err)
	}
}

// connWriter writes each frame's bytes to a stream connection.
type connWriter struct {
	conn net.Conn
}

func (w connWriter) WriteFrame(frame *media.Frame) error {
	_, err := w.conn.Write(frame.Data)
	return err
}
