package distribution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/camrelay/internal/certs"
	"github.com/zsiec/camrelay/internal/media"
)

// quicStreamWriteTimeout bounds the write of one frame stream.
const quicStreamWriteTimeout = 5 * time.Second

// QUICServer serves viewers over QUIC. Each frame travels on its own
// unidirectional stream as varint(sequence), varint(length), payload, so a
// stalled frame never blocks the ones behind it.
type QUICServer struct {
	log   *slog.Logger
	addr  string
	cert  *certs.CertInfo
	relay *Relay
	gauge ConsumerGauge
	ready chan net.Addr
}

// NewQUICServer creates a QUIC viewer server on addr presenting cert. If
// log is nil, slog.Default() is used.
func NewQUICServer(addr string, cert *certs.CertInfo, relay *Relay, gauge ConsumerGauge, log *slog.Logger) *QUICServer {
	if log == nil {
		log = slog.Default()
	}
	return &QUICServer{
		log:   log.With("component", "quic-server"),
		addr:  addr,
		cert:  cert,
		relay: relay,
		gauge: gauge,
		ready: make(chan net.Addr, 1),
	}
}

// Ready yields the bound UDP address once the listener is up.
func (s *QUICServer) Ready() <-chan net.Addr {
	return s.ready
}

// Start listens and accepts viewers until ctx is cancelled.
func (s *QUICServer) Start(ctx context.Context) error {
	l, err := quic.ListenAddr(s.addr, s.cert.ServerTLSConfig(), &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("QUIC listen on %s: %w", s.addr, err)
	}
	defer l.Close()

	s.log.Info("listening", "addr", l.Addr().String(), "fingerprint", s.cert.FingerprintBase64())
	s.ready <- l.Addr()

	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *QUICServer) handleConnection(ctx context.Context, conn quic.Connection) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(conn.Context(), cancel)
	defer stop()

	sess := NewSession(SessionConfig{
		Relay:      s.relay,
		Writer:     &quicWriter{ctx: ctx, conn: conn},
		Gauge:      s.gauge,
		Transport:  "quic",
		RemoteAddr: conn.RemoteAddr().String(),
		Log:        s.log,
	})
	if err := sess.Run(ctx); err != nil {
		s.log.Info("viewer write failed", "remote", conn.RemoteAddr().String(), "error", err)
		_ = conn.CloseWithError(1, "write failed")
		return
	}
	_ = conn.CloseWithError(0, "relay closed")
}

// quicWriter opens one unidirectional stream per frame.
type quicWriter struct {
	ctx  context.Context
	conn quic.Connection
}

func (w *quicWriter) WriteFrame(frame *media.Frame) error {
	stream, err := w.conn.OpenUniStreamSync(w.ctx)
	if err != nil {
		return fmt.Errorf("open frame stream: %w", err)
	}
	_ = stream.SetWriteDeadline(time.Now().Add(quicStreamWriteTimeout))

	hdr := make([]byte, 0, 16)
	hdr = quicvarint.Append(hdr, frame.Seq)
	hdr = quicvarint.Append(hdr, uint64(frame.Len()))
	if _, err := stream.Write(hdr); err != nil {
		stream.CancelWrite(0)
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := stream.Write(frame.Data); err != nil {
		stream.CancelWrite(0)
		return fmt.Errorf("write frame payload: %w", err)
	}
	return stream.Close()
}

// ReadQUICFrame reads one frame stream written by the QUIC server and
// returns the publish sequence and JPEG payload.
func ReadQUICFrame(r io.Reader) (uint64, []byte, error) {
	br := quicvarint.NewReader(r)
	seq, err := quicvarint.Read(br)
	if err != nil {
		return 0, nil, fmt.Errorf("read frame sequence: %w", err)
	}
	n, err := quicvarint.Read(br)
	if err != nil {
		return 0, nil, fmt.Errorf("read frame length: %w", err)
	}
	if n > maxQUICFrameSize {
		return 0, nil, fmt.Errorf("frame length %d exceeds %d", n, maxQUICFrameSize)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(br, data); err != nil {
		return 0, nil, fmt.Errorf("read frame payload: %w", err)
	}
	return seq, data, nil
}

// maxQUICFrameSize bounds the payload a reader will allocate.
const maxQUICFrameSize = 16 << 20
