// Package udp receives JPEG frames split into fragments across UDP
// datagrams and reassembles them for the relay.
package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/zsiec/camrelay/internal/fragment"
	"github.com/zsiec/camrelay/internal/ingest"
	"github.com/zsiec/camrelay/internal/media"
	"github.com/zsiec/camrelay/internal/pipeline"
)

// readBufferBytes is the socket receive buffer requested for bursts of
// fragments.
const readBufferBytes = 4 << 20

// Server owns the UDP socket and the reassembly state. The reassembler is
// only touched by the receive goroutine.
type Server struct {
	log      *slog.Logger
	addr     string
	registry *ingest.Registry
	pub      *pipeline.Publisher
	cfg      fragment.Config
	ready    chan net.Addr
}

// NewServer creates a UDP fragment receiver on addr. If log is nil,
// slog.Default() is used.
func NewServer(addr string, registry *ingest.Registry, pub *pipeline.Publisher, cfg fragment.Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "udp-ingest"),
		addr:     addr,
		registry: registry,
		pub:      pub,
		cfg:      cfg,
		ready:    make(chan net.Addr, 1),
	}
}

// Ready yields the bound address once the socket is open.
func (s *Server) Ready() <-chan net.Addr {
	return s.ready
}

// Start receives datagrams until ctx is cancelled. Malformed, stale,
// duplicate and non-JPEG input is logged and dropped; it never ends the
// loop.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", s.addr)
	if err != nil {
		return fmt.Errorf("UDP listen on %s: %w", s.addr, err)
	}
	defer pc.Close()
	if uc, ok := pc.(*net.UDPConn); ok {
		if err := uc.SetReadBuffer(readBufferBytes); err != nil {
			s.log.Debug("set read buffer", "error", err)
		}
	}
	s.log.Info("listening", "addr", pc.LocalAddr().String())
	s.ready <- pc.LocalAddr()

	stop := context.AfterFunc(ctx, func() { pc.Close() })
	defer stop()

	src := s.registry.Register("udp", media.SourceUDP, "")
	defer s.registry.Unregister(src.ID)

	ra := fragment.NewReassembler(s.cfg)
	ra.OnEvict = func(e fragment.Evicted) {
		s.log.Debug("incomplete frame discarded", "frame_id", e.FrameID, "received", e.Received, "total", e.Total)
	}

	buf := make([]byte, fragment.MaxDatagramSize)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("read error", "error", err)
			continue
		}
		src.RecordRead(n)
		src.SetRemoteAddr(from.String())
		s.handleDatagram(ra, src, buf[:n], from)
	}
}

func (s *Server) handleDatagram(ra *fragment.Reassembler, src *ingest.Source, pkt []byte, from net.Addr) {
	done, err := ra.Add(pkt, time.Now())
	if err != nil {
		if errors.Is(err, fragment.ErrNotJPEG) {
			s.log.Warn("dropping reassembled frame", "remote", from.String(), "error", err)
			return
		}
		s.log.Debug("dropping datagram", "remote", from.String(), "bytes", len(pkt), "error", err)
		return
	}
	if done == nil {
		return
	}

	frame := media.NewFrame(done.Data, media.SourceUDP)
	frame.ID = done.FrameID
	n := s.pub.Publish(frame)
	src.RecordFrame(len(done.Data))
	s.log.Debug("frame reassembled", "frame_id", done.FrameID, "fragments", done.Fragments, "bytes", len(done.Data), "subscribers", n)
}
