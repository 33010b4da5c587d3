// Package srt accepts camera producers publishing an unframed JPEG byte
// stream over SRT (Secure Reliable Transport). Frames are extracted the
// same way as on the TCP path.
package srt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/camrelay/internal/ingest"
	"github.com/zsiec/camrelay/internal/media"
	"github.com/zsiec/camrelay/internal/pipeline"
)

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// PayloadSize is the largest message a producer should write per call.
const PayloadSize = 1316

// Server accepts incoming SRT publish connections.
type Server struct {
	log       *slog.Logger
	addr      string
	key       string
	registry  *ingest.Registry
	pub       *pipeline.Publisher
	maxBuffer int
}

// NewServer creates an SRT server that listens on addr. If key is not
// empty only publishers whose stream ID resolves to key are accepted. If
// log is nil, slog.Default() is used.
func NewServer(addr, key string, registry *ingest.Registry, pub *pipeline.Publisher, maxBuffer int, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:       log.With("component", "srt-ingest"),
		addr:      addr,
		key:       key,
		registry:  registry,
		pub:       pub,
		maxBuffer: maxBuffer,
	}
}

// Start begins accepting SRT publish connections. It blocks until the
// context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if !s.accepts(req.StreamID) {
			s.log.Info("rejecting publisher", "stream_id", req.StreamID)
			return srtgo.RejPeer
		}
		return 0
	})

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

		streamKey := extractStreamKey(conn.StreamID())
		s.log.Info("publish", "stream_key", streamKey, "remote", conn.RemoteAddr())

		go s.handleConnection(ctx, conn, streamKey)
	}
}

func (s *Server) accepts(streamID string) bool {
	return s.key == "" || extractStreamKey(streamID) == s.key
}

func (s *Server) handleConnection(ctx context.Context, conn *srtgo.Conn, streamKey string) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	err := s.registry.Serve(ctx, ingest.Stream{
		Key:        streamKey,
		Protocol:   media.SourceSRT,
		RemoteAddr: conn.RemoteAddr().String(),
		Input:      conn,
	}, s.pub, s.maxBuffer, s.log)
	if err != nil {
		s.log.Debug("read error", "stream_key", streamKey, "error", err)
	}
}

func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
