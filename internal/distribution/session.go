package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zsiec/camrelay/internal/media"
)

// FrameWriter delivers one frame to a viewer over some transport.
type FrameWriter interface {
	WriteFrame(frame *media.Frame) error
}

// ConsumerGauge tracks the number of connected viewers. *stats.Stats
// implements it.
type ConsumerGauge interface {
	ConsumerConnected() int64
	ConsumerDisconnected() int64
}

// SessionConfig holds the parameters for a viewer Session.
type SessionConfig struct {
	Relay      *Relay
	Writer     FrameWriter
	Gauge      ConsumerGauge
	Transport  string
	RemoteAddr string
	Log        *slog.Logger
}

// Session serves one viewer: the cached latest frame first, then every
// broadcast frame until the viewer goes away or the relay closes. A slow
// viewer only ever loses its own frames.
type Session struct {
	log   *slog.Logger
	relay *Relay
	w     FrameWriter
	gauge ConsumerGauge
}

// NewSession creates a Session from cfg. If cfg.Log is nil, slog.Default()
// is used.
func NewSession(cfg SessionConfig) *Session {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		log:   log.With("transport", cfg.Transport, "remote", cfg.RemoteAddr),
		relay: cfg.Relay,
		w:     cfg.Writer,
		gauge: cfg.Gauge,
	}
}

// Run serves the viewer until a write fails, the relay closes, or ctx is
// cancelled. Only a write failure is returned as an error.
func (s *Session) Run(ctx context.Context) error {
	if s.gauge != nil {
		n := s.gauge.ConsumerConnected()
		s.log.Info("viewer connected", "viewers", n)
		defer func() {
			n := s.gauge.ConsumerDisconnected()
			s.log.Info("viewer disconnected", "viewers", n)
		}()
	}

	cached, sub := s.relay.Join()
	defer s.relay.Leave(sub)
	log := s.log.With("subscriber", sub.ID())

	if cached != nil {
		if err := s.w.WriteFrame(cached); err != nil {
			return fmt.Errorf("send cached frame: %w", err)
		}
		log.Debug("sent cached frame", "bytes", cached.Len())
	}

	for {
		frame, err := sub.Recv(ctx)
		if err != nil {
			var lag *LagError
			if errors.As(err, &lag) {
				log.Info("viewer lagged", "skipped", lag.Skipped)
				continue
			}
			// ErrRelayClosed or cancellation.
			log.Debug("session ended", "reason", err)
			return nil
		}
		if err := s.w.WriteFrame(frame); err != nil {
			return fmt.Errorf("send frame: %w", err)
		}
	}
}
