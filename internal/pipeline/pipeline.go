// Package pipeline carries frames from an ingest connection into the
// relay. Publisher fixes the publication order (stats, then cache and
// fan-out); Pump drives a framing.Extractor from a byte stream.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/zsiec/camrelay/internal/framing"
	"github.com/zsiec/camrelay/internal/media"
)

// ReadSize is the size of each read from a producer byte stream.
const ReadSize = 8192

// Broadcaster is the subset of distribution.Relay the pipeline publishes
// into.
type Broadcaster interface {
	Publish(frame *media.Frame) int
}

// FrameCounter is the subset of stats.Stats the pipeline updates.
type FrameCounter interface {
	AddFrame(source string, n int)
}

// Publisher is the single publication path shared by every ingest
// protocol.
type Publisher struct {
	relay Broadcaster
	stats FrameCounter
}

// NewPublisher creates a Publisher. stats may be nil.
func NewPublisher(relay Broadcaster, stats FrameCounter) *Publisher {
	return &Publisher{relay: relay, stats: stats}
}

// Publish counts frame in stats, then hands it to the relay, which
// overwrites the latest-frame cache and broadcasts it. It returns the
// number of subscribers reached.
func (p *Publisher) Publish(frame *media.Frame) int {
	if p.stats != nil {
		p.stats.AddFrame(frame.Source, frame.Len())
	}
	return p.relay.Publish(frame)
}

// Recorder receives per-connection counters. *ingest.Source implements it.
type Recorder interface {
	RecordRead(n int)
	RecordFrame(n int)
}

// Pump extracts JPEG frames from one producer byte stream and publishes
// them in extraction order.
type Pump struct {
	log       *slog.Logger
	source    string
	input     io.Reader
	pub       *Publisher
	extractor *framing.Extractor
	recorder  Recorder

	frames atomic.Int64
}

// NewPump creates a Pump reading from input. source names the ingest
// protocol recorded on each frame; maxBuffer bounds the extraction buffer
// (non-positive selects framing.DefaultMaxBuffer). If log is nil,
// slog.Default() is used.
func NewPump(source string, input io.Reader, pub *Publisher, maxBuffer int, log *slog.Logger) *Pump {
	if log == nil {
		log = slog.Default()
	}
	return &Pump{
		log:       log,
		source:    source,
		input:     input,
		pub:       pub,
		extractor: framing.NewExtractor(maxBuffer),
	}
}

// SetRecorder attaches per-connection counters.
func (p *Pump) SetRecorder(r Recorder) {
	p.recorder = r
}

// Frames returns the number of frames published by this pump.
func (p *Pump) Frames() int64 {
	return p.frames.Load()
}

// Run reads until end of stream, a read error, or ctx cancellation.
// End of stream and reads failing after cancellation return nil. Other
// read errors are returned; they end only this stream. Bytes still
// buffered at the end are discarded.
func (p *Pump) Run(ctx context.Context) error {
	buf := make([]byte, ReadSize)
	overflows := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := p.input.Read(buf)
		if n > 0 {
			if p.recorder != nil {
				p.recorder.RecordRead(n)
			}
			for _, data := range p.extractor.Write(buf[:n]) {
				p.publish(data)
			}
			if o := p.extractor.Overflows(); o != overflows {
				overflows = o
				p.log.Warn("ingest buffer overflow", "max_buffer", p.extractor.MaxBuffer(), "retained", p.extractor.Buffered())
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.log.Debug("end of stream", "frames", p.frames.Load(), "discarded", p.extractor.Buffered())
				return nil
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read %s stream: %w", p.source, err)
		}
	}
}

func (p *Pump) publish(data []byte) {
	frame := media.NewFrame(data, p.source)
	n := p.pub.Publish(frame)
	p.frames.Add(1)
	if p.recorder != nil {
		p.recorder.RecordFrame(len(data))
	}
	p.log.Debug("frame published", "bytes", len(data), "subscribers", n)
}
