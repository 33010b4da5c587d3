// Package media defines the frame type that flows through the relay, from
// ingest (TCP extraction, UDP reassembly, SRT, pull) through distribution.
package media

import (
	"bytes"
	"time"
)

// JPEG start-of-image and end-of-image markers. Frames are delimited solely
// by these two byte pairs on every ingest path.
var (
	StartMarker = []byte{0xFF, 0xD8}
	EndMarker   = []byte{0xFF, 0xD9}
)

// Ingest protocol names recorded on frames and in stats.
const (
	SourceTCP  = "tcp"
	SourceUDP  = "udp"
	SourceSRT  = "srt"
	SourcePull = "pull"
)

// Frame is one complete JPEG image ready for relay to viewers. A Frame is
// shared read-only by the latest-frame cache and every subscriber that
// receives it; Data must not be modified after construction.
type Frame struct {
	Data       []byte
	Source     string
	ID         uint32 // producer-assigned identifier (UDP only)
	Seq        uint64 // relay-assigned publish sequence, starting at 1
	ReceivedAt time.Time
}

// NewFrame wraps data as a Frame received now from source.
func NewFrame(data []byte, source string) *Frame {
	return &Frame{
		Data:       data,
		Source:     source,
		ReceivedAt: time.Now(),
	}
}

// Len returns the frame size in bytes.
func (f *Frame) Len() int {
	return len(f.Data)
}

// HasStartMarker reports whether b begins with the JPEG start marker.
func HasStartMarker(b []byte) bool {
	return bytes.HasPrefix(b, StartMarker)
}
