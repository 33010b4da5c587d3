// Package framing extracts JPEG frames from an unframed byte stream. Frames
// carry no length prefix: each one is the inclusive span between a start
// marker (FF D8) and the first end marker (FF D9) that follows it.
package framing

import (
	"bytes"

	"github.com/zsiec/camrelay/internal/media"
)

// DefaultMaxBuffer bounds the bytes held while waiting for an end marker.
const DefaultMaxBuffer = 500_000

// Extractor accumulates successive reads from one producer connection and
// splits complete frames out of them. After every Write the internal buffer
// holds no complete frame. An Extractor is not safe for concurrent use.
type Extractor struct {
	buf       []byte
	maxBuffer int
	overflows int
}

// NewExtractor creates an Extractor whose buffer is trimmed once it grows
// past maxBuffer bytes. A non-positive maxBuffer selects DefaultMaxBuffer.
func NewExtractor(maxBuffer int) *Extractor {
	if maxBuffer <= 0 {
		maxBuffer = DefaultMaxBuffer
	}
	return &Extractor{maxBuffer: maxBuffer}
}

// Write appends p and returns every frame completed by it, in stream order.
// Returned slices are copies and remain valid after later writes.
func (e *Extractor) Write(p []byte) [][]byte {
	e.buf = append(e.buf, p...)

	var frames [][]byte
	for {
		start, end, ok := findFrame(e.buf)
		if !ok {
			break
		}
		frame := make([]byte, end-start)
		copy(frame, e.buf[start:end])
		frames = append(frames, frame)
		e.discard(end)
	}

	if len(e.buf) > e.maxBuffer {
		e.overflows++
		if pos := bytes.LastIndex(e.buf, media.StartMarker); pos >= 0 {
			e.discard(pos)
		} else {
			e.buf = e.buf[:0]
		}
	}

	return frames
}

// Buffered returns the number of bytes waiting for a frame to complete.
func (e *Extractor) Buffered() int {
	return len(e.buf)
}

// Overflows returns how many times the buffer bound has been enforced.
func (e *Extractor) Overflows() int {
	return e.overflows
}

// MaxBuffer returns the configured buffer bound.
func (e *Extractor) MaxBuffer() int {
	return e.maxBuffer
}

// Reset drops any partially received frame.
func (e *Extractor) Reset() {
	e.buf = e.buf[:0]
}

// discard removes the first n bytes, compacting in place so the backing
// array is reused across reads.
func (e *Extractor) discard(n int) {
	rest := copy(e.buf, e.buf[n:])
	e.buf = e.buf[:rest]
}

// findFrame locates the earliest start marker and the earliest end marker
// beginning after it. end is exclusive and includes the end marker.
func findFrame(b []byte) (start, end int, ok bool) {
	start = bytes.Index(b, media.StartMarker)
	if start < 0 {
		return 0, 0, false
	}
	from := start + len(media.StartMarker)
	if from >= len(b) {
		return 0, 0, false
	}
	rel := bytes.Index(b[from:], media.EndMarker)
	if rel < 0 {
		return 0, 0, false
	}
	return start, from + rel + len(media.EndMarker), true
}
