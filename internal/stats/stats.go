// Package stats keeps relay-wide counters updated by the ingest paths and
// consumer sessions, and reports them periodically.
package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is a point-in-time view of the relay counters, served by the
// stats API and logged by the Reporter.
type Snapshot struct {
	StartedAt       int64            `json:"startedAt"`
	UptimeMs        int64            `json:"uptimeMs"`
	TotalFrames     int64            `json:"totalFrames"`
	TotalBytes      int64            `json:"totalBytes"`
	ActiveConsumers int64            `json:"activeConsumers"`
	AvgFPS          float64          `json:"avgFps"`
	AvgFrameBytes   float64          `json:"avgFrameBytes"`
	FramesBySource  map[string]int64 `json:"framesBySource,omitempty"`
}

// Stats accumulates frame, byte and consumer counters. All methods are
// safe for concurrent use; frame and consumer updates never take a lock
// once a source has been seen.
type Stats struct {
	startedAt time.Time

	frames    atomic.Int64
	bytes     atomic.Int64
	consumers atomic.Int64

	// bySource maps a source name to its *atomic.Int64 frame counter.
	bySource sync.Map
}

// New creates Stats with the start time set to now.
func New() *Stats {
	return &Stats{startedAt: time.Now()}
}

// StartedAt returns the time the counters were created.
func (s *Stats) StartedAt() time.Time {
	return s.startedAt
}

// AddFrame records one completed frame of n bytes from source.
func (s *Stats) AddFrame(source string, n int) {
	s.frames.Add(1)
	s.bytes.Add(int64(n))

	c, ok := s.bySource.Load(source)
	if !ok {
		c, _ = s.bySource.LoadOrStore(source, new(atomic.Int64))
	}
	c.(*atomic.Int64).Add(1)
}

// ConsumerConnected increments the active consumer gauge and returns the
// new value.
func (s *Stats) ConsumerConnected() int64 {
	return s.consumers.Add(1)
}

// ConsumerDisconnected decrements the active consumer gauge and returns the
// new value.
func (s *Stats) ConsumerDisconnected() int64 {
	return s.consumers.Add(-1)
}

// TotalFrames returns the number of frames completed since start.
func (s *Stats) TotalFrames() int64 {
	return s.frames.Load()
}

// TotalBytes returns the number of frame bytes completed since start.
func (s *Stats) TotalBytes() int64 {
	return s.bytes.Load()
}

// ActiveConsumers returns the current consumer count.
func (s *Stats) ActiveConsumers() int64 {
	return s.consumers.Load()
}

// FPS returns the average frame rate since start.
func (s *Stats) FPS() float64 {
	return rate(s.frames.Load(), time.Since(s.startedAt))
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() Snapshot {
	elapsed := time.Since(s.startedAt)
	frames := s.frames.Load()
	bytes := s.bytes.Load()

	snap := Snapshot{
		StartedAt:       s.startedAt.UnixMilli(),
		UptimeMs:        elapsed.Milliseconds(),
		TotalFrames:     frames,
		TotalBytes:      bytes,
		ActiveConsumers: s.consumers.Load(),
		AvgFPS:          rate(frames, elapsed),
	}
	if frames > 0 {
		snap.AvgFrameBytes = float64(bytes) / float64(frames)
	}
	s.bySource.Range(func(k, v any) bool {
		if snap.FramesBySource == nil {
			snap.FramesBySource = make(map[string]int64)
		}
		snap.FramesBySource[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return snap
}

func rate(n int64, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(n) / secs
}
