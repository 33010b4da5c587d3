// Package ingest tracks connected producers and runs their byte streams
// through the frame pipeline. Protocol-specific accept loops live in the
// tcp, udp, srt and pull subpackages.
package ingest

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/camrelay/internal/distribution"
	"github.com/zsiec/camrelay/internal/pipeline"
)

// IngestStats captures connection-level metrics for a producer, exposed
// via the API for monitoring source health.
type IngestStats struct {
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	Frames        int64  `json:"frames"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Source is one connected producer.
type Source struct {
	ID        string
	Key       string
	Protocol  string
	StartedAt time.Time

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	frames        atomic.Int64
	remoteAddr    atomic.Value
}

// RecordRead increments the byte and read counters, called by the
// receiver after each successful socket read.
func (s *Source) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// RecordFrame counts one frame published from this source.
func (s *Source) RecordFrame(int) {
	s.frames.Add(1)
}

// SetRemoteAddr stores the producer address. UDP sources update it as
// datagrams arrive.
func (s *Source) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// RemoteAddr returns the last stored producer address.
func (s *Source) RemoteAddr() string {
	addr, _ := s.remoteAddr.Load().(string)
	return addr
}

// IngestStats returns a snapshot of the source metrics.
func (s *Source) IngestStats() IngestStats {
	return IngestStats{
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		Frames:        s.frames.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    s.RemoteAddr(),
	}
}

// Info converts the source to its API representation.
func (s *Source) Info() distribution.SourceInfo {
	st := s.IngestStats()
	return distribution.SourceInfo{
		Key:           s.Key,
		Protocol:      s.Protocol,
		RemoteAddr:    st.RemoteAddr,
		BytesReceived: st.BytesReceived,
		Frames:        st.Frames,
		ConnectedAt:   st.ConnectedAt,
		UptimeMs:      st.UptimeMs,
	}
}

// Registry tracks connected producers by ID. Several producers may be
// connected at once; their frames all feed the same relay.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*Source
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]*Source)}
}

// Register adds a producer and returns its Source.
func (r *Registry) Register(key, protocol, remoteAddr string) *Source {
	src := &Source{
		ID:        uuid.NewString(),
		Key:       key,
		Protocol:  protocol,
		StartedAt: time.Now(),
	}
	src.SetRemoteAddr(remoteAddr)

	r.mu.Lock()
	r.sources[src.ID] = src
	r.mu.Unlock()
	return src
}

// Unregister removes a producer by ID. Unknown IDs are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.sources, id)
	r.mu.Unlock()
}

// Get returns the Source for the given ID, or false if not found.
func (r *Registry) Get(id string) (*Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[id]
	return s, ok
}

// List returns the connected producers, oldest first.
func (r *Registry) List() []*Source {
	r.mu.RLock()
	out := make([]*Source, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Sources returns the API view of every connected producer. It satisfies
// distribution.SourceLister.
func (r *Registry) Sources() []distribution.SourceInfo {
	list := r.List()
	out := make([]distribution.SourceInfo, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	return out
}

// Len returns the number of connected producers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources)
}

// Stream describes one producer byte stream to be served.
type Stream struct {
	Key        string
	Protocol   string
	RemoteAddr string
	Input      io.Reader
}

// Serve registers the producer, extracts and publishes frames from its
// byte stream until it ends, then unregisters it. The returned error is
// the read error that ended the stream, or nil on a clean end.
func (r *Registry) Serve(ctx context.Context, st Stream, pub *pipeline.Publisher, maxBuffer int, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	src := r.Register(st.Key, st.Protocol, st.RemoteAddr)
	log = log.With("source", src.ID, "key", st.Key, "remote", st.RemoteAddr)
	log.Info("producer connected")

	pump := pipeline.NewPump(st.Protocol, st.Input, pub, maxBuffer, log)
	pump.SetRecorder(src)
	err := pump.Run(ctx)

	stats := src.IngestStats()
	r.Unregister(src.ID)
	log.Info("producer disconnected",
		"bytes", stats.BytesReceived, "reads", stats.ReadCount,
		"frames", stats.Frames, "uptime_ms", stats.UptimeMs)
	return err
}
