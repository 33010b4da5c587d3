// Package distribution fans completed frames out to viewers. The Relay
// pairs a single-slot latest-frame cache, served to late joiners, with a
// broadcaster whose per-subscriber queues drop their oldest frames instead
// of blocking the publisher.
package distribution

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/zsiec/camrelay/internal/media"
)

// DefaultQueueSize is the per-subscriber backlog before frames are dropped.
const DefaultQueueSize = 16

// SubscriberStats captures per-subscriber delivery metrics for the API.
type SubscriberStats struct {
	ID      string `json:"id"`
	Sent    int64  `json:"sent"`
	Dropped int64  `json:"dropped"`
	Queued  int    `json:"queued"`
}

// Relay is the fan-out hub for the camera stream. Every ingest path
// publishes into the same Relay; every viewer session subscribes to it.
type Relay struct {
	log       *slog.Logger
	queueSize int

	// mu guards subs and closed. Publish holds it shared across the cache
	// write and the fan-out so Join observes both or neither.
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool

	latestMu sync.RWMutex
	latest   *media.Frame

	published atomic.Int64
}

// NewRelay creates a Relay with no subscribers. A non-positive queueSize
// selects DefaultQueueSize. If log is nil, slog.Default() is used.
func NewRelay(queueSize int, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Relay{
		log:       log.With("component", "relay"),
		queueSize: queueSize,
		subs:      make(map[string]*Subscription),
	}
}

// Publish stamps frame with the next sequence number, stores it as the
// latest frame and queues it for every live subscription. It never blocks
// on a subscriber. The frame must not be modified afterwards. It returns
// the number of subscriptions the frame was queued to; zero subscribers is
// not an error.
func (r *Relay) Publish(frame *media.Frame) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	frame.Seq = uint64(r.published.Add(1))
	r.latestMu.Lock()
	r.latest = frame
	r.latestMu.Unlock()

	for _, sub := range r.subs {
		sub.push(frame)
	}
	return len(r.subs)
}

// Latest returns the most recently published frame, or nil before the
// first publish.
func (r *Relay) Latest() *media.Frame {
	r.latestMu.RLock()
	defer r.latestMu.RUnlock()
	return r.latest
}

// Published returns the number of frames published since creation.
func (r *Relay) Published() int64 {
	return r.published.Load()
}

// Join returns the cached latest frame together with a new subscription.
// Every frame published after the returned cached frame is delivered to
// the subscription, and the cached frame itself is not. On a closed Relay
// the subscription is already closed.
func (r *Relay) Join() (*media.Frame, *Subscription) {
	sub := newSubscription(uuid.NewString(), r.queueSize)

	r.mu.Lock()
	defer r.mu.Unlock()

	latest := r.Latest()
	if r.closed {
		sub.close()
		return latest, sub
	}
	r.subs[sub.id] = sub
	r.log.Debug("subscriber joined", "subscriber", sub.id, "subscribers", len(r.subs))
	return latest, sub
}

// Subscribe registers a new subscription without the cached frame.
func (r *Relay) Subscribe() *Subscription {
	_, sub := r.Join()
	return sub
}

// Leave unregisters sub and closes it. Leaving twice is a no-op.
func (r *Relay) Leave(sub *Subscription) {
	r.mu.Lock()
	_, ok := r.subs[sub.id]
	delete(r.subs, sub.id)
	n := len(r.subs)
	r.mu.Unlock()

	sub.close()
	if ok {
		r.log.Debug("subscriber left", "subscriber", sub.id, "subscribers", n)
	}
}

// Close closes every subscription. Subscribers drain what is already
// queued and then receive ErrRelayClosed. The cache keeps its frame.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for id, sub := range r.subs {
		sub.close()
		delete(r.subs, id)
	}
	r.log.Info("relay closed")
}

// ViewerCount returns the number of live subscriptions.
func (r *Relay) ViewerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// SubscriberStats returns delivery metrics for every live subscription.
func (r *Relay) SubscriberStats() []SubscriberStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SubscriberStats, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub.Stats())
	}
	return out
}
