package distribution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zsiec/camrelay/internal/media"
)

// ErrRelayClosed is returned by Recv once the relay has been torn down and
// the subscription's backlog is drained.
var ErrRelayClosed = errors.New("distribution: relay closed")

// LagError reports that a subscriber fell behind and Skipped of its oldest
// queued frames were dropped. Receiving continues after a LagError.
type LagError struct {
	Skipped uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("distribution: subscriber lagged, %d frames skipped", e.Skipped)
}

// Subscription is one subscriber's bounded view of the broadcast. It must
// be read by a single goroutine.
type Subscription struct {
	id   string
	size int

	mu     sync.Mutex
	queue  []*media.Frame
	lagged uint64
	closed bool

	// ready carries at most one pending wakeup for Recv.
	ready chan struct{}

	sent    atomic.Int64
	dropped atomic.Int64
}

func newSubscription(id string, size int) *Subscription {
	return &Subscription{
		id:    id,
		size:  size,
		queue: make([]*media.Frame, 0, size),
		ready: make(chan struct{}, 1),
	}
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string {
	return s.id
}

// push queues frame, dropping the oldest queued frame when full.
func (s *Subscription) push(frame *media.Frame) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.size {
		copy(s.queue, s.queue[1:])
		s.queue[len(s.queue)-1] = frame
		s.lagged++
		s.dropped.Add(1)
	} else {
		s.queue = append(s.queue, frame)
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Recv blocks until a frame is available. A *LagError is returned once,
// ahead of the surviving frames, whenever frames were dropped since the
// previous call. After the relay closes and the backlog is drained Recv
// returns ErrRelayClosed; it returns ctx.Err() if ctx is cancelled first.
func (s *Subscription) Recv(ctx context.Context) (*media.Frame, error) {
	for {
		s.mu.Lock()
		if s.lagged > 0 {
			n := s.lagged
			s.lagged = 0
			s.mu.Unlock()
			return nil, &LagError{Skipped: n}
		}
		if len(s.queue) > 0 {
			frame := s.queue[0]
			copy(s.queue, s.queue[1:])
			s.queue[len(s.queue)-1] = nil
			s.queue = s.queue[:len(s.queue)-1]
			s.mu.Unlock()
			s.sent.Add(1)
			return frame, nil
		}
		if s.closed {
			s.mu.Unlock()
			return nil, ErrRelayClosed
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.ready:
		}
	}
}

// Stats returns the delivery counters of the subscription.
func (s *Subscription) Stats() SubscriberStats {
	s.mu.Lock()
	queued := len(s.queue)
	s.mu.Unlock()
	return SubscriberStats{
		ID:      s.id,
		Sent:    s.sent.Load(),
		Dropped: s.dropped.Load(),
		Queued:  queued,
	}
}
