package fragment

import (
	"errors"
	"fmt"
	"time"

	"github.com/zsiec/camrelay/internal/media"
)

// Defaults for the reassembly bounds.
const (
	DefaultTimeout    = 500 * time.Millisecond
	DefaultMaxPending = 3
)

// maxPreallocSize caps the capacity hint taken from the producer-declared
// total size so a bogus header cannot force a huge allocation.
const maxPreallocSize = 4 << 20

// Reasons a datagram is dropped. None of them is fatal to the receive loop.
var (
	ErrStale     = errors.New("fragment: frame already completed")
	ErrBadIndex  = errors.New("fragment: fragment index out of range")
	ErrDuplicate = errors.New("fragment: duplicate fragment")
	ErrNotJPEG   = errors.New("fragment: reassembled frame missing JPEG start marker")
)

// Config bounds a Reassembler.
type Config struct {
	// Timeout is how long a pending frame may wait for its last fragment.
	Timeout time.Duration
	// MaxPending is the maximum number of frames reassembled at once.
	MaxPending int
}

// Completed is a fully reassembled frame.
type Completed struct {
	FrameID   uint32
	Fragments int
	Data      []byte
}

// Evicted records pending frames discarded without completing.
type Evicted struct {
	FrameID  uint32
	Received int
	Total    int
}

type pending struct {
	total     int
	totalSize uint32
	slots     [][]byte
	received  int
	createdAt time.Time
}

func (p *pending) expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(p.createdAt) > timeout
}

func (p *pending) assemble() []byte {
	data := make([]byte, 0, min(int(p.totalSize), maxPreallocSize))
	for _, s := range p.slots {
		data = append(data, s...)
	}
	return data
}

// Reassembler rebuilds frames from fragments. It is owned by a single
// receive loop and is not safe for concurrent use.
//
// Once a frame identifier completes, whether or not the reassembled bytes
// pass the JPEG check, no fragment with an identifier at or below it is
// accepted again, so completed frames leave in strictly increasing order.
type Reassembler struct {
	cfg       Config
	pending   map[uint32]*pending
	last      uint32
	completed bool

	// OnEvict, if set, is called for every pending frame discarded by the
	// timeout, the completion sweep, or the size bound.
	OnEvict func(Evicted)
}

// NewReassembler creates a Reassembler. Zero Config fields take defaults.
func NewReassembler(cfg Config) *Reassembler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	return &Reassembler{
		cfg:     cfg,
		pending: make(map[uint32]*pending),
	}
}

// Pending returns the number of frames currently being reassembled.
func (r *Reassembler) Pending() int {
	return len(r.pending)
}

// LastCompleted returns the highest completed frame identifier, and false
// if no frame has completed yet.
func (r *Reassembler) LastCompleted() (uint32, bool) {
	return r.last, r.completed
}

// Add processes one datagram received at now. It returns the reassembled
// frame when pkt completes one. A non-nil error explains why the datagram
// produced nothing; ErrNotJPEG is returned when a frame completed but
// failed verification.
func (r *Reassembler) Add(pkt []byte, now time.Time) (*Completed, error) {
	h, payload, err := Parse(pkt)
	if err != nil {
		return nil, err
	}

	r.expire(now)

	if r.completed && h.FrameID <= r.last {
		return nil, fmt.Errorf("%w: frame %d <= %d", ErrStale, h.FrameID, r.last)
	}

	p, ok := r.pending[h.FrameID]
	if !ok {
		if h.TotalFragments == 0 || h.Index >= h.TotalFragments {
			return nil, fmt.Errorf("%w: %d of %d", ErrBadIndex, h.Index, h.TotalFragments)
		}
		p = &pending{
			total:     int(h.TotalFragments),
			totalSize: h.TotalSize,
			slots:     make([][]byte, h.TotalFragments),
			createdAt: now,
		}
		r.pending[h.FrameID] = p
		r.enforceBound()
		if _, kept := r.pending[h.FrameID]; !kept {
			return nil, nil
		}
	} else if int(h.Index) >= p.total {
		return nil, fmt.Errorf("%w: %d of %d", ErrBadIndex, h.Index, p.total)
	}

	if p.slots[h.Index] != nil {
		return nil, fmt.Errorf("%w: frame %d index %d", ErrDuplicate, h.FrameID, h.Index)
	}
	p.slots[h.Index] = append(make([]byte, 0, len(payload)), payload...)
	p.received++

	if p.received < p.total {
		return nil, nil
	}

	data := p.assemble()
	r.last = h.FrameID
	r.completed = true
	delete(r.pending, h.FrameID)
	r.sweep(h.FrameID, now)
	r.enforceBound()

	if !media.HasStartMarker(data) {
		return nil, fmt.Errorf("%w: frame %d (%d bytes)", ErrNotJPEG, h.FrameID, len(data))
	}
	return &Completed{FrameID: h.FrameID, Fragments: p.total, Data: data}, nil
}

// expire drops every pending frame older than the timeout.
func (r *Reassembler) expire(now time.Time) {
	for id, p := range r.pending {
		if p.expired(now, r.cfg.Timeout) {
			r.evict(id, p)
		}
	}
}

// sweep drops pending frames superseded by the completed identifier id or
// past the timeout.
func (r *Reassembler) sweep(id uint32, now time.Time) {
	for pid, p := range r.pending {
		if pid <= id || p.expired(now, r.cfg.Timeout) {
			r.evict(pid, p)
		}
	}
}

// enforceBound evicts the numerically smallest identifiers until the
// pending set fits MaxPending.
func (r *Reassembler) enforceBound() {
	for len(r.pending) > r.cfg.MaxPending {
		first := true
		var oldest uint32
		for id := range r.pending {
			if first || id < oldest {
				oldest = id
				first = false
			}
		}
		r.evict(oldest, r.pending[oldest])
	}
}

func (r *Reassembler) evict(id uint32, p *pending) {
	delete(r.pending, id)
	if r.OnEvict != nil {
		r.OnEvict(Evicted{FrameID: id, Received: p.received, Total: p.total})
	}
}
