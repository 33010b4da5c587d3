package fragment

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"time"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testFrame(n int) []byte {
	f := make([]byte, n)
	f[0], f[1] = 0xFF, 0xD8
	for i := 2; i < n; i++ {
		f[i] = byte(i)
	}
	return f
}

func mustSplit(t *testing.T, id uint32, frame []byte, maxPayload int) [][]byte {
	t.Helper()
	pkts, err := Split(id, frame, maxPayload)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	return pkts
}

func TestScenarioOutOfOrder(t *testing.T) {
	t.Parallel()

	r := NewReassembler(Config{})
	payloads := [][]byte{{0xFF, 0xD8, 0x01}, {0x02, 0x03}, {0x04, 0xFF, 0xD9}}
	pkt := func(i int) []byte {
		return Encode(nil, Header{FrameID: 1, Index: uint16(i), TotalFragments: 3, TotalSize: 8}, payloads[i])
	}

	if c, err := r.Add(pkt(2), t0); c != nil || err != nil {
		t.Fatalf("fragment 2: got %v, %v", c, err)
	}
	if c, err := r.Add(pkt(0), t0); c != nil || err != nil {
		t.Fatalf("fragment 0: got %v, %v", c, err)
	}
	c, err := r.Add(pkt(1), t0)
	if err != nil {
		t.Fatalf("fragment 1: %v", err)
	}
	if c == nil {
		t.Fatal("frame did not complete")
	}

	want := []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0x04, 0xFF, 0xD9}
	if !bytes.Equal(c.Data, want) {
		t.Errorf("Data: got %X, want %X", c.Data, want)
	}
	if c.FrameID != 1 || c.Fragments != 3 {
		t.Errorf("got id %d fragments %d, want 1 and 3", c.FrameID, c.Fragments)
	}
	if r.Pending() != 0 {
		t.Errorf("Pending: got %d, want 0", r.Pending())
	}
}

func TestPermutationsWithDuplicates(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	frame := testFrame(5000)

	for trial := 0; trial < 25; trial++ {
		r := NewReassembler(Config{})
		id := uint32(trial + 1)
		pkts := mustSplit(t, id, frame, 400)

		order := rng.Perm(len(pkts))
		// Duplicate a few indices, delivered before the last unique one.
		for i := 0; i < 4; i++ {
			order = append(order[:1], append([]int{order[rng.Intn(len(order)-1)]}, order[1:]...)...)
		}

		var got *Completed
		completions := 0
		for i, idx := range order {
			c, err := r.Add(pkts[idx], t0)
			if err != nil && !errors.Is(err, ErrDuplicate) && !errors.Is(err, ErrStale) {
				t.Fatalf("trial %d step %d: %v", trial, i, err)
			}
			if c != nil {
				got = c
				completions++
			}
		}

		if completions != 1 {
			t.Fatalf("trial %d: completed %d times, want 1", trial, completions)
		}
		if !bytes.Equal(got.Data, frame) {
			t.Fatalf("trial %d: reassembled frame differs", trial)
		}
	}
}

func TestDuplicateCountedOnce(t *testing.T) {
	t.Parallel()

	r := NewReassembler(Config{})
	pkts := mustSplit(t, 1, testFrame(30), 10)

	r.Add(pkts[0], t0)
	if _, err := r.Add(pkts[0], t0); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate: got %v, want ErrDuplicate", err)
	}
	if c, _ := r.Add(pkts[1], t0); c != nil {
		t.Fatal("frame completed with one fragment missing")
	}
	if c, _ := r.Add(pkts[2], t0); c == nil {
		t.Fatal("frame did not complete after every index was seen")
	}
}

func TestStaleAfterCompletion(t *testing.T) {
	t.Parallel()

	r := NewReassembler(Config{})
	for _, pkt := range mustSplit(t, 5, testFrame(20), 10) {
		r.Add(pkt, t0)
	}

	for _, id := range []uint32{1, 4, 5} {
		pkts := mustSplit(t, id, testFrame(20), 10)
		if _, err := r.Add(pkts[0], t0); !errors.Is(err, ErrStale) {
			t.Errorf("frame %d: got %v, want ErrStale", id, err)
		}
	}
	if r.Pending() != 0 {
		t.Errorf("Pending: got %d, want 0", r.Pending())
	}

	last, ok := r.LastCompleted()
	if !ok || last != 5 {
		t.Errorf("LastCompleted: got %d/%v, want 5/true", last, ok)
	}
}

func TestFailedVerificationAdvancesGate(t *testing.T) {
	t.Parallel()

	r := NewReassembler(Config{})
	bad := []byte{0x00, 0x01, 0x02, 0x03}
	pkt := Encode(nil, Header{FrameID: 5, Index: 0, TotalFragments: 1, TotalSize: 4}, bad)

	c, err := r.Add(pkt, t0)
	if c != nil {
		t.Fatal("non-JPEG frame was returned")
	}
	if !errors.Is(err, ErrNotJPEG) {
		t.Fatalf("got %v, want ErrNotJPEG", err)
	}

	good := mustSplit(t, 5, testFrame(10), 0)
	if _, err := r.Add(good[0], t0); !errors.Is(err, ErrStale) {
		t.Fatalf("frame 5 after failed verification: got %v, want ErrStale", err)
	}
	if r.Pending() != 0 {
		t.Errorf("Pending: got %d, want 0", r.Pending())
	}
}

func TestCompletionSweepsOlderFrames(t *testing.T) {
	t.Parallel()

	r := NewReassembler(Config{MaxPending: 10})
	older := mustSplit(t, 3, testFrame(20), 10)
	newer := mustSplit(t, 9, testFrame(20), 10)

	r.Add(older[0], t0)
	r.Add(newer[0], t0)

	for _, pkt := range mustSplit(t, 4, testFrame(10), 0) {
		if c, _ := r.Add(pkt, t0); c == nil {
			t.Fatal("frame 4 did not complete")
		}
	}

	if r.Pending() != 1 {
		t.Fatalf("Pending: got %d, want 1", r.Pending())
	}
	if c, _ := r.Add(newer[1], t0); c == nil {
		t.Error("frame 9 should still complete")
	}
}

func TestTimeoutPurgesPending(t *testing.T) {
	t.Parallel()

	r := NewReassembler(Config{Timeout: 100 * time.Millisecond})
	var evicted []Evicted
	r.OnEvict = func(e Evicted) { evicted = append(evicted, e) }

	pkts := mustSplit(t, 7, testFrame(30), 10)
	r.Add(pkts[0], t0)
	r.Add(pkts[1], t0.Add(50*time.Millisecond))

	c, err := r.Add(pkts[2], t0.Add(200*time.Millisecond))
	if c != nil || err != nil {
		t.Fatalf("late fragment: got %v, %v; want nothing", c, err)
	}
	if len(evicted) != 1 || evicted[0].FrameID != 7 || evicted[0].Received != 2 {
		t.Fatalf("evicted: got %+v, want frame 7 with 2 fragments", evicted)
	}

	// The late fragment started a fresh record that can never complete
	// without the purged fragments.
	if r.Pending() != 1 {
		t.Errorf("Pending: got %d, want 1", r.Pending())
	}
	if _, ok := r.LastCompleted(); ok {
		t.Error("no frame should have completed")
	}
}

func TestPendingBoundEvictsSmallest(t *testing.T) {
	t.Parallel()

	r := NewReassembler(Config{MaxPending: 3})
	var evicted []uint32
	r.OnEvict = func(e Evicted) { evicted = append(evicted, e.FrameID) }

	for _, id := range []uint32{20, 10, 30, 40} {
		pkts := mustSplit(t, id, testFrame(20), 10)
		r.Add(pkts[0], t0)
		if r.Pending() > 3 {
			t.Fatalf("Pending: got %d, exceeds bound 3", r.Pending())
		}
	}

	if len(evicted) != 1 || evicted[0] != 10 {
		t.Fatalf("evicted: got %v, want [10]", evicted)
	}

	// A new identifier smaller than every pending one is evicted immediately.
	pkts := mustSplit(t, 15, testFrame(20), 10)
	if c, err := r.Add(pkts[0], t0); c != nil || err != nil {
		t.Fatalf("got %v, %v", c, err)
	}
	if evicted[len(evicted)-1] != 15 {
		t.Errorf("last evicted: got %d, want 15", evicted[len(evicted)-1])
	}
	if r.Pending() != 3 {
		t.Errorf("Pending: got %d, want 3", r.Pending())
	}
}

func TestRejectsMalformed(t *testing.T) {
	t.Parallel()

	r := NewReassembler(Config{})

	if _, err := r.Add(make([]byte, HeaderSize-1), t0); !errors.Is(err, ErrShortDatagram) {
		t.Errorf("short: got %v, want ErrShortDatagram", err)
	}

	zero := Encode(nil, Header{FrameID: 1, Index: 0, TotalFragments: 0}, nil)
	if _, err := r.Add(zero, t0); !errors.Is(err, ErrBadIndex) {
		t.Errorf("zero total: got %v, want ErrBadIndex", err)
	}

	over := Encode(nil, Header{FrameID: 1, Index: 3, TotalFragments: 3}, []byte{1})
	if _, err := r.Add(over, t0); !errors.Is(err, ErrBadIndex) {
		t.Errorf("index past total: got %v, want ErrBadIndex", err)
	}

	if r.Pending() != 0 {
		t.Errorf("Pending: got %d, want 0", r.Pending())
	}
}

func TestHeaderOnlyDatagramIsEmptyFragment(t *testing.T) {
	t.Parallel()

	r := NewReassembler(Config{})
	r.Add(Encode(nil, Header{FrameID: 2, Index: 1, TotalFragments: 2, TotalSize: 2}, nil), t0)
	c, err := r.Add(Encode(nil, Header{FrameID: 2, Index: 0, TotalFragments: 2, TotalSize: 2}, []byte{0xFF, 0xD8}), t0)
	if err != nil || c == nil {
		t.Fatalf("got %v, %v; want completed frame", c, err)
	}
	if !bytes.Equal(c.Data, []byte{0xFF, 0xD8}) {
		t.Errorf("Data: got %X", c.Data)
	}
}

func TestSplitParse(t *testing.T) {
	t.Parallel()

	frame := testFrame(3000)
	pkts := mustSplit(t, 0xDEADBEEF, frame, 0)

	if len(pkts) != 3 {
		t.Fatalf("got %d datagrams, want 3", len(pkts))
	}
	var joined []byte
	for i, pkt := range pkts {
		if len(pkt) > MaxDatagramSize {
			t.Errorf("datagram %d: %d bytes exceeds %d", i, len(pkt), MaxDatagramSize)
		}
		h, payload, err := Parse(pkt)
		if err != nil {
			t.Fatalf("Parse %d: %v", i, err)
		}
		if h.FrameID != 0xDEADBEEF || int(h.Index) != i || h.TotalFragments != 3 || h.TotalSize != 3000 {
			t.Errorf("header %d: got %+v", i, h)
		}
		joined = append(joined, payload...)
	}
	if !bytes.Equal(joined, frame) {
		t.Error("payloads do not rebuild the frame")
	}
}
